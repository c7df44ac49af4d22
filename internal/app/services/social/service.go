// Package social implements the follow and block graphs, communities and
// posts.
package social

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/logging"
)

var (
	ErrSelf             = errors.New("cannot target yourself")
	ErrBlocked          = errors.New("users have blocked each other")
	ErrForbidden        = errors.New("not allowed in this community")
	ErrNotMember        = errors.New("not a member of this community")
	ErrOwnerCannotLeave = errors.New("the owner cannot leave the community")
	ErrInvalidRole      = errors.New("invalid role")
	ErrInvalidSlug      = errors.New("slug must be 3-40 lowercase letters, digits or dashes")
	ErrSlugTaken        = errors.New("community slug is taken")
	ErrEmptyPost        = errors.New("post body is empty")
	ErrPostTooLong      = errors.New("post body is too long")
)

// Notifier delivers user notifications.
type Notifier interface {
	Dispatch(ctx context.Context, n database.Notification) (*database.Notification, error)
}

// Stats are a user's follow counts.
type Stats struct {
	Followers int64 `json:"followers"`
	Following int64 `json:"following"`
}

// Service implements social operations.
type Service struct {
	store    database.SocialRepository
	policy   *Policy
	notifier Notifier
	log      *logging.Logger
}

// New creates the service.
func New(store database.SocialRepository, policy *Policy, notifier Notifier, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{store: store, policy: policy, notifier: notifier, log: log}
}

func (s *Service) Name() string { return "social" }

// Profile returns a public profile.
func (s *Service) Profile(ctx context.Context, userID string) (*database.Profile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.Email = ""
	return p, nil
}

// Follow makes userID follow targetID and notifies the target.
func (s *Service) Follow(ctx context.Context, userID, targetID string) error {
	if userID == targetID {
		return ErrSelf
	}
	blocked, err := s.store.IsBlockedEitherWay(ctx, userID, targetID)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlocked
	}
	already, err := s.store.IsFollowing(ctx, userID, targetID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	if err := s.store.CreateFollow(ctx, userID, targetID); err != nil {
		return err
	}

	title := "You have a new follower"
	if p, err := s.store.GetProfile(ctx, userID); err == nil && p.Username != "" {
		title = p.Username + " followed you"
	}
	actor := userID
	s.dispatch(ctx, database.Notification{
		UserID:  targetID,
		ActorID: &actor,
		Kind:    database.NotifyFollow,
		Title:   title,
		Link:    "/u/" + userID,
	})
	return nil
}

func (s *Service) Unfollow(ctx context.Context, userID, targetID string) error {
	return s.store.DeleteFollow(ctx, userID, targetID)
}

// IsMutual reports whether a and b follow each other.
func (s *Service) IsMutual(ctx context.Context, a, b string) (bool, error) {
	var ab, ba bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ab, err = s.store.IsFollowing(gctx, a, b)
		return err
	})
	g.Go(func() (err error) {
		ba, err = s.store.IsFollowing(gctx, b, a)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return ab && ba, nil
}

func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	followers, following, err := s.store.CountFollows(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Stats{Followers: followers, Following: following}, nil
}

// Block blocks targetID and removes follows in both directions.
func (s *Service) Block(ctx context.Context, userID, targetID string) error {
	if userID == targetID {
		return ErrSelf
	}
	if err := s.store.CreateBlock(ctx, userID, targetID); err != nil {
		return err
	}
	for _, pair := range [][2]string{{userID, targetID}, {targetID, userID}} {
		if err := s.store.DeleteFollow(ctx, pair[0], pair[1]); err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("remove follow: %w", err)
		}
	}
	s.log.WithContext(ctx).WithField("blocked_id", targetID).Info("user blocked")
	return nil
}

func (s *Service) Unblock(ctx context.Context, userID, targetID string) error {
	return s.store.DeleteBlock(ctx, userID, targetID)
}

func (s *Service) dispatch(ctx context.Context, n database.Notification) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Dispatch(ctx, n); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("kind", n.Kind).Warn("notification failed")
	}
}
