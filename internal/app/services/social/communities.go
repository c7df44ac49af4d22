package social

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/plaza-social/plaza/internal/database"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,38}[a-z0-9]$`)

// CommunityInput describes a new community.
type CommunityInput struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateCommunity creates a community owned by ownerID.
func (s *Service) CreateCommunity(ctx context.Context, ownerID string, in CommunityInput) (*database.Community, error) {
	slug := strings.ToLower(strings.TrimSpace(in.Slug))
	if !slugPattern.MatchString(slug) {
		return nil, ErrInvalidSlug
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = slug
	}

	c, err := s.store.CreateCommunity(ctx, &database.Community{
		Slug:        slug,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		OwnerID:     ownerID,
	})
	if errors.Is(err, database.ErrConflict) {
		return nil, ErrSlugTaken
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertMember(ctx, database.CommunityMember{
		CommunityID: c.ID,
		UserID:      ownerID,
		Role:        database.RoleOwner,
	}); err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).WithField("community_id", c.ID).Info("community created")
	return c, nil
}

// Community looks a community up by ID or slug.
func (s *Service) Community(ctx context.Context, idOrSlug string) (*database.Community, error) {
	c, err := s.store.GetCommunity(ctx, idOrSlug)
	if errors.Is(err, database.ErrNotFound) {
		return s.store.GetCommunityBySlug(ctx, strings.ToLower(idOrSlug))
	}
	return c, err
}

func (s *Service) Communities(ctx context.Context, limit int) ([]database.Community, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListCommunities(ctx, limit)
}

// Join adds userID as a member. Joining again is a no-op.
func (s *Service) Join(ctx context.Context, userID, communityID string) (*database.CommunityMember, error) {
	c, err := s.store.GetCommunity(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if existing, err := s.store.GetMember(ctx, communityID, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	blocked, err := s.store.IsBlockedEitherWay(ctx, userID, c.OwnerID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrBlocked
	}

	member := database.CommunityMember{CommunityID: communityID, UserID: userID, Role: database.RoleMember}
	if err := s.store.UpsertMember(ctx, member); err != nil {
		return nil, err
	}

	actor := userID
	s.dispatch(ctx, database.Notification{
		UserID:  c.OwnerID,
		ActorID: &actor,
		Kind:    database.NotifyCommunity,
		Title:   "New member in " + c.Name,
		Link:    "/c/" + c.Slug,
		Data:    map[string]any{"community_id": c.ID},
	})
	return s.store.GetMember(ctx, communityID, userID)
}

// Leave removes userID from the community. The owner cannot leave.
func (s *Service) Leave(ctx context.Context, userID, communityID string) error {
	m, err := s.store.GetMember(ctx, communityID, userID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotMember
	}
	if err != nil {
		return err
	}
	if m.Role == database.RoleOwner {
		return ErrOwnerCannotLeave
	}
	return s.store.DeleteMember(ctx, communityID, userID)
}

// SetRole changes a member's role between member and moderator. Only the
// owner may do this, and the owner's own role cannot change.
func (s *Service) SetRole(ctx context.Context, actorID, communityID, userID, role string) error {
	if role != database.RoleMember && role != database.RoleModerator {
		return ErrInvalidRole
	}
	if err := s.Authorize(ctx, communityID, actorID, ActionManage); err != nil {
		return err
	}
	target, err := s.store.GetMember(ctx, communityID, userID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotMember
	}
	if err != nil {
		return err
	}
	if target.Role == database.RoleOwner {
		return ErrInvalidRole
	}
	target.Role = role
	return s.store.UpsertMember(ctx, *target)
}

func (s *Service) Members(ctx context.Context, communityID string) ([]database.CommunityMember, error) {
	return s.store.ListMembers(ctx, communityID)
}

// Role returns userID's role in the community.
func (s *Service) Role(ctx context.Context, communityID, userID string) (string, error) {
	m, err := s.store.GetMember(ctx, communityID, userID)
	if errors.Is(err, database.ErrNotFound) {
		return "", ErrNotMember
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// Authorize returns nil when userID's role in the community allows action.
func (s *Service) Authorize(ctx context.Context, communityID, userID, action string) error {
	role, err := s.Role(ctx, communityID, userID)
	if err != nil {
		return err
	}
	ok, err := s.policy.Can(role, action)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}
