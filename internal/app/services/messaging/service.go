// Package messaging implements direct-message threads between two users:
// invitation, acceptance, appending messages and read receipts.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/logging"
)

const (
	MaxBodyRunes    = 4000
	DefaultPageSize = 50
	MaxPageSize     = 200
	previewRunes    = 140
	summaryFanOut   = 8
)

var (
	ErrSelfThread     = errors.New("cannot start a conversation with yourself")
	ErrBlocked        = errors.New("conversation is blocked")
	ErrNotParticipant = errors.New("not a participant in this conversation")
	ErrNotRecipient   = errors.New("only the invited user can respond to this request")
	ErrNotPending     = errors.New("conversation request is no longer pending")
	ErrThreadClosed   = errors.New("conversation is closed")
	ErrEmptyBody      = errors.New("message body is empty")
	ErrBodyTooLong    = fmt.Errorf("message body exceeds %d characters", MaxBodyRunes)
)

// Store is the persistence the service needs.
type Store interface {
	database.MessagingRepository
	IsFollowing(ctx context.Context, followerID, followeeID string) (bool, error)
	IsBlockedEitherWay(ctx context.Context, a, b string) (bool, error)
}

// Notifier delivers in-app notifications.
type Notifier interface {
	Dispatch(ctx context.Context, n database.Notification) (*database.Notification, error)
}

// Service manages DM threads.
type Service struct {
	store    Store
	notifier Notifier
	log      *logging.Logger
	now      func() time.Time
}

// New creates the service. notifier may be nil.
func New(store Store, notifier Notifier, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Name() string { return "messaging" }

// PairKey identifies the unique thread between two users regardless of who
// started it.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// EnsureThread returns the thread between userID and otherID, creating it
// when it does not exist. Mutual followers start accepted; everyone else
// starts with a pending request the other user must accept.
func (s *Service) EnsureThread(ctx context.Context, userID, otherID string) (*database.Thread, bool, error) {
	userID, otherID = strings.TrimSpace(userID), strings.TrimSpace(otherID)
	if userID == "" || otherID == "" {
		return nil, false, ErrNotParticipant
	}
	if userID == otherID {
		return nil, false, ErrSelfThread
	}

	blocked, err := s.store.IsBlockedEitherWay(ctx, userID, otherID)
	if err != nil {
		return nil, false, fmt.Errorf("check block: %w", err)
	}
	if blocked {
		return nil, false, ErrBlocked
	}

	key := PairKey(userID, otherID)
	existing, err := s.store.GetThreadByPair(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup thread: %w", err)
	}

	mutual, err := s.isMutual(ctx, userID, otherID)
	if err != nil {
		return nil, false, err
	}
	status := database.ThreadPending
	if mutual {
		status = database.ThreadAccepted
	}

	created, err := s.store.CreateThread(ctx, &database.Thread{
		PairKey:   key,
		CreatedBy: userID,
		Status:    status,
	}, []string{userID, otherID})
	if errors.Is(err, database.ErrConflict) {
		// Lost a race with the other user opening the same thread.
		existing, err := s.store.GetThreadByPair(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("lookup thread: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create thread: %w", err)
	}

	if status == database.ThreadPending {
		s.notify(ctx, database.Notification{
			UserID: otherID,
			Kind:   database.NotifyDMRequest,
			Title:  "New message request",
			Link:   "/messages/" + created.ID,
			Data:   map[string]any{"thread_id": created.ID},
		}, userID)
	}
	return created, true, nil
}

func (s *Service) isMutual(ctx context.Context, a, b string) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	var ab, ba bool
	g.Go(func() (err error) {
		ab, err = s.store.IsFollowing(gctx, a, b)
		return err
	})
	g.Go(func() (err error) {
		ba, err = s.store.IsFollowing(gctx, b, a)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("check follows: %w", err)
	}
	return ab && ba, nil
}

// AcceptThread accepts a pending request addressed to userID.
func (s *Service) AcceptThread(ctx context.Context, userID, threadID string) (*database.Thread, error) {
	return s.respond(ctx, userID, threadID, database.ThreadAccepted)
}

// DeclineThread declines a pending request addressed to userID.
func (s *Service) DeclineThread(ctx context.Context, userID, threadID string) (*database.Thread, error) {
	return s.respond(ctx, userID, threadID, database.ThreadDeclined)
}

func (s *Service) respond(ctx context.Context, userID, threadID, status string) (*database.Thread, error) {
	t, err := s.participantThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if t.CreatedBy == userID {
		return nil, ErrNotRecipient
	}
	if t.Status != database.ThreadPending {
		return nil, ErrNotPending
	}

	// A block placed after the request was sent closes it instead.
	if status == database.ThreadAccepted {
		blocked, err := s.store.IsBlockedEitherWay(ctx, userID, t.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("check block: %w", err)
		}
		if blocked {
			if _, err := s.store.UpdateThreadStatus(ctx, threadID, database.ThreadPending, database.ThreadBlocked); err != nil && !errors.Is(err, database.ErrNotFound) {
				s.log.WithContext(ctx).WithError(err).Warn("mark thread blocked failed")
			}
			return nil, ErrBlocked
		}
	}

	updated, err := s.store.UpdateThreadStatus(ctx, threadID, database.ThreadPending, status)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}
	return updated, nil
}

// AppendMessage adds a message from userID. A reply from the invited user
// accepts a pending request.
func (s *Service) AppendMessage(ctx context.Context, userID, threadID, body string) (*database.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return nil, ErrBodyTooLong
	}

	t, err := s.participantThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case database.ThreadBlocked:
		return nil, ErrBlocked
	case database.ThreadDeclined:
		return nil, ErrThreadClosed
	}

	recipient, err := s.otherParticipant(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	blocked, err := s.store.IsBlockedEitherWay(ctx, userID, recipient)
	if err != nil {
		return nil, fmt.Errorf("check block: %w", err)
	}
	if blocked {
		if _, err := s.store.UpdateThreadStatus(ctx, threadID, t.Status, database.ThreadBlocked); err != nil && !errors.Is(err, database.ErrNotFound) {
			s.log.WithContext(ctx).WithError(err).Warn("mark thread blocked failed")
		}
		return nil, ErrBlocked
	}

	if t.Status == database.ThreadPending && t.CreatedBy != userID {
		if _, err := s.store.UpdateThreadStatus(ctx, threadID, database.ThreadPending, database.ThreadAccepted); err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("accept thread: %w", err)
		}
	}

	msg, err := s.store.InsertMessage(ctx, &database.Message{
		ThreadID:  threadID,
		SenderID:  userID,
		Body:      body,
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	// The message is stored; the rest only refreshes derived state.
	if _, err := s.store.UpdateThread(ctx, threadID, map[string]any{
		"last_message_at":      msg.CreatedAt.UTC(),
		"last_message_preview": preview(body),
	}); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("thread_id", threadID).Warn("update thread preview failed")
	}
	if err := s.store.UpdateParticipantReadAt(ctx, threadID, userID, msg.CreatedAt); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("thread_id", threadID).Warn("mark sender read failed")
	}

	s.notify(ctx, database.Notification{
		UserID: recipient,
		Kind:   database.NotifyDM,
		Title:  "New message",
		Body:   preview(body),
		Link:   "/messages/" + threadID,
		Data:   map[string]any{"thread_id": threadID, "message_id": msg.ID},
	}, userID)
	return msg, nil
}

// ListMessages returns a page of messages oldest first. Pass the CreatedAt
// of the oldest message already shown as before to page backwards.
func (s *Service) ListMessages(ctx context.Context, userID, threadID string, before time.Time, limit int) ([]database.Message, error) {
	if _, err := s.participantThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, threadID, before, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ThreadSummary is one row of the inbox.
type ThreadSummary struct {
	database.Thread
	OtherUserID string `json:"other_user_id"`
	Unread      int64  `json:"unread"`
	// Incoming is set on pending requests the viewer has to answer.
	Incoming bool `json:"incoming"`
}

func (t ThreadSummary) activity() time.Time {
	if t.LastMessageAt != nil {
		return *t.LastMessageAt
	}
	return t.CreatedAt
}

// ListThreads returns userID's threads, most recent activity first.
func (s *Service) ListThreads(ctx context.Context, userID string) ([]ThreadSummary, error) {
	parts, err := s.store.ListUserParticipations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	if len(parts) == 0 {
		return []ThreadSummary{}, nil
	}

	readAt := make(map[string]*time.Time, len(parts))
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		readAt[p.ThreadID] = p.LastReadAt
		ids = append(ids, p.ThreadID)
	}
	threads, err := s.store.ListThreadsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	out := make([]ThreadSummary, len(threads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryFanOut)
	for i := range threads {
		i := i
		g.Go(func() error {
			t := threads[i]
			other, err := s.otherParticipant(gctx, t.ID, userID)
			if err != nil && !errors.Is(err, ErrNotParticipant) {
				return err
			}
			n, err := s.store.CountUnread(gctx, t.ID, userID, readAt[t.ID])
			if err != nil {
				return fmt.Errorf("count unread: %w", err)
			}
			out[i] = ThreadSummary{
				Thread:      t,
				OtherUserID: other,
				Unread:      n,
				Incoming:    t.Status == database.ThreadPending && t.CreatedBy != userID,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].activity().After(out[j].activity()) })
	return out, nil
}

// MarkAsRead records that userID has read everything in threadID.
func (s *Service) MarkAsRead(ctx context.Context, userID, threadID string) (time.Time, error) {
	if _, err := s.participantThread(ctx, userID, threadID); err != nil {
		return time.Time{}, err
	}
	at := s.now()
	if err := s.store.UpdateParticipantReadAt(ctx, threadID, userID, at); err != nil {
		return time.Time{}, fmt.Errorf("mark read: %w", err)
	}
	return at, nil
}

// Summary totals a user's unread direct messages.
type Summary struct {
	// Messages counts unread messages in accepted threads.
	Messages int64 `json:"messages"`
	// Requests counts pending requests waiting on the user.
	Requests int64 `json:"requests"`
}

// UnreadSummary computes the DM badge counts for userID.
func (s *Service) UnreadSummary(ctx context.Context, userID string) (Summary, error) {
	threads, err := s.ListThreads(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, t := range threads {
		switch {
		case t.Status == database.ThreadAccepted:
			sum.Messages += t.Unread
		case t.Incoming:
			sum.Requests++
		}
	}
	return sum, nil
}

// participantThread loads threadID and checks userID belongs to it.
func (s *Service) participantThread(ctx context.Context, userID, threadID string) (*database.Thread, error) {
	if _, err := s.store.GetParticipant(ctx, threadID, userID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("load participant: %w", err)
	}
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("load thread: %w", err)
	}
	return t, nil
}

func (s *Service) otherParticipant(ctx context.Context, threadID, userID string) (string, error) {
	parts, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("list participants: %w", err)
	}
	for _, p := range parts {
		if p.UserID != userID {
			return p.UserID, nil
		}
	}
	return "", ErrNotParticipant
}

func (s *Service) notify(ctx context.Context, n database.Notification, actorID string) {
	if s.notifier == nil {
		return
	}
	n.ActorID = &actorID
	if _, err := s.notifier.Dispatch(ctx, n); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("kind", n.Kind).Warn("notification dispatch failed")
	}
}

func preview(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= previewRunes {
		return body
	}
	r := []rune(body)
	return string(r[:previewRunes-1]) + "…"
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
