// Package notify records in-app notifications and fans them out to push and
// email according to each user's preferences.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/plaza-social/plaza/internal/app/services/push"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/logging"
)

var ErrInvalidNotification = errors.New("notification requires a user and a title")

// emailKinds are the notification kinds also sent by email.
var emailKinds = map[string]bool{
	database.NotifyDMRequest: true,
	database.NotifyMention:   true,
	database.NotifyLive:      true,
	database.NotifyTopUp:     true,
	database.NotifyTopUpDue:  true,
	database.NotifyTransfer:  true,
}

// Store is the persistence the service needs.
type Store interface {
	database.NotificationRepository
	GetProfile(ctx context.Context, id string) (*database.Profile, error)
}

// Pusher delivers browser push notifications.
type Pusher interface {
	Enabled() bool
	Send(ctx context.Context, userID string, p push.Payload) (push.Result, error)
}

// Mailer sends notification emails.
type Mailer interface {
	Enabled() bool
	SendNotification(ctx context.Context, to database.Profile, n database.Notification) error
}

// Directory resolves the sign-in email of users whose profile has none.
type Directory interface {
	Email(ctx context.Context, userID string) (string, error)
}

// Service dispatches notifications.
type Service struct {
	store     Store
	pusher    Pusher
	mailer    Mailer
	directory Directory
	log       *logging.Logger
}

// New creates the service. pusher and mailer may be nil.
func New(store Store, pusher Pusher, mailer Mailer, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{store: store, pusher: pusher, mailer: mailer, log: log}
}

func (s *Service) Name() string { return "notify" }

// SetDirectory installs the email fallback. Call before serving traffic.
func (s *Service) SetDirectory(d Directory) { s.directory = d }

// Dispatch stores n and delivers it. It returns nil without error when the
// notification is dropped: the actor notifying themselves, or a kind the
// user muted. Push and email failures are logged, not returned.
func (s *Service) Dispatch(ctx context.Context, n database.Notification) (*database.Notification, error) {
	n.Title = strings.TrimSpace(n.Title)
	if n.UserID == "" || n.Title == "" {
		return nil, ErrInvalidNotification
	}
	if n.ActorID != nil && *n.ActorID == n.UserID {
		return nil, nil
	}

	prefs, err := s.store.GetPreferences(ctx, n.UserID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if prefs.Muted(n.Kind) {
		return nil, nil
	}

	n.ID = ""
	n.ReadAt = nil
	stored, err := s.store.InsertNotification(ctx, &n)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	log := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"notification_id": stored.ID,
		"kind":            stored.Kind,
	})

	if prefs.PushEnabled && s.pusher != nil && s.pusher.Enabled() {
		res, err := s.pusher.Send(ctx, stored.UserID, push.Payload{
			Title: stored.Title,
			Body:  stored.Body,
			URL:   stored.Link,
			Tag:   stored.Kind,
			Data:  map[string]any{"notification_id": stored.ID},
		})
		if err != nil {
			log.WithError(err).Warn("push fan-out failed")
		} else if res.Failed > 0 {
			log.WithField("failed", res.Failed).Debug("some push deliveries failed")
		}
	}

	if emailKinds[stored.Kind] && prefs.EmailEnabled && s.mailer != nil && s.mailer.Enabled() {
		if err := s.sendEmail(ctx, *stored); err != nil {
			log.WithError(err).Warn("notification email failed")
		}
	}
	return stored, nil
}

func (s *Service) sendEmail(ctx context.Context, n database.Notification) error {
	profile, err := s.store.GetProfile(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if profile.Email == "" && s.directory != nil {
		email, err := s.directory.Email(ctx, n.UserID)
		if err != nil {
			return fmt.Errorf("resolve email: %w", err)
		}
		profile.Email = email
	}
	if profile.Email == "" {
		return nil
	}
	return s.mailer.SendNotification(ctx, *profile, n)
}

// List returns userID's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]database.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListNotifications(ctx, userID, unreadOnly, limit)
}

// MarkRead marks the given notifications read, or all unread ones when ids
// is empty. It returns how many changed.
func (s *Service) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	return s.store.MarkNotificationsRead(ctx, userID, ids)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.store.CountUnreadNotifications(ctx, userID)
}

func (s *Service) Preferences(ctx context.Context, userID string) (*database.NotificationPreferences, error) {
	return s.store.GetPreferences(ctx, userID)
}

// UpdatePreferences replaces userID's delivery preferences.
func (s *Service) UpdatePreferences(ctx context.Context, userID string, p database.NotificationPreferences) (*database.NotificationPreferences, error) {
	p.UserID = userID
	if p.MutedKinds == nil {
		p.MutedKinds = []string{}
	}
	if err := s.store.SavePreferences(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
