// Package livestream schedules events, provisions their live streams at the
// video provider and follows stream state through provider webhooks.
package livestream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/logging"
)

var (
	ErrNotHost              = errors.New("only the host can manage this event")
	ErrNotMember            = errors.New("host is not a member of the community")
	ErrEventClosed          = errors.New("event has already ended")
	ErrUnavailable          = errors.New("livestreaming is not configured")
	ErrInvalidEvent         = errors.New("event requires a title and a start time")
	ErrInvalidWebhook       = errors.New("malformed webhook payload")
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")
)

const notifyFanOut = 8

// Store is the persistence the service needs.
type Store interface {
	database.EventRepository
	ListFollowerIDs(ctx context.Context, userID string) ([]string, error)
	GetMember(ctx context.Context, communityID, userID string) (*database.CommunityMember, error)
	GetProfile(ctx context.Context, id string) (*database.Profile, error)
}

// Standing gates paid features on the host's wallet.
type Standing interface {
	RequireGoodStanding(ctx context.Context, userID string) error
}

// Notifier delivers user notifications.
type Notifier interface {
	Dispatch(ctx context.Context, n database.Notification) (*database.Notification, error)
}

// EventInput describes a new event.
type EventInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartsAt    time.Time `json:"starts_at"`
	Livestream  bool      `json:"livestream"`
	CommunityID string    `json:"community_id"`
}

// Service manages events.
type Service struct {
	store         Store
	provider      Provider
	standing      Standing
	notifier      Notifier
	webhookSecret string
	log           *logging.Logger
	now           func() time.Time
}

// New creates the service. provider may be nil when livestreaming is not
// configured; plain events still work.
func New(store Store, provider Provider, standing Standing, notifier Notifier, webhookSecret string, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{
		store:         store,
		provider:      provider,
		standing:      standing,
		notifier:      notifier,
		webhookSecret: webhookSecret,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Name() string { return "livestream" }

// CreateEvent schedules an event. Livestreamed events require the host's
// wallet to be in good standing and get a stream provisioned up front.
func (s *Service) CreateEvent(ctx context.Context, hostID string, in EventInput) (*database.Event, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" || in.StartsAt.IsZero() {
		return nil, ErrInvalidEvent
	}

	ev := &database.Event{
		HostID:      hostID,
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		StartsAt:    in.StartsAt.UTC(),
		Status:      database.EventScheduled,
		Livestream:  in.Livestream,
	}
	if in.CommunityID != "" {
		if _, err := s.store.GetMember(ctx, in.CommunityID, hostID); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrNotMember
			}
			return nil, err
		}
		communityID := in.CommunityID
		ev.CommunityID = &communityID
	}

	if in.Livestream {
		if s.provider == nil {
			return nil, ErrUnavailable
		}
		if s.standing != nil {
			if err := s.standing.RequireGoodStanding(ctx, hostID); err != nil {
				return nil, err
			}
		}
		stream, err := s.provider.CreateLiveStream(ctx)
		if err != nil {
			return nil, err
		}
		ev.StreamID = &stream.ID
		ev.StreamKey = stream.StreamKey
		ev.PlaybackID = stream.PlaybackID
	}

	created, err := s.store.InsertEvent(ctx, ev)
	if err != nil {
		if ev.StreamID != nil {
			if derr := s.provider.DeleteLiveStream(context.WithoutCancel(ctx), *ev.StreamID); derr != nil {
				s.log.WithContext(ctx).WithError(derr).Warn("failed to delete orphaned live stream")
			}
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"event_id":   created.ID,
		"livestream": created.Livestream,
	}).Info("event created")
	return created, nil
}

// GetEvent returns an event. The stream key is only visible to the host.
func (s *Service) GetEvent(ctx context.Context, viewerID, id string) (*database.Event, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.HostID != viewerID {
		ev.StreamKey = ""
	}
	return ev, nil
}

// Upcoming lists scheduled and live events, soonest first, without stream
// keys.
func (s *Service) Upcoming(ctx context.Context, limit int) ([]database.Event, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	events, err := s.store.ListUpcomingEvents(ctx, s.now().Add(-12*time.Hour), limit)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].StreamKey = ""
	}
	return events, nil
}

// EndEvent closes an event: a live event ends, a scheduled one is
// cancelled. The stream, if any, is disabled at the provider.
func (s *Service) EndEvent(ctx context.Context, hostID, id string) (*database.Event, error) {
	ev, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.HostID != hostID {
		return nil, ErrNotHost
	}

	now := s.now()
	patch := map[string]any{"ended_at": now}
	switch ev.Status {
	case database.EventLive:
		patch["status"] = database.EventEnded
	case database.EventScheduled:
		patch["status"] = database.EventCancelled
	default:
		return nil, ErrEventClosed
	}

	if ev.StreamID != nil && s.provider != nil {
		if err := s.provider.DisableLiveStream(ctx, *ev.StreamID); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("event_id", id).Warn("failed to disable live stream")
		}
	}
	return s.store.UpdateEvent(ctx, id, patch)
}

// HandleWebhook applies a signed provider webhook. Events for unknown
// streams are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, signature string, body []byte) error {
	if s.webhookSecret == "" {
		return ErrWebhookNotConfigured
	}
	if err := VerifySignature(s.webhookSecret, signature, body, s.now()); err != nil {
		return err
	}
	if !gjson.ValidBytes(body) {
		return ErrInvalidWebhook
	}
	payload := gjson.ParseBytes(body)
	kind := payload.Get("type").String()
	streamID := payload.Get("data.id").String()
	if kind == "" || streamID == "" {
		return ErrInvalidWebhook
	}

	log := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"webhook":   kind,
		"stream_id": streamID,
	})

	var next string
	switch kind {
	case "video.live_stream.active":
		next = database.EventLive
	case "video.live_stream.idle", "video.live_stream.disabled":
		next = database.EventEnded
	default:
		log.Debug("ignoring webhook")
		return nil
	}

	ev, err := s.store.GetEventByStreamID(ctx, streamID)
	if errors.Is(err, database.ErrNotFound) {
		log.Debug("webhook for unknown stream")
		return nil
	}
	if err != nil {
		return err
	}

	// Providers redeliver webhooks; only the delivery that wins the
	// conditional transition acts on it.
	now := s.now()
	switch {
	case next == database.EventLive && ev.Status == database.EventScheduled:
		updated, err := s.store.TransitionEvent(ctx, ev.ID, database.EventScheduled, map[string]any{"status": database.EventLive, "started_at": now})
		if errors.Is(err, database.ErrNotFound) {
			log.WithField("event_id", ev.ID).Debug("event already left scheduled")
			return nil
		}
		if err != nil {
			return err
		}
		log.WithField("event_id", ev.ID).Info("event is live")
		s.notifyFollowers(ctx, updated)
	case next == database.EventEnded && ev.Status == database.EventLive:
		_, err := s.store.TransitionEvent(ctx, ev.ID, database.EventLive, map[string]any{"status": database.EventEnded, "ended_at": now})
		if errors.Is(err, database.ErrNotFound) {
			log.WithField("event_id", ev.ID).Debug("event already left live")
			return nil
		}
		if err != nil {
			return err
		}
		log.WithField("event_id", ev.ID).Info("event ended")
	default:
		log.WithField("status", ev.Status).Debug("webhook does not change event state")
	}
	return nil
}

func (s *Service) notifyFollowers(ctx context.Context, ev *database.Event) {
	if s.notifier == nil {
		return
	}
	followers, err := s.store.ListFollowerIDs(ctx, ev.HostID)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("failed to list followers for live notification")
		return
	}

	title := "An event is live"
	if host, err := s.store.GetProfile(ctx, ev.HostID); err == nil && host.Username != "" {
		title = host.Username + " is live"
	}
	actor := ev.HostID

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(notifyFanOut)
	for _, followerID := range followers {
		followerID := followerID
		g.Go(func() error {
			_, err := s.notifier.Dispatch(gctx, database.Notification{
				UserID:  followerID,
				ActorID: &actor,
				Kind:    database.NotifyLive,
				Title:   title,
				Body:    ev.Title,
				Link:    "/events/" + ev.ID,
				Data:    map[string]any{"event_id": ev.ID},
			})
			if err != nil {
				s.log.WithContext(ctx).WithError(err).WithField("user_id", followerID).Warn("live notification failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
