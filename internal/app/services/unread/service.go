// Package unread keeps per-user unread badge counts current. Database change
// events schedule a debounced recount; results are cached and pushed to the
// user's open websocket connections.
package unread

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plaza-social/plaza/internal/app/services/messaging"
	"github.com/plaza-social/plaza/internal/cache"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/logging"
	"github.com/plaza-social/plaza/internal/metrics"
	"github.com/plaza-social/plaza/supabase/client"
)

const (
	DefaultDebounce = 250 * time.Millisecond
	DefaultTTL      = 10 * time.Minute

	// Channel carries recount results between instances.
	Channel = "plaza:unread"

	keyPrefix      = "unread:"
	eventBuffer    = 256
	recountTimeout = 10 * time.Second
)

// Recount triggers, used as the metrics label.
const (
	TriggerChange  = "change"
	TriggerRefresh = "refresh"
	TriggerMiss    = "miss"
	TriggerLocal   = "local"
)

// Counts is the badge state for one user.
type Counts struct {
	Messages      int64     `json:"messages"`
	Requests      int64     `json:"requests"`
	Notifications int64     `json:"notifications"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Event is what websocket clients receive.
type Event struct {
	Type string `json:"type"`
	Counts
}

type envelope struct {
	UserID string `json:"user_id"`
	Event  Event  `json:"event"`
}

// DMCounter computes direct-message totals.
type DMCounter interface {
	UnreadSummary(ctx context.Context, userID string) (messaging.Summary, error)
}

// Store resolves users affected by a change and counts notifications.
type Store interface {
	ListParticipants(ctx context.Context, threadID string) ([]database.Participant, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int64, error)
}

// ChangeSource delivers row changes from the hosted database.
type ChangeSource interface {
	Subscribe(ctx context.Context, cfg client.PostgresChangesConfig, handler client.ChangeHandler) (cancel func(), err error)
}

// Config tunes the service.
type Config struct {
	Debounce time.Duration
	TTL      time.Duration
}

// Service is the unread reconciler.
type Service struct {
	dm      DMCounter
	store   Store
	cache   cache.Cache
	source  ChangeSource
	metrics *metrics.Metrics
	log     *logging.Logger

	debounce time.Duration
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer
	cancels []func()
	events  chan client.ChangeEvent
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates the service. source may be nil, in which case counts are only
// refreshed on demand and through Schedule.
func New(dm DMCounter, store Store, c cache.Cache, source ChangeSource, m *metrics.Metrics, cfg Config, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Service{
		dm:       dm,
		store:    store,
		cache:    c,
		source:   source,
		metrics:  m,
		log:      log,
		debounce: cfg.Debounce,
		ttl:      cfg.TTL,
		now:      func() time.Time { return time.Now().UTC() },
		pending:  make(map[string]*time.Timer),
		ctx:      context.Background(),
	}
}

func (s *Service) Name() string { return "unread" }

// subscriptions are the change feeds that can move a badge.
var subscriptions = []client.PostgresChangesConfig{
	{Event: "INSERT", Schema: "public", Table: "dm_messages"},
	{Event: "UPDATE", Schema: "public", Table: "dm_participants"},
	{Event: "UPDATE", Schema: "public", Table: "dm_threads"},
	{Event: "*", Schema: "public", Table: "notifications"},
}

// Start subscribes to the change feeds.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.ctx, s.stop = runCtx, cancel
	s.events = make(chan client.ChangeEvent, eventBuffer)
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(runCtx)

	if s.source == nil {
		s.log.Info("unread reconciler started without a change feed")
		return nil
	}
	for _, cfg := range subscriptions {
		cancelSub, err := s.source.Subscribe(ctx, cfg, s.enqueue)
		if err != nil {
			_ = s.Stop(ctx)
			return fmt.Errorf("subscribe %s: %w", cfg.Table, err)
		}
		s.mu.Lock()
		s.cancels = append(s.cancels, cancelSub)
		s.mu.Unlock()
	}
	s.log.WithField("tables", len(subscriptions)).Info("unread reconciler started")
	return nil
}

// Stop unsubscribes, drops pending recounts and waits for running ones.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancels := s.cancels
	s.cancels = nil
	for userID, t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, userID)
	}
	stop := s.stop
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue runs on the realtime read goroutine and must not block.
func (s *Service) enqueue(ev client.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.WithField("table", ev.Table).Warn("unread event buffer full, dropping change")
	}
}

func (s *Service) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			users, err := s.affectedUsers(ctx, ev)
			if err != nil {
				s.log.WithError(err).WithField("table", ev.Table).Warn("resolve unread change failed")
				continue
			}
			for _, userID := range users {
				s.Schedule(userID, TriggerChange)
			}
		}
	}
}

// affectedUsers maps a row change to the users whose badges it can move.
func (s *Service) affectedUsers(ctx context.Context, ev client.ChangeEvent) ([]string, error) {
	switch ev.Table {
	case "dm_messages":
		return s.threadUsers(ctx, ev.String("thread_id"), ev.String("sender_id"))
	case "dm_threads":
		return s.threadUsers(ctx, ev.String("id"), "")
	case "dm_participants", "notifications":
		if id := ev.String("user_id"); id != "" {
			return []string{id}, nil
		}
	}
	return nil, nil
}

func (s *Service) threadUsers(ctx context.Context, threadID, except string) ([]string, error) {
	if threadID == "" {
		return nil, nil
	}
	parts, err := s.store.ListParticipants(ctx, threadID)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.UserID != except {
			users = append(users, p.UserID)
		}
	}
	return users, nil
}

// Schedule queues a recount for userID. Calls within the debounce window of
// an already queued recount are absorbed by it.
func (s *Service) Schedule(userID, trigger string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if _, queued := s.pending[userID]; queued {
		return
	}
	s.wg.Add(1)
	s.pending[userID] = time.AfterFunc(s.debounce, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.pending, userID)
		ctx := s.ctx
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(ctx, recountTimeout)
		defer cancel()
		if _, err := s.Recount(ctx, userID, trigger); err != nil && ctx.Err() == nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("unread recount failed")
		}
	})
}

// Refresh recounts immediately, replacing any queued recount.
func (s *Service) Refresh(ctx context.Context, userID string) {
	s.mu.Lock()
	if t, ok := s.pending[userID]; ok && t.Stop() {
		delete(s.pending, userID)
		s.wg.Done()
	}
	s.mu.Unlock()

	if _, err := s.Recount(ctx, userID, TriggerRefresh); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("unread refresh failed")
	}
}

// Recount queries both counters, caches the result and publishes it.
func (s *Service) Recount(ctx context.Context, userID, trigger string) (Counts, error) {
	var (
		dm    messaging.Summary
		notes int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		dm, err = s.dm.UnreadSummary(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		notes, err = s.store.CountUnreadNotifications(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Counts{}, fmt.Errorf("count unread: %w", err)
	}

	counts := Counts{
		Messages:      dm.Messages,
		Requests:      dm.Requests,
		Notifications: notes,
		UpdatedAt:     s.now(),
	}
	s.metrics.RecordUnreadRecount(trigger)

	if err := s.cache.Set(ctx, keyPrefix+userID, counts, s.ttl); err != nil {
		s.log.WithError(err).Warn("cache unread counts failed")
	}
	payload, err := json.Marshal(envelope{UserID: userID, Event: Event{Type: "unread", Counts: counts}})
	if err != nil {
		return counts, err
	}
	if err := s.cache.Publish(ctx, Channel, payload); err != nil {
		s.log.WithError(err).Warn("publish unread counts failed")
	}
	return counts, nil
}

// Counts returns the cached counts, recounting on a miss.
func (s *Service) Counts(ctx context.Context, userID string) (Counts, error) {
	var c Counts
	ok, err := s.cache.Get(ctx, keyPrefix+userID, &c)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("read cached unread counts failed")
	}
	if ok {
		return c, nil
	}
	return s.Recount(ctx, userID, TriggerMiss)
}

// RealtimeSource adapts the hosted realtime client to ChangeSource.
type RealtimeSource struct {
	Client *client.RealtimeClient
}

func (r RealtimeSource) Subscribe(ctx context.Context, cfg client.PostgresChangesConfig, handler client.ChangeHandler) (func(), error) {
	ch, err := r.Client.SubscribeToPostgresChanges(ctx, cfg, handler)
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ch.Unsubscribe(ctx)
	}, nil
}
