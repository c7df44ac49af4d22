// Package push delivers browser push notifications to every subscription a
// user has registered.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/logging"
	"github.com/plaza-social/plaza/internal/metrics"
)

const (
	defaultTTL         = 60 * 60 * 24
	defaultConcurrency = 4
)

var (
	ErrNotConfigured       = errors.New("push notifications are not configured")
	ErrInvalidSubscription = errors.New("push subscription requires endpoint, p256dh and auth keys")
)

// Payload is the JSON the service worker receives.
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body,omitempty"`
	URL   string         `json:"url,omitempty"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Config holds the VAPID identity.
type Config struct {
	PublicKey  string
	PrivateKey string
	// Subject is a mailto: or https: contact for the push service.
	Subject     string
	TTL         int
	Concurrency int
	HTTPClient  webpush.HTTPClient
}

// Result summarises one Send.
type Result struct {
	Sent    int `json:"sent"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

type sendFunc func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Service fans notifications out to push subscriptions.
type Service struct {
	repo    database.PushRepository
	cfg     Config
	send    sendFunc
	metrics *metrics.Metrics
	log     *logging.Logger
}

// New creates the service.
func New(repo database.PushRepository, cfg Config, m *metrics.Metrics, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Service{repo: repo, cfg: cfg, send: webpush.SendNotificationWithContext, metrics: m, log: log}
}

func (s *Service) Name() string { return "push" }

// Enabled reports whether VAPID keys are configured.
func (s *Service) Enabled() bool {
	return s.cfg.PublicKey != "" && s.cfg.PrivateKey != ""
}

// PublicKey is handed to browsers as the applicationServerKey.
func (s *Service) PublicKey() string {
	return s.cfg.PublicKey
}

// Subscribe stores a browser subscription for userID. Re-subscribing the same
// endpoint replaces its keys.
func (s *Service) Subscribe(ctx context.Context, userID string, sub database.PushSubscription) (*database.PushSubscription, error) {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	if sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return nil, ErrInvalidSubscription
	}
	if !strings.HasPrefix(sub.Endpoint, "https://") {
		return nil, ErrInvalidSubscription
	}
	sub.ID = ""
	sub.UserID = userID
	return s.repo.SavePushSubscription(ctx, &sub)
}

// Unsubscribe removes userID's subscription for endpoint.
func (s *Service) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return s.repo.DeletePushSubscriptionByEndpoint(ctx, userID, strings.TrimSpace(endpoint))
}

// Send delivers p to every subscription of userID. Subscriptions the push
// service reports as gone are deleted. Delivery failures are counted, not
// retried, and only a failure to load subscriptions is returned.
func (s *Service) Send(ctx context.Context, userID string, p Payload) (Result, error) {
	if !s.Enabled() {
		return Result{}, ErrNotConfigured
	}
	subs, err := s.repo.ListPushSubscriptions(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return Result{}, nil
	}
	message, err := json.Marshal(p)
	if err != nil {
		return Result{}, fmt.Errorf("encode push payload: %w", err)
	}

	var sent, removed, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range subs {
		sub := subs[i]
		g.Go(func() error {
			switch s.deliver(gctx, message, sub) {
			case "sent":
				atomic.AddInt64(&sent, 1)
			case "gone":
				atomic.AddInt64(&removed, 1)
			default:
				atomic.AddInt64(&failed, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{Sent: int(sent), Removed: int(removed), Failed: int(failed)}, nil
}

func (s *Service) deliver(ctx context.Context, message []byte, sub database.PushSubscription) string {
	log := s.log.WithContext(ctx).WithField("subscription_id", sub.ID)
	resp, err := s.send(ctx, message, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      s.cfg.HTTPClient,
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		log.WithError(err).Warn("push delivery failed")
		s.metrics.RecordPush("failed")
		return "failed"
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		if err := s.repo.DeletePushSubscription(ctx, sub.ID); err != nil {
			log.WithError(err).Warn("delete expired push subscription failed")
		}
		s.metrics.RecordPush("gone")
		return "gone"
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.metrics.RecordPush("sent")
		return "sent"
	default:
		log.WithField("status", resp.StatusCode).Warn("push service rejected notification")
		s.metrics.RecordPush("failed")
		return "failed"
	}
}

// GenerateKeys creates a new VAPID key pair.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
