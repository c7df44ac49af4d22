package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/plaza-social/plaza/internal/app/services/email"
	"github.com/plaza-social/plaza/internal/app/services/inbound"
	"github.com/plaza-social/plaza/internal/app/services/livestream"
	"github.com/plaza-social/plaza/internal/app/services/messaging"
	"github.com/plaza-social/plaza/internal/app/services/notify"
	"github.com/plaza-social/plaza/internal/app/services/push"
	"github.com/plaza-social/plaza/internal/app/services/scheduler"
	"github.com/plaza-social/plaza/internal/app/services/social"
	storagesvc "github.com/plaza-social/plaza/internal/app/services/storage"
	"github.com/plaza-social/plaza/internal/app/services/unread"
	"github.com/plaza-social/plaza/internal/app/services/wallet"
	"github.com/plaza-social/plaza/internal/app/system"
	"github.com/plaza-social/plaza/internal/cache"
	"github.com/plaza-social/plaza/internal/config"
	"github.com/plaza-social/plaza/internal/database"
	"github.com/plaza-social/plaza/internal/ledger"
	"github.com/plaza-social/plaza/internal/logging"
	"github.com/plaza-social/plaza/internal/metrics"
	"github.com/plaza-social/plaza/internal/middleware"
	"github.com/plaza-social/plaza/supabase/client"
)

// Dependencies are the external resources the application runs on. Nil
// fields are built from the configuration.
type Dependencies struct {
	DB      *client.Client
	Repo    database.RepositoryInterface
	Ledger  ledger.Ledger
	Cache   cache.Cache
	Objects storagesvc.ObjectStore
	Changes unread.ChangeSource
	Metrics *metrics.Metrics

	// Mailer, LiveProvider and InboundProvider override the SaaS clients.
	Mailer          email.Provider
	LiveProvider    livestream.Provider
	InboundProvider inbound.Provider
	Verifier        wallet.ReceiptVerifier
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logging.Logger
	closers []func() error
	db      *client.Client

	Config  *config.Config
	Repo    database.RepositoryInterface
	Cache   cache.Cache
	Metrics *metrics.Metrics
	Limiter *middleware.RateLimiter

	Messaging  *messaging.Service
	Unread     *unread.Service
	Hub        *unread.Hub
	Notify     *notify.Service
	Push       *push.Service
	Email      *email.Service
	Wallet     *wallet.Service
	Social     *social.Service
	Livestream *livestream.Service
	Inbound    *inbound.Service
	Storage    *storagesvc.Service
	Scheduler  *scheduler.Scheduler
}

// New builds a fully initialised application.
func New(ctx context.Context, cfg *config.Config, deps Dependencies, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.Default()
	}
	a := &Application{manager: system.NewManager(), log: log, Config: cfg}

	if err := a.openBackends(ctx, cfg, &deps); err != nil {
		_ = a.close()
		return nil, err
	}
	a.Repo, a.Cache, a.Metrics, a.db = deps.Repo, deps.Cache, deps.Metrics, deps.DB
	// RATE_LIMIT_RPS=0 disables limiting.
	a.Limiter = middleware.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst, log)

	a.Push = push.New(deps.Repo, push.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	}, deps.Metrics, log)
	if !a.Push.Enabled() {
		log.Warn("VAPID keys not set; web push disabled")
	}

	var signer *email.Signer
	if cfg.UnsubscribeSecret != "" {
		s, err := email.NewSigner(cfg.UnsubscribeSecret)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("unsubscribe signer: %w", err)
		}
		signer = s
	}
	mailer := deps.Mailer
	if mailer == nil && cfg.HasEmail() {
		mailer = email.NewResendClient(cfg.ResendBaseURL, cfg.ResendAPIKey, nil)
	}
	if mailer == nil {
		log.Warn("RESEND_API_KEY not set; email disabled")
	}
	a.Email = email.New(mailer, signer, deps.Repo, email.Config{From: cfg.EmailFrom, PublicURL: cfg.PublicURL}, deps.Metrics, log)
	a.Notify = notify.New(deps.Repo, a.Push, a.Email, log)
	if deps.DB != nil {
		a.Notify.SetDirectory(authDirectory{auth: deps.DB.Auth()})
	}

	policy, err := social.NewPolicy()
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("community policy: %w", err)
	}
	a.Social = social.New(deps.Repo, policy, a.Notify, log)
	a.Messaging = messaging.New(deps.Repo, a.Notify, log)

	verifier := deps.Verifier
	if verifier == nil && cfg.HasReceiptVerifier() {
		verifier = wallet.NewHTTPVerifier(cfg.ReceiptVerifierURL, cfg.ReceiptVerifierKey, cfg.ReceiptVerifierPath)
	}
	a.Wallet = wallet.New(deps.Repo, deps.Ledger, a.Notify, verifier, cfg.Economy, log)

	live := deps.LiveProvider
	if live == nil && cfg.HasLivestream() {
		live = livestream.NewMuxClient(cfg.MuxBaseURL, cfg.MuxTokenID, cfg.MuxTokenSecret)
	}
	if live == nil {
		log.Warn("MUX_TOKEN_ID not set; livestreams disabled")
	}
	a.Livestream = livestream.New(deps.Repo, live, a.Wallet, a.Notify, cfg.MuxWebhookSecret, log)

	inboundProvider := deps.InboundProvider
	if inboundProvider == nil && cfg.HasInbound() {
		inboundProvider = inbound.NewAPIProvider(cfg.InboundBaseURL, cfg.InboundAPIKey)
	}
	a.Inbound = inbound.New(deps.Repo, inboundProvider, a.Social, inbound.Config{
		Domain:     cfg.InboundDomain,
		Secret:     cfg.InboundSecret,
		WebhookURL: cfg.PublicURL + "/api/webhooks/inbound",
	}, log)

	a.Storage = storagesvc.New(deps.Repo, deps.Objects, cfg.StorageBucket, cfg.Economy, log)

	a.Unread = unread.New(a.Messaging, deps.Repo, deps.Cache, deps.Changes, deps.Metrics, unread.Config{
		Debounce: cfg.UnreadDebounce,
		TTL:      cfg.UnreadCacheTTL,
	}, log)
	a.Hub = unread.NewHub(deps.Cache, a.Unread, deps.Metrics, nil, log)

	a.Scheduler = scheduler.New(deps.Metrics, log)
	if err := scheduler.RegisterDefaults(a.Scheduler, a.Wallet, a.Limiter); err != nil {
		_ = a.close()
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	for _, svc := range []system.Service{a.Unread, a.Hub, a.Scheduler} {
		if err := a.manager.Register(svc); err != nil {
			_ = a.close()
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return a, nil
}

// openBackends fills the nil fields of deps from cfg.
func (a *Application) openBackends(ctx context.Context, cfg *config.Config, deps *Dependencies) error {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	if deps.DB == nil && deps.Repo == nil {
		db, err := client.NewEnhanced(client.EnhancedConfig{
			Config: client.Config{
				URL:        cfg.SupabaseURL,
				APIKey:     cfg.SupabaseServiceKey,
				HTTPClient: &http.Client{Timeout: 30 * time.Second},
			},
			RetryConfig:          client.DefaultRetryConfig(),
			CircuitBreakerConfig: a.circuitConfig(deps.Metrics),
			EnableResilience:     cfg.SupabaseResilience,
		})
		if err != nil {
			return fmt.Errorf("hosted database client: %w", err)
		}
		deps.DB = db
	}
	if deps.Repo == nil {
		deps.Repo = database.NewRepository(deps.DB)
	}

	if deps.Ledger == nil {
		switch cfg.LedgerBackend {
		case "postgres":
			if cfg.DatabaseURL == "" {
				return errors.New("LEDGER_BACKEND=postgres requires DATABASE_URL")
			}
			pg, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, pg.Close)
			deps.Ledger = pg
		case "memory":
			mock, ok := deps.Repo.(*database.MockRepository)
			if !ok {
				return errors.New("LEDGER_BACKEND=memory requires the in-memory repository")
			}
			deps.Ledger = ledger.NewMemoryLedger(mock)
		default:
			if deps.DB == nil {
				return errors.New("the supabase ledger requires a hosted database client")
			}
			deps.Ledger = ledger.NewSupabaseLedger(deps.DB)
		}
	}

	if deps.Cache == nil {
		if cfg.HasRedis() {
			r, err := cache.NewRedis(cache.RedisConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				Prefix:   "plaza:",
			}, a.log)
			if err != nil {
				return err
			}
			deps.Cache = r
		} else {
			a.log.Warn("REDIS_ADDR not set; unread counts are cached per instance")
			deps.Cache = cache.NewMemory()
		}
		a.closers = append(a.closers, deps.Cache.Close)
	}

	if deps.Objects == nil && deps.DB != nil {
		deps.Objects = storagesvc.BucketStore{Bucket: deps.DB.Storage().From(cfg.StorageBucket)}
	}

	if deps.Changes == nil && deps.DB != nil {
		rt := client.NewRealtimeClient(cfg.SupabaseURL, cfg.SupabaseServiceKey)
		rt.OnError(func(err error) {
			a.log.WithError(err).Warn("realtime connection error")
		})
		if err := a.manager.Register(realtimeService{client: rt}); err != nil {
			return err
		}
		deps.Changes = unread.RealtimeSource{Client: rt}
	}
	return nil
}

// realtimeService connects the hosted realtime socket before the services
// that subscribe to it start.
type realtimeService struct {
	client *client.RealtimeClient
}

func (r realtimeService) Name() string                    { return "realtime" }
func (r realtimeService) Start(ctx context.Context) error { return r.client.Connect(ctx) }
func (r realtimeService) Stop(context.Context) error      { return r.client.Disconnect() }

// authDirectory reads sign-in emails from the hosted auth service.
type authDirectory struct {
	auth *client.AuthClient
}

func (d authDirectory) Email(ctx context.Context, userID string) (string, error) {
	u, err := d.auth.AdminGetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.Email, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// circuitConfig reports hosted database circuit transitions to the log and
// metrics.
func (a *Application) circuitConfig(m *metrics.Metrics) client.CircuitBreakerConfig {
	cb := client.DefaultCircuitBreakerConfig()
	cb.OnStateChange = func(from, to client.CircuitState) {
		entry := a.log.WithField("from", from.String()).WithField("to", to.String())
		if to == client.CircuitOpen {
			entry.Warn("hosted database circuit opened")
		} else {
			entry.Info("hosted database circuit changed")
		}
		m.SetDatabaseCircuit(to.String())
	}
	return cb
}

// DatabaseStats reports the hosted database transport counters when the
// application talks to it through a resilient client.
func (a *Application) DatabaseStats() (client.TransportStats, bool) {
	if a.db == nil {
		return client.TransportStats{}, false
	}
	return a.db.TransportStats()
}

// Services lists the lifecycle-managed services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and releases backend connections.
func (a *Application) Stop(ctx context.Context) error {
	return errors.Join(a.manager.Stop(ctx), a.close())
}

func (a *Application) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
