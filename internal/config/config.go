// Package config loads Plaza's process configuration from the environment
// and the economy settings from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Env       string `env:"PLAZA_ENV,default=development"`
	HTTPAddr  string `env:"HTTP_ADDR,default=:8080"`
	PublicURL string `env:"PUBLIC_URL,default=http://localhost:8080"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
	LogFile   string `env:"LOG_FILE"`
	AuditFile string `env:"AUDIT_LOG_FILE"`

	SupabaseURL        string `env:"SUPABASE_URL"`
	SupabaseServiceKey string `env:"SUPABASE_SERVICE_KEY"`
	SupabaseJWTSecret  string `env:"SUPABASE_JWT_SECRET"`
	SupabaseResilience bool   `env:"SUPABASE_RESILIENCE,default=true"`
	StorageBucket      string `env:"STORAGE_BUCKET,default=media"`

	// LedgerBackend is "supabase" (RPCs) or "postgres" (direct SQL).
	LedgerBackend string `env:"LEDGER_BACKEND,default=supabase"`
	DatabaseURL   string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	AdminUserIDs   string `env:"ADMIN_USER_IDS"`
	CORSOrigins    string `env:"CORS_ORIGINS,default=*"`
	RateLimitRPS   int    `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst int    `env:"RATE_LIMIT_BURST,default=40"`

	UnreadDebounce time.Duration `env:"UNREAD_DEBOUNCE,default=250ms"`
	UnreadCacheTTL time.Duration `env:"UNREAD_CACHE_TTL,default=10m"`

	ResendAPIKey      string `env:"RESEND_API_KEY"`
	ResendBaseURL     string `env:"RESEND_BASE_URL,default=https://api.resend.com"`
	EmailFrom         string `env:"EMAIL_FROM,default=Plaza <no-reply@plaza.local>"`
	UnsubscribeSecret string `env:"UNSUBSCRIBE_SECRET"`

	MuxTokenID       string `env:"MUX_TOKEN_ID"`
	MuxTokenSecret   string `env:"MUX_TOKEN_SECRET"`
	MuxBaseURL       string `env:"MUX_BASE_URL,default=https://api.mux.com"`
	MuxWebhookSecret string `env:"MUX_WEBHOOK_SECRET"`

	InboundAPIKey  string `env:"INBOUND_API_KEY"`
	InboundBaseURL string `env:"INBOUND_BASE_URL"`
	InboundDomain  string `env:"INBOUND_DOMAIN"`
	InboundSecret  string `env:"INBOUND_WEBHOOK_SECRET"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT,default=mailto:admin@plaza.local"`

	ReceiptVerifierURL  string `env:"RECEIPT_VERIFIER_URL"`
	ReceiptVerifierKey  string `env:"RECEIPT_VERIFIER_KEY"`
	ReceiptVerifierPath string `env:"RECEIPT_VERIFIER_PATH,default=$.verified"`

	EconomyFile string `env:"ECONOMY_CONFIG"`

	Economy Economy
}

// Economy holds the points economy and quota settings.
type Economy struct {
	Currency         string           `yaml:"currency"`
	PointsPerUnit    int64            `yaml:"points_per_unit"`
	MinimumBalance   int64            `yaml:"minimum_balance"`
	BillingPeriod    time.Duration    `yaml:"billing_period"`
	BonusPoints      int64            `yaml:"bonus_points"`
	BonusInterval    time.Duration    `yaml:"bonus_interval"`
	MinTopUpMinor    int64            `yaml:"min_topup_minor"`
	MaxTopUpMinor    int64            `yaml:"max_topup_minor"`
	TopUpExpiry      time.Duration    `yaml:"topup_expiry"`
	ReminderInterval time.Duration    `yaml:"reminder_interval"`
	StorageTiers     map[string]int64 `yaml:"storage_tiers"`
	MaxUploadBytes   int64            `yaml:"max_upload_bytes"`
}

const gib = int64(1) << 30

// DefaultEconomy returns the built-in economy settings.
func DefaultEconomy() Economy {
	return Economy{
		Currency:         "USD",
		PointsPerUnit:    100,
		MinimumBalance:   0,
		BillingPeriod:    30 * 24 * time.Hour,
		BonusPoints:      50,
		BonusInterval:    24 * time.Hour,
		MinTopUpMinor:    100,
		MaxTopUpMinor:    1_000_000,
		TopUpExpiry:      14 * 24 * time.Hour,
		ReminderInterval: 24 * time.Hour,
		StorageTiers: map[string]int64{
			"free": 1 * gib,
			"plus": 10 * gib,
			"pro":  100 * gib,
		},
		MaxUploadBytes: 50 << 20,
	}
}

// Load reads .env (if present), the environment and the economy file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.Economy = DefaultEconomy()
	if cfg.EconomyFile != "" {
		econ, err := LoadEconomy(cfg.EconomyFile)
		if err != nil {
			return nil, err
		}
		cfg.Economy = *econ
	}
	return &cfg, nil
}

// LoadEconomy reads a YAML economy file over the defaults.
func LoadEconomy(path string) (*Economy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read economy config: %w", err)
	}

	econ := DefaultEconomy()
	if err := yaml.Unmarshal(data, &econ); err != nil {
		return nil, fmt.Errorf("failed to parse economy config: %w", err)
	}
	if err := econ.Validate(); err != nil {
		return nil, err
	}
	return &econ, nil
}

// Validate checks the economy for values the wallet cannot work with.
func (e Economy) Validate() error {
	if e.PointsPerUnit <= 0 {
		return fmt.Errorf("economy: points_per_unit must be positive")
	}
	if e.MinTopUpMinor <= 0 || e.MaxTopUpMinor < e.MinTopUpMinor {
		return fmt.Errorf("economy: invalid top-up bounds %d..%d", e.MinTopUpMinor, e.MaxTopUpMinor)
	}
	if e.BonusInterval <= 0 || e.BillingPeriod <= 0 {
		return fmt.Errorf("economy: bonus_interval and billing_period must be positive")
	}
	if _, ok := e.StorageTiers["free"]; !ok {
		return fmt.Errorf("economy: storage_tiers must define free")
	}
	return nil
}

// Validate checks settings required to serve traffic.
func (c *Config) Validate() error {
	var missing []string
	if c.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.SupabaseServiceKey == "" {
		missing = append(missing, "SUPABASE_SERVICE_KEY")
	}
	if c.SupabaseJWTSecret == "" {
		missing = append(missing, "SUPABASE_JWT_SECRET")
	}
	if c.LedgerBackend == "postgres" && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.LedgerBackend != "supabase" && c.LedgerBackend != "postgres" {
		return fmt.Errorf("LEDGER_BACKEND must be supabase or postgres, got %q", c.LedgerBackend)
	}
	return c.Economy.Validate()
}

// IsProduction reports whether PLAZA_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Has* report which optional integrations are configured.

func (c *Config) HasEmail() bool { return c.ResendAPIKey != "" }

func (c *Config) HasLivestream() bool { return c.MuxTokenID != "" && c.MuxTokenSecret != "" }

func (c *Config) HasInbound() bool { return c.InboundBaseURL != "" && c.InboundAPIKey != "" }

func (c *Config) HasPush() bool { return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != "" }

func (c *Config) HasRedis() bool { return c.RedisAddr != "" }

func (c *Config) HasReceiptVerifier() bool { return c.ReceiptVerifierURL != "" }

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
