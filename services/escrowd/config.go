package escrowd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"btcescrow/native/escrow"
	"btcescrow/native/invoice"
	"btcescrow/native/payout"
)

const envPrefix = "ESCROWD_"

// Rail backends understood by Run.
const (
	BackendSimulated = "simulated"
	BackendBTCPay    = "btcpay"
)

// Duration wraps time.Duration so YAML and TOML files can use "15m" style
// values.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText is used by the TOML decoder and environment overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration for escrowd.
type Config struct {
	Listen      string                     `yaml:"listen" toml:"listen"`
	Environment string                     `yaml:"environment" toml:"environment"`
	Database    DatabaseConfig             `yaml:"database" toml:"database"`
	Auth        AuthConfig                 `yaml:"auth" toml:"auth"`
	Callbacks   CallbackConfig             `yaml:"callbacks" toml:"callbacks"`
	Rail        RailConfig                 `yaml:"rail" toml:"rail"`
	Escrow      EscrowConfig               `yaml:"escrow" toml:"escrow"`
	Payout      PayoutConfig               `yaml:"payout" toml:"payout"`
	Events      EventsConfig               `yaml:"events" toml:"events"`
	Webhook     WebhookConfig              `yaml:"webhook" toml:"webhook"`
	Logging     LoggingConfig              `yaml:"logging" toml:"logging"`
	Telemetry   TelemetryConfig            `yaml:"telemetry" toml:"telemetry"`
	Reports     ReportsConfig              `yaml:"reports" toml:"reports"`
	RateLimits  map[string]RateLimitConfig `yaml:"rate_limits" toml:"rate_limits"`
	CORS        CORSConfig                 `yaml:"cors" toml:"cors"`
}

// DatabaseConfig locates the ledger and the local state files.
type DatabaseConfig struct {
	// DSN is postgres://... in production or sqlite://path for single node
	// deployments.
	DSN             string   `yaml:"dsn" toml:"dsn"`
	IdempotencyPath string   `yaml:"idempotency_path" toml:"idempotency_path"`
	IdempotencyTTL  Duration `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
	DedupPath       string   `yaml:"dedup_path" toml:"dedup_path"`
	DedupRetention  Duration `yaml:"dedup_retention" toml:"dedup_retention"`
	NoncePath       string   `yaml:"nonce_path" toml:"nonce_path"`
}

// AuthConfig validates user bearer tokens.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// CallbackConfig authenticates rail callbacks. Secrets maps key ids to
// shared HMAC secrets; without any the callback route is not mounted.
type CallbackConfig struct {
	Secrets  map[string]string `yaml:"secrets" toml:"secrets"`
	Skew     Duration          `yaml:"skew" toml:"skew"`
	NonceTTL Duration          `yaml:"nonce_ttl" toml:"nonce_ttl"`
}

// RailConfig selects the settlement backend.
type RailConfig struct {
	Backend string       `yaml:"backend" toml:"backend"`
	BTCPay  BTCPayConfig `yaml:"btcpay" toml:"btcpay"`
}

// BTCPayConfig is injected into the Greenfield client.
type BTCPayConfig struct {
	URL       string   `yaml:"url" toml:"url"`
	StoreID   string   `yaml:"store_id" toml:"store_id"`
	APIKey    string   `yaml:"api_key" toml:"api_key"`
	APIKeyEnv string   `yaml:"api_key_env" toml:"api_key_env"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
}

// EscrowConfig tunes both rails and the state machine.
type EscrowConfig struct {
	LightningExpiry     Duration `yaml:"lightning_expiry" toml:"lightning_expiry"`
	GraceWindow         Duration `yaml:"grace_window" toml:"grace_window"`
	StalenessWindow     Duration `yaml:"staleness_window" toml:"staleness_window"`
	LateWindow          Duration `yaml:"late_window" toml:"late_window"`
	MaxReprompts        *int     `yaml:"max_reprompts" toml:"max_reprompts"`
	Confirmations       int      `yaml:"confirmations" toml:"confirmations"`
	AmountToleranceSats int64    `yaml:"amount_tolerance_sats" toml:"amount_tolerance_sats"`
}

// PayoutConfig configures the splitter and where payees are paid.
type PayoutConfig struct {
	FeeBps         *uint32           `yaml:"fee_bps" toml:"fee_bps"`
	FeeDestination string            `yaml:"fee_destination" toml:"fee_destination"`
	Method         string            `yaml:"method" toml:"method"`
	Payees         map[string]string `yaml:"payees" toml:"payees"`
	DefaultPayee   string            `yaml:"default_payee" toml:"default_payee"`
}

// EventsConfig configures the dispatcher and the optional redis fan-out.
type EventsConfig struct {
	Buffer      int    `yaml:"buffer" toml:"buffer"`
	RedisURL    string `yaml:"redis_url" toml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix" toml:"redis_prefix"`
}

// WebhookConfig configures outbound invoice notifications.
type WebhookConfig struct {
	Secret        string   `yaml:"secret" toml:"secret"`
	MaxAttempts   int      `yaml:"max_attempts" toml:"max_attempts"`
	RatePerMinute int      `yaml:"rate_per_minute" toml:"rate_per_minute"`
	QueueCapacity int      `yaml:"queue_capacity" toml:"queue_capacity"`
	QueueTTL      Duration `yaml:"queue_ttl" toml:"queue_ttl"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Requests   bool   `yaml:"requests" toml:"requests"`
}

// TelemetryConfig mirrors otel.Config.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// ReportsConfig schedules the daily reconciliation export.
type ReportsConfig struct {
	Dir     string `yaml:"dir" toml:"dir"`
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	// HourUTC is when the previous day's report is written.
	HourUTC int `yaml:"hour_utc" toml:"hour_utc"`
}

// RateLimitConfig is a per-route token bucket.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoadDotEnv loads the given .env files into the process environment without
// overriding variables already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// LoadConfig reads configuration from path, picking YAML or TOML from the
// extension, then applies ESCROWD_* overrides and defaults. An empty path
// configures the daemon from the environment alone.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Rail.BTCPay.normalise(); err != nil {
		return cfg, fmt.Errorf("btcpay: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LISTEN", &cfg.Listen)
	str("ENV", &cfg.Environment)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("IDEMPOTENCY_PATH", &cfg.Database.IdempotencyPath)
	str("DEDUP_PATH", &cfg.Database.DedupPath)
	str("NONCE_PATH", &cfg.Database.NoncePath)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_ISSUER", &cfg.Auth.Issuer)
	str("JWT_AUDIENCE", &cfg.Auth.Audience)
	str("RAIL_BACKEND", &cfg.Rail.Backend)
	str("BTCPAY_URL", &cfg.Rail.BTCPay.URL)
	str("BTCPAY_STORE_ID", &cfg.Rail.BTCPay.StoreID)
	str("BTCPAY_API_KEY", &cfg.Rail.BTCPay.APIKey)
	str("FEE_DESTINATION", &cfg.Payout.FeeDestination)
	str("REDIS_URL", &cfg.Events.RedisURL)
	str("WEBHOOK_SECRET", &cfg.Webhook.Secret)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)
	str("OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("OTEL_HEADERS", &cfg.Telemetry.Headers)
	str("REPORT_DIR", &cfg.Reports.Dir)

	if v, ok := lookup(envPrefix + "FEE_BPS"); ok && strings.TrimSpace(v) != "" {
		bps, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("%sFEE_BPS: %w", envPrefix, err)
		}
		fee := uint32(bps)
		cfg.Payout.FeeBps = &fee
	}
	if v, ok := lookup(envPrefix + "CONFIRMATIONS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sCONFIRMATIONS: %w", envPrefix, err)
		}
		cfg.Escrow.Confirmations = n
	}
	if v, ok := lookup(envPrefix + "GRACE_WINDOW"); ok && strings.TrimSpace(v) != "" {
		if err := cfg.Escrow.GraceWindow.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sGRACE_WINDOW: %w", envPrefix, err)
		}
	}
	// key1=secret1,key2=secret2
	if v, ok := lookup(envPrefix + "CALLBACK_SECRETS"); ok && strings.TrimSpace(v) != "" {
		if cfg.Callbacks.Secrets == nil {
			cfg.Callbacks.Secrets = map[string]string{}
		}
		for _, pair := range strings.Split(v, ",") {
			key, secret, found := strings.Cut(strings.TrimSpace(pair), "=")
			if !found || strings.TrimSpace(key) == "" || strings.TrimSpace(secret) == "" {
				return fmt.Errorf("%sCALLBACK_SECRETS: malformed entry %q", envPrefix, pair)
			}
			cfg.Callbacks.Secrets[strings.TrimSpace(key)] = strings.TrimSpace(secret)
		}
	}
	return nil
}

func (b *BTCPayConfig) normalise() error {
	b.URL = strings.TrimSpace(b.URL)
	b.StoreID = strings.TrimSpace(b.StoreID)
	b.APIKey = strings.TrimSpace(b.APIKey)
	if b.APIKey != "" {
		return nil
	}
	if name := strings.TrimSpace(b.APIKeyEnv); name != "" {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return fmt.Errorf("api_key_env %s is empty", name)
		}
		b.APIKey = value
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8085"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "sqlite://escrowd.db"
	}
	if cfg.Database.IdempotencyPath == "" {
		cfg.Database.IdempotencyPath = "escrowd-idempotency.db"
	}
	if cfg.Database.IdempotencyTTL.Duration == 0 {
		cfg.Database.IdempotencyTTL.Duration = 24 * time.Hour
	}
	if cfg.Database.DedupPath == "" {
		cfg.Database.DedupPath = "escrowd-dedup.bolt"
	}
	if cfg.Database.DedupRetention.Duration == 0 {
		cfg.Database.DedupRetention.Duration = 7 * 24 * time.Hour
	}
	if cfg.Database.NoncePath == "" {
		cfg.Database.NoncePath = "escrowd-nonces"
	}
	if cfg.Rail.Backend == "" {
		cfg.Rail.Backend = BackendSimulated
	}
	cfg.Rail.Backend = strings.ToLower(strings.TrimSpace(cfg.Rail.Backend))
	if cfg.Escrow.LightningExpiry.Duration == 0 {
		cfg.Escrow.LightningExpiry.Duration = 15 * time.Minute
	}
	if cfg.Escrow.GraceWindow.Duration == 0 {
		cfg.Escrow.GraceWindow.Duration = escrow.DefaultGraceWindow
	}
	if cfg.Escrow.StalenessWindow.Duration == 0 {
		cfg.Escrow.StalenessWindow.Duration = escrow.DefaultStalenessWindow
	}
	if cfg.Escrow.LateWindow.Duration == 0 {
		cfg.Escrow.LateWindow.Duration = escrow.DefaultLateWindow
	}
	if cfg.Escrow.MaxReprompts == nil {
		n := escrow.DefaultMaxReprompts
		cfg.Escrow.MaxReprompts = &n
	}
	if cfg.Escrow.Confirmations <= 0 {
		cfg.Escrow.Confirmations = 3
	}
	if cfg.Payout.FeeBps == nil {
		bps := uint32(escrow.DefaultFeeBps)
		cfg.Payout.FeeBps = &bps
	}
	if cfg.Payout.Method == "" {
		cfg.Payout.Method = string(invoice.MethodOnchain)
	}
	if cfg.Events.RedisPrefix == "" {
		cfg.Events.RedisPrefix = "btcescrow.events"
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if cfg.Webhook.RatePerMinute <= 0 {
		cfg.Webhook.RatePerMinute = 60
	}
	if cfg.Webhook.Timeout.Duration == 0 {
		cfg.Webhook.Timeout.Duration = 10 * time.Second
	}
	if cfg.Callbacks.Skew.Duration == 0 {
		cfg.Callbacks.Skew.Duration = 2 * time.Minute
	}
	if cfg.Callbacks.NonceTTL.Duration == 0 {
		cfg.Callbacks.NonceTTL.Duration = 10 * time.Minute
	}
	if cfg.Reports.Dir == "" {
		cfg.Reports.Dir = "reports"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{
			routeCreateInvoice: {RequestsPerMinute: 60, Burst: 10},
			routeCallback:      {RequestsPerMinute: 600, Burst: 100},
			routeSimulate:      {RequestsPerMinute: 120, Burst: 20},
		}
	}
	if cfg.Payout.Payees == nil {
		cfg.Payout.Payees = map[string]string{}
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret must be configured")
	}
	switch cfg.Rail.Backend {
	case BackendSimulated:
	case BackendBTCPay:
		b := cfg.Rail.BTCPay
		if b.URL == "" || b.StoreID == "" || b.APIKey == "" {
			return fmt.Errorf("rail.btcpay requires url, store_id and api_key")
		}
		if len(cfg.Callbacks.Secrets) == 0 {
			return fmt.Errorf("callbacks.secrets must be configured for the btcpay backend")
		}
		if strings.TrimSpace(cfg.Payout.FeeDestination) == "" && *cfg.Payout.FeeBps > 0 {
			return fmt.Errorf("payout.fee_destination must be configured")
		}
	default:
		return fmt.Errorf("unsupported rail backend %q", cfg.Rail.Backend)
	}
	if *cfg.Payout.FeeBps > payout.MaxFeeBps {
		return fmt.Errorf("payout.fee_bps must be between 0 and %d", payout.MaxFeeBps)
	}
	if _, err := invoice.ParseMethod(cfg.Payout.Method); err != nil {
		return fmt.Errorf("payout.method: %w", err)
	}
	if err := cfg.Policy().Validate(); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	if cfg.Escrow.Confirmations > 100 {
		return fmt.Errorf("escrow.confirmations must be at most 100")
	}
	if cfg.Reports.HourUTC < 0 || cfg.Reports.HourUTC > 23 {
		return fmt.Errorf("reports.hour_utc must be between 0 and 23")
	}
	for route, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s must set positive requests_per_minute and burst", route)
		}
	}
	for key, secret := range cfg.Callbacks.Secrets {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(secret) == "" {
			return fmt.Errorf("callbacks.secrets entries need a key id and a secret")
		}
	}
	return nil
}

// Policy converts the escrow section into the state machine policy.
func (cfg Config) Policy() escrow.Policy {
	p := escrow.DefaultPolicy()
	p.GraceWindow = cfg.Escrow.GraceWindow.Duration
	p.StalenessWindow = cfg.Escrow.StalenessWindow.Duration
	p.LateWindow = cfg.Escrow.LateWindow.Duration
	p.AmountToleranceSats = cfg.Escrow.AmountToleranceSats
	if cfg.Escrow.MaxReprompts != nil {
		p.MaxReprompts = *cfg.Escrow.MaxReprompts
	}
	if cfg.Payout.FeeBps != nil {
		p.FeeBps = *cfg.Payout.FeeBps
	}
	return p
}
