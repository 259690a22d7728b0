package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCheckoutConfigHolder),
)

// Secret is a string that never renders its value in logs or fmt output.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) Reveal() string { return string(s) }

// Config holds application configuration.
type Config struct {
	AppName     string `env:"APP_SERVICE" envDefault:"keyforge"`
	AppVersion  string `env:"APP_VERSION" envDefault:"0.1.0"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	NodeID      int64  `env:"SNOWFLAKE_NODE" envDefault:"1"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`

	DBType            string `env:"DATABASE_TYPE" envDefault:"postgres"`
	DBHost            string `env:"DATABASE_HOST" envDefault:"localhost"`
	DBPort            string `env:"DATABASE_PORT" envDefault:"5432"`
	DBName            string `env:"DATABASE_NAME" envDefault:"keyforge"`
	DBUser            string `env:"DATABASE_USER" envDefault:"postgres"`
	DBPassword        Secret `env:"DATABASE_PASSWORD"`
	DBSSLMode         string `env:"DATABASE_SSLMODE" envDefault:"disable"`
	DBMaxIdleConn     int    `env:"DATABASE_MAX_IDLE_CONN" envDefault:"10"`
	DBMaxOpenConn     int    `env:"DATABASE_MAX_OPEN_CONN" envDefault:"50"`
	DBConnMaxLifetime int    `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"300"`
	DBConnMaxIdleTime int    `env:"DATABASE_CONN_MAX_IDLE_TIME" envDefault:"60"`

	Redis     RedisConfig
	Kafka     KafkaConfig
	SMTP      SMTPConfig
	Stripe    StripeConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig

	KeyVaultSecret      Secret `env:"KEY_VAULT_SECRET"`
	BootstrapAdminToken Secret `env:"BOOTSTRAP_ADMIN_TOKEN"`
	BootstrapAdminEmail string `env:"BOOTSTRAP_ADMIN_EMAIL" envDefault:"admin@localhost"`

	// SeedDemoData populates an empty catalog on startup. Development only.
	SeedDemoData bool `env:"SEED_DEMO_DATA" envDefault:"false"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password Secret `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"keyforge.orders"`
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type SMTPConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password Secret `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM" envDefault:"no-reply@keyforge.local"`
}

type StripeConfig struct {
	SecretKey     Secret `env:"STRIPE_SECRET_KEY"`
	WebhookSecret Secret `env:"STRIPE_WEBHOOK_SECRET"`
	APIBase       string `env:"STRIPE_API_BASE" envDefault:"https://api.stripe.com"`
}

type SchedulerConfig struct {
	Enabled    bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	Interval   time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"30s"`
	BatchSize  int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"50"`
	JobTimeout time.Duration `env:"SCHEDULER_JOB_TIMEOUT" envDefault:"2m"`
}

// RateLimitConfig bounds per-buyer request rates on checkout and
// verification. Limiting is active only when Redis is configured.
type RateLimitConfig struct {
	Enabled       bool    `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	CheckoutRate  float64 `env:"RATE_LIMIT_CHECKOUT_RATE" envDefault:"0.5"`
	CheckoutBurst int     `env:"RATE_LIMIT_CHECKOUT_BURST" envDefault:"5"`
	VerifyRate    float64 `env:"RATE_LIMIT_VERIFY_RATE" envDefault:"2"`
	VerifyBurst   int     `env:"RATE_LIMIT_VERIFY_BURST" envDefault:"20"`
}

const minKeyVaultSecretLen = 32

// Load loads configuration from environment variables and .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DBType = strings.ToLower(strings.TrimSpace(cfg.DBType))
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.KeyVaultSecret == "" {
		return errors.New("KEY_VAULT_SECRET is required")
	}
	if !c.IsDevelopment() && len(c.KeyVaultSecret) < minKeyVaultSecretLen {
		return fmt.Errorf("KEY_VAULT_SECRET must be at least %d bytes", minKeyVaultSecretLen)
	}
	if !c.IsDevelopment() && c.Stripe.WebhookSecret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is required")
	}
	return nil
}

func (c Config) IsDevelopment() bool {
	switch c.Environment {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
