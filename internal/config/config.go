// Package config loads treasury settings from the environment and the
// treasury YAML file.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds process settings decoded from the environment.
type Config struct {
	Env      string `env:"TREASURY_ENV,default=development"`
	HTTPAddr string `env:"HTTP_ADDR,default=:8090"`

	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=20"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`

	RedisURL string        `env:"REDIS_URL"`
	LockTTL  time.Duration `env:"LOCK_TTL,default=30s"`

	KafkaBrokers    string `env:"KAFKA_BROKERS"`
	KafkaAuditTopic string `env:"KAFKA_AUDIT_TOPIC,default=treasury.audit"`

	JWTSecret      string  `env:"JWT_SECRET"`
	JWTIssuer      string  `env:"JWT_ISSUER,default=treasury"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=40"`
	CORSOrigins    string  `env:"CORS_ORIGINS,default=*"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	ConfigFile string `env:"TREASURY_CONFIG_FILE,default=config/treasury.yaml"`

	TxExpiry                 time.Duration `env:"TX_EXPIRY,default=24h"`
	AutoExecute              bool          `env:"AUTO_EXECUTE,default=false"`
	ConfirmationTimeout      time.Duration `env:"CONFIRMATION_TIMEOUT,default=2m"`
	ConfirmationPollInterval time.Duration `env:"CONFIRMATION_POLL_INTERVAL,default=2s"`

	CustodySeed string `env:"CUSTODY_SEED"`

	SweepSchedule          string        `env:"SWEEP_SCHEDULE,default=@every 1m"`
	ReconcileSchedule      string        `env:"RECONCILE_SCHEDULE,default=@every 15s"`
	BalanceRefreshSchedule string        `env:"BALANCE_REFRESH_SCHEDULE,default=@every 5m"`
	JobTimeout             time.Duration `env:"JOB_TIMEOUT,default=30s"`
	ShutdownTimeout        time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// developmentSeed backs the development keystore when CUSTODY_SEED is unset.
const developmentSeed = "treasury-development-custody-seed"

// Load reads an optional .env file and decodes the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction reports whether the process runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production")
		}
		if c.CustodySeed != "" {
			return fmt.Errorf("CUSTODY_SEED is a development keystore and must not be set in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if c.TxExpiry <= 0 {
		return fmt.Errorf("TX_EXPIRY must be positive")
	}
	if c.ConfirmationTimeout <= 0 || c.ConfirmationPollInterval <= 0 {
		return fmt.Errorf("confirmation timeout and poll interval must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// CORSOriginList splits CORS_ORIGINS on commas.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// CustodySeedBytes decodes CUSTODY_SEED. Outside production an unset seed
// falls back to a fixed development seed.
func (c *Config) CustodySeedBytes() ([]byte, error) {
	if c.CustodySeed == "" {
		if c.IsProduction() {
			return nil, fmt.Errorf("no custodian configured")
		}
		return []byte(developmentSeed), nil
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(c.CustodySeed, "0x"))
	if err != nil {
		return nil, fmt.Errorf("CUSTODY_SEED must be hex: %w", err)
	}
	return seed, nil
}
