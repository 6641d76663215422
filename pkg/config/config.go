package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Outbox       OutboxConfig
	Idempotency  IdempotencyConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"MERCARO_APP_ENV" required:"true"`
	Port         string `envconfig:"MERCARO_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"MERCARO_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"MERCARO_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"MERCARO_SERVICE_KIND" default:"outbox-dispatcher"`
}

type DBConfig struct {
	DSN    string `envconfig:"MERCARO_DB_DSN"`
	Driver string `envconfig:"MERCARO_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"MERCARO_DB_HOST"`
	LegacyPort     int    `envconfig:"MERCARO_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"MERCARO_DB_USER"`
	LegacyPassword string `envconfig:"MERCARO_DB_PASSWORD"`
	LegacyName     string `envconfig:"MERCARO_DB_NAME"`
	LegacySSLMode  string `envconfig:"MERCARO_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"MERCARO_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MERCARO_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"MERCARO_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"MERCARO_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"MERCARO_REDIS_URL"`
	Address      string        `envconfig:"MERCARO_REDIS_ADDR"`
	Password     string        `envconfig:"MERCARO_REDIS_PASSWORD"`
	DB           int           `envconfig:"MERCARO_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"MERCARO_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MERCARO_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"MERCARO_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"MERCARO_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"MERCARO_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"MERCARO_OUTBOX_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"MERCARO_OUTBOX_POLL_MS" default:"500"`
	MaxRetries     int           `envconfig:"MERCARO_OUTBOX_MAX_RETRIES" default:"10"`
	ClaimLeaseTTL  time.Duration `envconfig:"MERCARO_OUTBOX_CLAIM_LEASE_TTL" default:"1m"`
	BaseBackoff    time.Duration `envconfig:"MERCARO_OUTBOX_BASE_BACKOFF" default:"1s"`
	MaxBackoff     time.Duration `envconfig:"MERCARO_OUTBOX_MAX_BACKOFF" default:"5m"`
	CycleLockTTL   time.Duration `envconfig:"MERCARO_OUTBOX_CYCLE_LOCK_TTL" default:"30s"`
}

type IdempotencyConfig struct {
	RecordTTL    time.Duration `envconfig:"MERCARO_IDEMPOTENCY_RECORD_TTL" default:"168h"`
	LeaseTTL     time.Duration `envconfig:"MERCARO_IDEMPOTENCY_LEASE_TTL" default:"30s"`
	WaitPoll     time.Duration `envconfig:"MERCARO_IDEMPOTENCY_WAIT_POLL" default:"100ms"`
	ConsumeLease time.Duration `envconfig:"MERCARO_CONSUME_LEASE_TTL" default:"30s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"MERCARO_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
