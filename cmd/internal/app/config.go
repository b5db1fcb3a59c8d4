package app

import (
	"errors"
	"fmt"
	"time"

	"courier/cmd/internal/delivery"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json|pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	DatabaseURL      string
	DBMaxConns       int32
	DBMinConns       int32
	DBSchema         string
	DBEnsureSchema   bool
	DBReconcileOnRun bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	NodeID            string

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	SendQueue        int
	OverflowPolicy   string
	CatchUpLimit     int
	AppendRetries    int
	AppendBackoff    time.Duration
	DrainGrace       time.Duration

	IdentityHeader     string
	IdentityAllowQuery bool

	WSAllowedOrigins []string
	WSOriginRequired bool
	WSDevInsecure    bool
	WSRateEvents     int
	WSRateWindow     time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: EnvString("COURIER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(EnvInt("COURIER_HTTP_MAX_BODY_BYTES", 64<<10)),

		DatabaseURL:      EnvString("COURIER_DATABASE_URL", ""),
		DBMaxConns:       EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:       EnvInt32("COURIER_DB_MIN_CONNS", 0),
		DBSchema:         EnvString("COURIER_DB_SCHEMA", "courier"),
		DBEnsureSchema:   EnvBool("COURIER_DB_ENSURE_SCHEMA", false),
		DBReconcileOnRun: EnvBool("COURIER_DB_RECONCILE", true),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),

		RedisAddr:     EnvString("COURIER_REDIS_ADDR", ""),
		RedisPassword: EnvString("COURIER_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("COURIER_REDIS_DB", 0),
		PresenceTTL:   EnvDuration("COURIER_PRESENCE_TTL", delivery.DefaultPresenceTTL),

		NATSURL:           EnvString("COURIER_NATS_URL", ""),
		NATSSubjectPrefix: EnvString("COURIER_NATS_SUBJECT_PREFIX", delivery.DefaultBusSubjectPrefix),
		NodeID:            EnvString("COURIER_NODE_ID", ""),

		HeartbeatTimeout: EnvDuration("COURIER_HEARTBEAT_TIMEOUT", delivery.DefaultHeartbeatTimeout),
		SweepInterval:    EnvDuration("COURIER_SWEEP_INTERVAL", 0),
		SendQueue:        EnvInt("COURIER_SEND_QUEUE", delivery.DefaultSendQueueSize),
		OverflowPolicy:   EnvString("COURIER_OVERFLOW_POLICY", "drop_oldest"),
		CatchUpLimit:     EnvInt("COURIER_CATCHUP_LIMIT", delivery.DefaultCatchUpLimit),
		AppendRetries:    EnvInt("COURIER_APPEND_RETRIES", delivery.DefaultAppendRetries),
		AppendBackoff:    EnvDuration("COURIER_APPEND_BACKOFF", delivery.DefaultAppendBackoff),
		DrainGrace:       EnvDuration("COURIER_DRAIN_GRACE", 10*time.Second),

		IdentityHeader:     EnvString("COURIER_IDENTITY_HEADER", ""),
		IdentityAllowQuery: EnvBool("COURIER_IDENTITY_ALLOW_QUERY", false),

		WSAllowedOrigins: EnvCSV("COURIER_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		WSOriginRequired: EnvBool("COURIER_WS_ORIGIN_REQUIRED", true),
		WSDevInsecure:    EnvBool("COURIER_WS_DEV_INSECURE", false),
		WSRateEvents:     EnvInt("COURIER_WS_RATE_EVENTS", 120),
		WSRateWindow:     EnvDuration("COURIER_WS_RATE_WINDOW", 10*time.Second),

		CORSAllowedOrigins:   EnvCSV("COURIER_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("COURIER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COURIER_CORS_MAX_AGE", 600),
	}
}

// Validate rejects settings that cannot work together.
func (c Config) Validate() error {
	if _, err := delivery.ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		return fmt.Errorf("COURIER_OVERFLOW_POLICY: %w", err)
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		return errors.New("COURIER_READINESS_REQUIRE_DB=true but COURIER_DATABASE_URL is empty")
	}
	if c.SweepInterval > 0 && c.SweepInterval >= c.HeartbeatTimeout {
		return errors.New("COURIER_SWEEP_INTERVAL must be shorter than COURIER_HEARTBEAT_TIMEOUT")
	}
	if c.CORSAllowCredentials {
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				return errors.New("COURIER_CORS_ALLOW_CREDENTIALS=true cannot be combined with a * origin")
			}
		}
	}
	return nil
}

// deliveryConfig maps runtime settings onto the delivery core.
func (c Config) deliveryConfig() (delivery.Config, error) {
	policy, err := delivery.ParseOverflowPolicy(c.OverflowPolicy)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Retry: delivery.RetryPolicy{Attempts: c.AppendRetries, Backoff: c.AppendBackoff},
		Registry: delivery.RegistryConfig{
			HeartbeatTimeout: c.HeartbeatTimeout,
			SweepInterval:    c.SweepInterval,
			SendQueueSize:    c.SendQueue,
			Overflow:         policy,
		},
		CatchUpLimit: c.CatchUpLimit,
	}, nil
}
