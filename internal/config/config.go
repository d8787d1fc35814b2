package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the messaging core listens on.
	DefaultAddr = ":8443"

	// DefaultHeartbeatInterval controls the server PING cadence for WebSocket connections.
	DefaultHeartbeatInterval = 60 * time.Second
	// DefaultResumeTTL bounds how long a resume snapshot survives after connection close.
	DefaultResumeTTL = 15 * time.Minute
	// DefaultMaxBufferedBytes caps the per-connection outbound buffer before closing overloaded.
	DefaultMaxBufferedBytes int64 = 5 << 20
	// DefaultMessageMaxBytes caps inbound frame payload size.
	DefaultMessageMaxBytes int64 = 65536
	// DefaultMaxQueue bounds the number of undelivered envelopes buffered per connection.
	DefaultMaxQueue = 256

	// DefaultConnectionsPerMin bounds new-connection admission per remote scope.
	DefaultConnectionsPerMin = 120
	// DefaultMessagesPerMin bounds inbound msg frames per connection scope.
	DefaultMessagesPerMin = 600

	// DefaultStreamKey names the Redis stream carrying outbox events.
	DefaultStreamKey = "messaging-core:events"
	// DefaultConsumerGroup names the consumer group used by the Stream Consumer.
	DefaultConsumerGroup = "messaging-core"
	// DefaultDispatchTick controls the Stream Dispatcher's cooperative tick interval.
	DefaultDispatchTick = 100 * time.Millisecond
	// DefaultDispatchBatch bounds rows claimed per dispatcher tick.
	DefaultDispatchBatch = 200
	// DefaultClaimIdle bounds how long a pending stream entry may sit unacked before reclaim.
	DefaultClaimIdle = 30 * time.Second
	// DefaultMaxAttempts bounds outbox/stream redelivery attempts before DLQ.
	DefaultMaxAttempts = 5

	// DefaultPoolMax bounds concurrent database connections.
	DefaultPoolMax = 10
	// DefaultPoolMin keeps a floor of warm database connections.
	DefaultPoolMin = 1
	// DefaultAcquireTimeout bounds how long a caller waits for a pooled connection.
	DefaultAcquireTimeout = 2 * time.Second
	// DefaultStatementTimeout bounds individual SQL statement execution.
	DefaultStatementTimeout = 3 * time.Second

	// DefaultClockSkew tolerates minor clock drift during JWT exp/nbf validation.
	DefaultClockSkew = 30 * time.Second
	// DefaultJTITTL bounds how long a seen JWT ID is remembered for replay protection.
	DefaultJTITTL = 5 * time.Minute

	// DefaultMaxSkipped bounds retained skipped-message ratchet keys.
	DefaultMaxSkipped = 2000

	// DefaultShutdownTimeout bounds graceful shutdown before forced termination.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultLogLevel controls verbosity for structured logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "messaging-core.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the messaging core.
type Config struct {
	ServerAddress string

	Heartbeat        HeartbeatConfig
	RateLimit        RateLimitConfig
	Queue            QueueConfig
	DB               DBConfig
	Auth             AuthConfig
	Ratchet          RatchetConfig
	ShutdownTimeout  time.Duration
	AdminToken       string
	Logging          LoggingConfig
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ResumeKeyPrefix  string
}

// HeartbeatConfig groups WebSocket Hub framing and liveness tunables.
type HeartbeatConfig struct {
	IntervalMs      time.Duration
	ResumeTTL       time.Duration
	MaxBufferedBytes int64
	MessageMaxBytes  int64
	MaxQueue         int
}

// RateLimitConfig groups C3 token-bucket tunables.
type RateLimitConfig struct {
	ConnectionsPerMin int
	MessagesPerMin    int
	WindowSeconds     int
}

// QueueConfig groups C5/C6 stream dispatcher/consumer tunables.
type QueueConfig struct {
	Enabled      bool
	StreamKey    string
	Group        string
	ConsumerName string
	TickInterval time.Duration
	BatchSize    int
	ClaimIdle    time.Duration
	MaxAttempts  int
}

// DBConfig groups C4 outbox repository tunables.
type DBConfig struct {
	URL               string
	PoolMax           int
	PoolMin           int
	AcquireTimeout    time.Duration
	StatementTimeout  time.Duration
}

// AuthConfig groups C8 authenticator tunables.
type AuthConfig struct {
	JWTPublicKeyPEM string
	JWTAlgorithms   []string
	JWKSURL         string
	ClockSkew       time.Duration
	JTITTL          time.Duration
}

// RatchetConfig groups C1 ratchet tunables.
type RatchetConfig struct {
	MaxSkipped int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the messaging core configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddress: getString("MSGCORE_ADDR", DefaultAddr),
		Heartbeat: HeartbeatConfig{
			IntervalMs:       DefaultHeartbeatInterval,
			ResumeTTL:        DefaultResumeTTL,
			MaxBufferedBytes: DefaultMaxBufferedBytes,
			MessageMaxBytes:  DefaultMessageMaxBytes,
			MaxQueue:         DefaultMaxQueue,
		},
		RateLimit: RateLimitConfig{
			ConnectionsPerMin: DefaultConnectionsPerMin,
			MessagesPerMin:    DefaultMessagesPerMin,
			WindowSeconds:     60,
		},
		Queue: QueueConfig{
			Enabled:      false,
			StreamKey:    getString("MSGCORE_QUEUE_STREAM_KEY", DefaultStreamKey),
			Group:        getString("MSGCORE_QUEUE_GROUP", DefaultConsumerGroup),
			ConsumerName: getString("MSGCORE_QUEUE_CONSUMER_NAME", defaultConsumerName()),
			TickInterval: DefaultDispatchTick,
			BatchSize:    DefaultDispatchBatch,
			ClaimIdle:    DefaultClaimIdle,
			MaxAttempts:  DefaultMaxAttempts,
		},
		DB: DBConfig{
			URL:              strings.TrimSpace(os.Getenv("MSGCORE_DB_URL")),
			PoolMax:          DefaultPoolMax,
			PoolMin:          DefaultPoolMin,
			AcquireTimeout:   DefaultAcquireTimeout,
			StatementTimeout: DefaultStatementTimeout,
		},
		Auth: AuthConfig{
			JWTPublicKeyPEM: strings.TrimSpace(os.Getenv("MSGCORE_AUTH_JWT_PUBLIC_KEY_PEM")),
			JWTAlgorithms:   parseList(getString("MSGCORE_AUTH_JWT_ALGORITHMS", "RS256")),
			JWKSURL:         strings.TrimSpace(os.Getenv("MSGCORE_AUTH_JWKS_URL")),
			ClockSkew:       DefaultClockSkew,
			JTITTL:          DefaultJTITTL,
		},
		Ratchet:         RatchetConfig{MaxSkipped: DefaultMaxSkipped},
		ShutdownTimeout: DefaultShutdownTimeout,
		AdminToken:      strings.TrimSpace(os.Getenv("MSGCORE_ADMIN_TOKEN")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("MSGCORE_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("MSGCORE_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		RedisAddr:       getString("MSGCORE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("MSGCORE_REDIS_PASSWORD"),
		ResumeKeyPrefix: getString("MSGCORE_RESUME_KEY_PREFIX", "messaging-core:resume:"),
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_WS_HEARTBEAT_INTERVAL_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_WS_HEARTBEAT_INTERVAL_MS must be a positive integer, got %q", raw))
		} else {
			cfg.Heartbeat.IntervalMs = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_WS_RESUME_TTL_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_WS_RESUME_TTL_MS must be a positive integer, got %q", raw))
		} else {
			cfg.Heartbeat.ResumeTTL = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_WS_MAX_BUFFERED_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_WS_MAX_BUFFERED_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.Heartbeat.MaxBufferedBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_WS_MESSAGE_MAX_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_WS_MESSAGE_MAX_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.Heartbeat.MessageMaxBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_WS_MAX_QUEUE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_WS_MAX_QUEUE must be a positive integer, got %q", raw))
		} else {
			cfg.Heartbeat.MaxQueue = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_RATELIMIT_CONNECTIONS_PER_MIN")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_RATELIMIT_CONNECTIONS_PER_MIN must be a positive integer, got %q", raw))
		} else {
			cfg.RateLimit.ConnectionsPerMin = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_RATELIMIT_MESSAGES_PER_MIN")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_RATELIMIT_MESSAGES_PER_MIN must be a positive integer, got %q", raw))
		} else {
			cfg.RateLimit.MessagesPerMin = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_QUEUE_ENABLED")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MSGCORE_QUEUE_ENABLED must be a boolean value, got %q", raw))
		} else {
			cfg.Queue.Enabled = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_DB_POOL_MAX")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_DB_POOL_MAX must be a positive integer, got %q", raw))
		} else {
			cfg.DB.PoolMax = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_DB_POOL_MIN")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_DB_POOL_MIN must be a non-negative integer, got %q", raw))
		} else {
			cfg.DB.PoolMin = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_DB_ACQUIRE_TIMEOUT_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_DB_ACQUIRE_TIMEOUT_MS must be a positive integer, got %q", raw))
		} else {
			cfg.DB.AcquireTimeout = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_DB_STATEMENT_TIMEOUT_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_DB_STATEMENT_TIMEOUT_MS must be a positive integer, got %q", raw))
		} else {
			cfg.DB.StatementTimeout = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_AUTH_CLOCK_SKEW_SEC")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_AUTH_CLOCK_SKEW_SEC must be a non-negative integer, got %q", raw))
		} else {
			cfg.Auth.ClockSkew = time.Duration(value) * time.Second
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_AUTH_JTI_TTL_SEC")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_AUTH_JTI_TTL_SEC must be a positive integer, got %q", raw))
		} else {
			cfg.Auth.JTITTL = time.Duration(value) * time.Second
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_RATCHET_MAX_SKIPPED")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_RATCHET_MAX_SKIPPED must be a non-negative integer, got %q", raw))
		} else {
			cfg.Ratchet.MaxSkipped = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_SHUTDOWN_TIMEOUT_MS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_SHUTDOWN_TIMEOUT_MS must be a positive integer, got %q", raw))
		} else {
			cfg.ShutdownTimeout = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("MSGCORE_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MSGCORE_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MSGCORE_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.Queue.Enabled && cfg.DB.URL == "" {
		problems = append(problems, "MSGCORE_DB_URL must be set when MSGCORE_QUEUE_ENABLED is true")
	}

	if cfg.Auth.JWTPublicKeyPEM == "" && cfg.Auth.JWKSURL == "" {
		problems = append(problems, "one of MSGCORE_AUTH_JWT_PUBLIC_KEY_PEM or MSGCORE_AUTH_JWKS_URL must be provided")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "messaging-core-consumer"
	}
	return "messaging-core-consumer-" + host
}
