package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/gorilla/websocket"

	configpkg "github.com/corridorchat/messaging-core/internal/config"
	"github.com/corridorchat/messaging-core/internal/auth"
	"github.com/corridorchat/messaging-core/internal/dlq"
	httpapi "github.com/corridorchat/messaging-core/internal/http"
	"github.com/corridorchat/messaging-core/internal/hub"
	"github.com/corridorchat/messaging-core/internal/logging"
	"github.com/corridorchat/messaging-core/internal/outbox"
	"github.com/corridorchat/messaging-core/internal/ratelimit"
	"github.com/corridorchat/messaging-core/internal/resume"
	"github.com/corridorchat/messaging-core/internal/stream"
)

// runner wires every collaborator package into a running server and owns the graceful-shutdown
// ordering described in §4.9: stop accepting, signal dispatcher/consumer to stop, let in-flight
// deliveries settle, persist resume snapshots for live connections, then close shared state.
type runner struct {
	startedAt time.Time
	logger    *logging.Logger

	hub        *hub.Hub
	dispatcher *stream.Dispatcher
	consumer   *stream.Consumer

	db          *sql.DB
	redisClient *redis.Client

	httpServer *http.Server

	dispatcherDone chan error
	consumerDone   chan error
}

func main() {
	startedAt := time.Now()

	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.ReplaceGlobals(logger)

	r, err := build(cfg, logger, startedAt)
	if err != nil {
		logger.Fatal("failed to build messaging core", logging.Error(err))
	}

	r.run(cfg)
}

// build constructs every collaborator per SPEC_FULL.md §2 and wires them together. It does not
// start the dispatcher, the consumer, or the HTTP listener; that is run's job. When the queue is
// enabled it does open the database handle and create a DLQ archive segment on disk.
func build(cfg *configpkg.Config, logger *logging.Logger, startedAt time.Time) (*runner, error) {
	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	var resumeStore resume.Store
	if redisClient != nil {
		resumeStore = resume.NewRedisStore(redisClient, cfg.ResumeKeyPrefix)
	} else {
		resumeStore = resume.NewMemoryStore()
	}

	connectionLimiter := ratelimit.New(cfg.RateLimit.ConnectionsPerMin, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	messageLimiter := ratelimit.NewMultiLimiter(map[ratelimit.Scope]*ratelimit.Limiter{
		ratelimit.ScopeDevice: ratelimit.New(cfg.RateLimit.MessagesPerMin, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
	})

	var (
		db         *sql.DB
		outboxStore *outbox.Store
		dlqWriter  stream.DLQWriter
		dlqStats   httpapi.DLQStats
		broker     stream.Broker
		dispatcher *stream.Dispatcher
	)

	if cfg.Queue.Enabled {
		db, err = sql.Open("postgres", dsnWithTimeouts(cfg.DB.URL, cfg.DB.StatementTimeout, cfg.DB.AcquireTimeout))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DB.PoolMax)
		db.SetMaxIdleConns(cfg.DB.PoolMin)
		db.SetConnMaxLifetime(30 * time.Minute)

		outboxStore = outbox.New(db)
		dlqStore := dlq.New(db)
		dlqStats = dlqStore

		archive, err := dlq.NewArchiveWriter(os.TempDir(), cfg.Queue.ConsumerName, nil)
		if err != nil {
			logger.Warn("dlq archive unavailable, falling back to relational-only records", logging.Error(err))
			dlqWriter = dlqStore
		} else {
			dlqWriter = dlq.NewCompositeWriter(dlqStore, archive)
		}

		if redisClient != nil {
			broker = stream.NewRedisBroker(redisClient, cfg.Queue.StreamKey+":")
		} else {
			broker = stream.NewMemoryBroker()
		}
		dispatcher = stream.NewDispatcher(outboxStore, broker, dlqWriter, cfg.Queue.ConsumerName,
			stream.WithBatchSize(cfg.Queue.BatchSize),
			stream.WithTickInterval(cfg.Queue.TickInterval),
			stream.WithMaxAttempts(cfg.Queue.MaxAttempts),
		)
	}

	h := hub.New(hub.Options{
		Authenticator:     authenticator,
		ConnectionLimiter: connectionLimiter,
		MessageLimiter:    messageLimiter,
		ResumeStore:       resumeStore,
		Logger:            logger.With(logging.String("component", "hub")),
		Upgrader:          &websocket.Upgrader{},
		HeartbeatInterval: cfg.Heartbeat.IntervalMs,
		ResumeTTL:         cfg.Heartbeat.ResumeTTL,
		MaxBufferedBytes:  cfg.Heartbeat.MaxBufferedBytes,
		MessageMaxBytes:   cfg.Heartbeat.MessageMaxBytes,
		MaxQueue:          cfg.Heartbeat.MaxQueue,
	})

	var consumer *stream.Consumer
	if cfg.Queue.Enabled {
		var seenSet stream.PersistentSeenSet
		if redisClient != nil {
			seenSet = stream.NewRedisSeenSet(redisClient, cfg.Queue.StreamKey+":seen:")
		}
		consumer = stream.NewConsumer(broker, h, dlqWriter, seenSet, cfg.Queue.Group, cfg.Queue.ConsumerName,
			stream.WithClaimIdleAfter(cfg.Queue.ClaimIdle),
			stream.WithConsumerMaxAttempts(cfg.Queue.MaxAttempts),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", h)

	opsOptions := httpapi.Options{
		Logger:      logger.With(logging.String("component", "http")),
		Readiness:   &readinessAdapter{hub: h, startedAt: startedAt},
		Stats:       func() (int, int) { return 0, h.ConnectionCount() },
		DLQ:         dlqStats,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(time.Minute, 30, nil),
	}
	if outboxStore != nil {
		opsOptions.Outbox = outboxStore
	}
	if dispatcher != nil {
		opsOptions.Dispatcher = httpapi.DispatcherStateFunc(func() string { return "running" })
	}
	if consumer != nil {
		opsOptions.Consumer = httpapi.DispatcherStateFunc(func() string { return string(consumer.State()) })
	}
	httpapi.NewHandlerSet(opsOptions).Register(mux)

	return &runner{
		startedAt:      startedAt,
		logger:         logger,
		hub:            h,
		dispatcher:     dispatcher,
		consumer:       consumer,
		db:             db,
		redisClient:    redisClient,
		httpServer:     &http.Server{Addr: cfg.ServerAddress, Handler: logging.HTTPTraceMiddleware(logger)(mux)},
		dispatcherDone: make(chan error, 1),
		consumerDone:   make(chan error, 1),
	}, nil
}

// dsnWithTimeouts appends §5's pool-acquisition and statement timeouts to a Postgres connection
// string as libpq parameters: connect_timeout (seconds) bounds dialing a new pooled connection,
// and options=-c statement_timeout=<ms> bounds individual statement execution server-side.
func dsnWithTimeouts(dsn string, statementTimeout, acquireTimeout time.Duration) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	params := url.Values{}
	if acquireTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(acquireTimeout.Round(time.Second).Seconds())))
	}
	if statementTimeout > 0 {
		params.Set("options", fmt.Sprintf("-c statement_timeout=%d", statementTimeout.Milliseconds()))
	}
	if len(params) == 0 {
		return dsn
	}
	return dsn + sep + params.Encode()
}

func buildAuthenticator(cfg *configpkg.Config) (*auth.Authenticator, error) {
	opts := []auth.Option{
		auth.WithClockSkew(cfg.Auth.ClockSkew),
		auth.WithJTITTL(cfg.Auth.JTITTL),
		auth.WithAlgorithms(cfg.Auth.JWTAlgorithms),
	}
	if cfg.Auth.JWTPublicKeyPEM != "" {
		return auth.NewRSAAuthenticator(cfg.Auth.JWTPublicKeyPEM, opts...)
	}
	jwks := auth.NewJWKSCache(cfg.Auth.JWKSURL, 10*time.Minute)
	return auth.NewJWKSAuthenticator(jwks.Lookup, opts...), nil
}

// readinessAdapter bridges the Hub's connection registry to httpapi.ReadinessProvider.
type readinessAdapter struct {
	hub       *hub.Hub
	startedAt time.Time
}

func (r *readinessAdapter) ConnectionCount() int  { return r.hub.ConnectionCount() }
func (r *readinessAdapter) StartupError() error   { return nil }
func (r *readinessAdapter) Uptime() time.Duration { return time.Since(r.startedAt) }

// run starts the dispatcher, consumer, and HTTP/WebSocket listener, and blocks until an OS
// termination signal triggers the graceful-shutdown sequence in §4.9.
func (r *runner) run(cfg *configpkg.Config) {
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	consumeCtx, consumeCancel := context.WithCancel(context.Background())

	if r.dispatcher != nil {
		go func() { r.dispatcherDone <- r.dispatcher.Run(dispatchCtx) }()
	}
	if r.consumer != nil {
		go func() { r.consumerDone <- r.consumer.Run(consumeCtx) }()
	}

	go func() {
		r.logger.Info("messaging core listening", logging.String("address", cfg.ServerAddress))
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Fatal("http server terminated", logging.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	r.logger.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// 1. Stop accepting new connections and requests.
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http server shutdown failed", logging.Error(err))
	}

	// 2. Signal the dispatcher/consumer to stop and let in-flight ticks settle.
	dispatchCancel()
	consumeCancel()
	if r.dispatcher != nil {
		<-r.dispatcherDone
	}
	if r.consumer != nil {
		<-r.consumerDone
	}

	// 3. Persist resume snapshots for every live connection and close their sockets.
	r.hub.Shutdown(shutdownCtx)

	// 4. Close shared-cache and database handles.
	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			r.logger.Warn("redis client close failed", logging.Error(err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Warn("database handle close failed", logging.Error(err))
		}
	}

	r.logger.Info("messaging core shut down cleanly")
}
