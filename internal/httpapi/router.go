package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"llama_gateway/internal/auth"
	"llama_gateway/internal/config"
	"llama_gateway/internal/logging"
	"llama_gateway/internal/middleware"
	"llama_gateway/internal/models"
	"llama_gateway/internal/notify"
	"llama_gateway/internal/queue"
	"llama_gateway/internal/ratelimit"
	"llama_gateway/internal/relay"
	"llama_gateway/internal/storage"
)

// Admitter decides whether a request for a key may be forwarded
type Admitter interface {
	Admit(ctx context.Context, key string) (ratelimit.Decision, error)
}

// BucketManager gives admin handlers access to the in-memory rate-limit buckets
type BucketManager interface {
	Evict(key string)
	Snapshot(key string) (ratelimit.State, bool)
	Len() int
}

// SuccessSink runs the side effects of a relayed request
type SuccessSink interface {
	OnSuccess(ctx context.Context, key string, payload map[string]json.RawMessage)
}

// UsageQueueInspector exposes the usage queue and its dead letters
type UsageQueueInspector interface {
	GetQueueLength(ctx context.Context) (int, error)
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]storage.UsageDeadLetter, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Keys     storage.APIKeyStore
	Webhooks storage.WebhookStore
	Usage    storage.UsageStore

	Limiter Admitter
	Buckets BucketManager
	Relay   relay.Forwarder
	Sink    SuccessSink

	UsageQueue    UsageQueueInspector
	HealthChecks  map[string]HealthChecker
	RequestLogger *logging.RequestLogger

	// closers run in order on Close
	closers []func(ctx context.Context) error
}

// onClose registers fn to run on Close after everything registered before it
func (d *Dependencies) onClose(fn func(ctx context.Context) error) {
	d.closers = append(d.closers, fn)
}

// Close stops background work and releases connections. In-flight webhook and usage
// side effects finish first so their events still reach the queue and the database.
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error
	for _, fn := range d.closers {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// NewRouter builds every dependency from cfg and returns the gateway's HTTP handler.
// The caller owns the returned Dependencies and must Close them.
func NewRouter(cfg *config.Config) (http.Handler, *Dependencies, error) {
	deps, err := newDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewHandler(deps, cfg), deps, nil
}

func newDependencies(cfg *config.Config) (deps *Dependencies, err error) {
	deps = &Dependencies{HealthChecks: make(map[string]HealthChecker)}
	defer func() {
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = deps.Close(ctx)
		}
	}()

	// Storage: closed last, so it is registered at the end of the closer list below
	var closeStorage func(ctx context.Context) error
	var tokenWriter ratelimit.TokenWriter
	switch cfg.Database.Driver {
	case storage.DriverMemory:
		logging.Warningf("Using the in-memory store: keys and usage are lost on restart")
		mem := storage.NewMemoryStore()
		deps.Keys, deps.Webhooks, deps.Usage = mem, mem.Webhooks(), mem.Usage()
		tokenWriter = mem
	default:
		db, err := storage.NewDB(storage.DBConfig{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			QueryTimeout:    cfg.Database.QueryTimeout,
			APIKeyCacheSize: cfg.Cache.APIKeyCacheSize,
			APIKeyCacheTTL:  cfg.Cache.APIKeyCacheTTL,
			WebhookCacheTTL: cfg.Cache.WebhookCacheTTL,
		})
		if err != nil {
			return deps, fmt.Errorf("failed to initialize database: %w", err)
		}
		closeStorage = func(context.Context) error { return db.Close() }

		migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err = db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return deps, fmt.Errorf("failed to migrate database: %w", err)
		}

		keys := db.NewAPIKeyRepository()
		deps.Keys, deps.Webhooks, deps.Usage = keys, db.NewWebhookRepository(), db.NewUsageRepository()
		deps.HealthChecks["database"] = db
		tokenWriter = keys
	}

	// Redis is only needed by the redis usage queue
	var redisConn *redis.Client
	var closeRedis func(ctx context.Context) error
	if cfg.UsageQueue.Backend == queue.BackendRedis {
		redisClient, err := storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			if closeStorage != nil {
				_ = closeStorage(context.Background())
			}
			return deps, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		redisConn = redisClient.Client()
		closeRedis = func(context.Context) error { return redisClient.Close() }
		deps.HealthChecks["redis"] = redisClient
	}

	// From here on every component registers its own closer; storage and Redis go last
	defer func() {
		if closeRedis != nil {
			deps.onClose(closeRedis)
		}
		if closeStorage != nil {
			deps.onClose(closeStorage)
		}
	}()

	// Usage queue and its worker
	queueCfg := queue.DefaultConfig("usage")
	queueCfg.Backend = cfg.UsageQueue.Backend
	queueCfg.BatchSize = cfg.UsageQueue.BatchSize
	queueCfg.BatchTimeout = cfg.UsageQueue.BatchTimeout
	queueCfg.MaxRetries = cfg.UsageQueue.MaxRetries
	queueCfg.RetryBackoff = cfg.UsageQueue.RetryBackoff

	usageQueue, usageDLQ, err := queue.New[*models.UsageEvent](queueCfg, redisConn)
	if err != nil {
		return deps, fmt.Errorf("failed to create usage queue: %w", err)
	}
	worker := storage.NewUsageQueueWorker(usageQueue, usageDLQ, deps.Usage, queueCfg)
	worker.Start(context.Background())
	deps.UsageQueue = worker

	// Rate limiting with write-behind token persistence
	persister := ratelimit.NewPersister(tokenWriter, cfg.RateLimit.FlushInterval)
	persister.Start(context.Background())
	limiter := ratelimit.NewTokenBucketLimiter(deps.Keys,
		ratelimit.WithWindow(cfg.RateLimit.Window),
		ratelimit.WithPersister(persister),
	)
	deps.Limiter, deps.Buckets = limiter, limiter

	// Backend relay
	relayClient := relay.NewClient(cfg.Backend.URL, cfg.Backend.Timeout)
	deps.Relay = relayClient

	// Usage + webhook side effects
	dispatcher := notify.NewWebhookDispatcher(cfg.Webhook.Timeout)
	sink := notify.NewSink(worker, deps.Webhooks, dispatcher)
	deps.Sink = sink

	// Side effects drain before the worker stops, so their usage events are written
	deps.onClose(sink.Shutdown)
	deps.onClose(func(context.Context) error {
		dispatcher.Close()
		return nil
	})
	deps.onClose(func(context.Context) error { return worker.Stop() })
	deps.onClose(func(context.Context) error {
		return errors.Join(usageQueue.Close(), usageDLQ.Close())
	})
	deps.onClose(func(context.Context) error {
		persister.Stop()
		return nil
	})
	deps.onClose(func(context.Context) error { return relayClient.Close() })

	if cfg.RequestLogger.Enabled {
		requestLogger, err := logging.NewRequestLogger(logging.RequestLoggerOptions{
			FileTemplate:  cfg.RequestLogger.FilePathTemplate,
			MaxSize:       cfg.RequestLogger.MaxSize,
			MaxFiles:      cfg.RequestLogger.MaxFiles,
			BufferSize:    cfg.RequestLogger.BufferSize,
			FlushInterval: cfg.RequestLogger.FlushInterval,
		})
		if err != nil {
			return deps, fmt.Errorf("failed to initialize request logger: %w", err)
		}
		deps.RequestLogger = requestLogger
		deps.onClose(func(context.Context) error { return requestLogger.Close() })
	}

	return deps, nil
}

// NewHandler registers the gateway routes on a fresh mux and wraps it in the
// request-scoped middleware.
func NewHandler(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps, cfg)

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog,
		middleware.RequestLogging(deps.RequestLogger),
	)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, cfg *config.Config) {
	// Public API: the key travels in the JSON body for /generate and the query for /health
	mux.HandleFunc("POST /generate", deps.handleGenerate)
	mux.Handle("GET /health", middleware.QueryAPIKeyMiddleware(deps.Keys)(http.HandlerFunc(deps.handleHealth)))

	// Admin authentication - public
	mux.Handle("POST /admin/auth/login", auth.LoginHandler(cfg))

	viewer := middleware.AdminJWTMiddleware(cfg, auth.RoleViewer)
	admin := middleware.AdminJWTMiddleware(cfg, auth.RoleAdmin)

	mux.Handle("GET /admin/health", viewer(http.HandlerFunc(deps.handleAdminHealth)))

	keys := NewAdminAPIKeysHandler(deps.Keys, deps.Usage, deps.Buckets)
	mux.Handle("GET /admin/keys", viewer(http.HandlerFunc(keys.List)))
	mux.Handle("POST /admin/keys", admin(http.HandlerFunc(keys.Create)))
	mux.Handle("POST /admin/keys/activate-all", admin(http.HandlerFunc(keys.ActivateAll)))
	mux.Handle("POST /admin/keys/deactivate-all", admin(http.HandlerFunc(keys.DeactivateAll)))
	mux.Handle("GET /admin/keys/{key}", viewer(http.HandlerFunc(keys.Get)))
	mux.Handle("PATCH /admin/keys/{key}", admin(http.HandlerFunc(keys.Update)))
	mux.Handle("DELETE /admin/keys/{key}", admin(http.HandlerFunc(keys.Delete)))
	mux.Handle("POST /admin/keys/{key}/regenerate", admin(http.HandlerFunc(keys.Regenerate)))

	webhooks := NewAdminWebhooksHandler(deps.Webhooks)
	mux.Handle("GET /admin/webhooks", viewer(http.HandlerFunc(webhooks.List)))
	mux.Handle("POST /admin/webhooks", admin(http.HandlerFunc(webhooks.Create)))
	mux.Handle("DELETE /admin/webhooks/{id}", admin(http.HandlerFunc(webhooks.Delete)))

	usage := NewAdminUsageHandler(deps.Usage, deps.UsageQueue)
	mux.Handle("GET /admin/usage/{key}", viewer(http.HandlerFunc(usage.Get)))
	mux.Handle("GET /admin/usage/dead-letters", viewer(http.HandlerFunc(usage.ListDeadLetters)))
	mux.Handle("POST /admin/usage/dead-letters/{id}/retry", admin(http.HandlerFunc(usage.RetryDeadLetter)))
}
