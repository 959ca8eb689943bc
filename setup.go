package xwebhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-job/queue"
	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/redis/go-redis/v9"
	"github.com/shahreaz0/xwebhook/adapters/gocommand"
	"github.com/shahreaz0/xwebhook/adapters/gojob"
	"github.com/shahreaz0/xwebhook/adapters/otelmetrics"
	"github.com/shahreaz0/xwebhook/core"
	"github.com/shahreaz0/xwebhook/httpapi"
	"github.com/shahreaz0/xwebhook/queue/memqueue"
	"github.com/shahreaz0/xwebhook/queue/redisqueue"
	"github.com/shahreaz0/xwebhook/queue/sqlqueue"
	"github.com/shahreaz0/xwebhook/ratelimit"
	sqlstore "github.com/shahreaz0/xwebhook/store/sql"
	"github.com/shahreaz0/xwebhook/transport"
)

type QueueBackend string

const (
	QueueBackendSQL    QueueBackend = "sql"
	QueueBackendRedis  QueueBackend = "redis"
	QueueBackendMemory QueueBackend = "memory"
)

// ParseQueueBackend maps QUEUE_BACKEND values. Empty selects sql.
func ParseQueueBackend(value string) (QueueBackend, error) {
	switch QueueBackend(strings.ToLower(strings.TrimSpace(value))) {
	case "", QueueBackendSQL:
		return QueueBackendSQL, nil
	case QueueBackendRedis:
		return QueueBackendRedis, nil
	case QueueBackendMemory:
		return QueueBackendMemory, nil
	default:
		return "", fmt.Errorf("xwebhook: unknown queue backend %q", value)
	}
}

// Dependencies are the external resources Setup wires together. Persistence
// is required; Redis is required for the redis backend.
type Dependencies struct {
	Persistence    *persistence.Client
	Redis          redis.UniversalClient
	LoggerProvider core.LoggerProvider
	Metrics        core.MetricsRecorder
	DeadLetters    core.DeadLetterPublisher
	HTTPClient     transport.HTTPDoer
	Cache          repositorycache.CacheService
	Extensions     *ExtensionHooks
}

type jobQueue interface {
	queue.Enqueuer
	queue.Dequeuer
}

// App is a fully wired engine: intake service, queue, worker pool and HTTP
// handler sharing one configuration.
type App struct {
	Config  Config
	Backend QueueBackend
	Service *core.Service
	Runner  *core.JobRunner
	Bus     *gocommand.MessageBus
	Handler http.Handler
	Stores  *sqlstore.RepositoryFactory

	queue    jobQueue
	throttle *ratelimit.WebhookThrottle
	logger   core.Logger
}

func Setup(cfg Config, backend QueueBackend, deps Dependencies) (*App, error) {
	if deps.Persistence == nil {
		return nil, fmt.Errorf("xwebhook: persistence client is required")
	}
	resolved, err := core.GoOptionsResolver{}.Resolve(core.DefaultConfig(), core.Config{}, cfg)
	if err != nil {
		return nil, err
	}

	provider := deps.LoggerProvider
	if provider == nil {
		provider = glog.ProviderFromLogger(glog.Nop())
	}
	logger := glog.Ensure(provider.GetLogger("xwebhook.app"))

	var factoryOpts []sqlstore.FactoryOption
	if deps.Cache != nil {
		factoryOpts = append(factoryOpts, sqlstore.WithCacheService(deps.Cache))
	}
	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(deps.Persistence, factoryOpts...)
	if err != nil {
		return nil, err
	}

	jobs, err := newJobQueue(backend, resolved.Queue, stores, deps.Redis)
	if err != nil {
		return nil, err
	}

	throttle := ratelimit.NewWebhookThrottle(stores.ThrottleStateStore())
	client := transport.NewWebhookClient(deps.HTTPClient, resolved.Delivery)
	client.Throttle = throttle

	metrics := deps.Metrics
	if metrics == nil {
		metrics = otelmetrics.New(nil, otelmetrics.WithErrorHandler(func(name string, err error) {
			logger.Warn("metric instrument unavailable", "metric", name, "error", err.Error())
		}))
	}

	opts := []core.Option{
		core.WithLoggerProvider(provider),
		core.WithMetricsRecorder(metrics),
		core.WithPersistenceClient(deps.Persistence),
		core.WithRepositoryFactory(stores),
		core.WithJobEnqueuer(gojob.NewEnqueuerAdapter(jobs)),
		core.WithDeliveryClient(client),
	}
	if publisher := deps.Extensions.DeadLetterPublisher(deps.DeadLetters); publisher != nil {
		opts = append(opts, core.WithDeadLetterPublisher(publisher))
	}
	service, err := core.NewService(resolved, opts...)
	if err != nil {
		return nil, err
	}

	hooks := append([]core.JobWorkerHook{service.LifecycleHook()}, deps.Extensions.WorkerHooks()...)
	runner, err := core.NewJobRunner(
		gojob.NewDequeuerAdapter(jobs, gojob.RetryPolicyFromConfig(resolved.Queue)),
		service,
		resolved,
		core.WithRunnerHooks(hooks...),
		core.WithRunnerLogger(glog.Ensure(provider.GetLogger("xwebhook.runner"))),
	)
	if err != nil {
		return nil, err
	}

	bus, err := gocommand.NewMessageBus(service)
	if err != nil {
		return nil, err
	}
	handler := httpapi.NewRouter(httpapi.NewHandlers(bus, glog.Ensure(provider.GetLogger("xwebhook.http"))))

	logger.Info("xwebhook assembled",
		"queue_backend", string(backend),
		"queue", resolved.Queue.Name,
		"workers", resolved.Worker.Concurrency,
		"skip_delivered", resolved.Delivery.SkipDelivered,
	)

	return &App{
		Config:  service.Config(),
		Backend: backend,
		Service: service,
		Runner:  runner,
		Bus:     bus,
		Handler: handler,
		Stores:  stores,
		queue:    jobs,
		throttle: throttle,
		logger:   logger,
	}, nil
}

func newJobQueue(backend QueueBackend, cfg core.QueueConfig, stores *sqlstore.RepositoryFactory, redisClient redis.UniversalClient) (jobQueue, error) {
	switch backend {
	case QueueBackendSQL, "":
		return sqlqueue.New(stores.DB(), sqlqueue.OptionsFromConfig(cfg))
	case QueueBackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("xwebhook: redis backend requires a redis client")
		}
		return redisqueue.New(redisClient, redisqueue.OptionsFromConfig(cfg))
	case QueueBackendMemory:
		return memqueue.New(memqueue.Options{
			RetainCompleted: cfg.RetainCompleted,
			RetainFailed:    cfg.RetainFailed,
		}), nil
	default:
		return nil, fmt.Errorf("xwebhook: unknown queue backend %q", backend)
	}
}

// RunWorker processes jobs until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	if a == nil || a.Runner == nil {
		return fmt.Errorf("xwebhook: app is not configured")
	}
	a.logThrottled(ctx)
	return a.Runner.Run(ctx)
}

// ThrottledWebhooks lists webhooks whose throttle window is still open.
func (a *App) ThrottledWebhooks(ctx context.Context) ([]ratelimit.State, error) {
	if a == nil || a.throttle == nil {
		return nil, nil
	}
	return a.throttle.Throttled(ctx)
}

func (a *App) logThrottled(ctx context.Context) {
	throttled, err := a.ThrottledWebhooks(ctx)
	if err != nil {
		a.logger.Warn("list throttled webhooks failed", "error", err.Error())
		return
	}
	if len(throttled) == 0 {
		return
	}
	ids := make([]string, 0, len(throttled))
	for _, state := range throttled {
		ids = append(ids, state.WebhookID)
	}
	a.logger.Info("worker starting with throttled webhooks",
		"count", len(throttled),
		"webhook_ids", ids,
		"first_until", throttled[0].ThrottledUntil,
	)
}

// Close releases queue resources owned by the app. The persistence and
// redis clients belong to the caller.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if closer, ok := a.queue.(interface{ Close() }); ok {
		closer.Close()
	}
	return nil
}
