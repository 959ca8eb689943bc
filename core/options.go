package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorMapper       ErrorMapper
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	persistenceClient any
	repositoryFactory any
	eventTypeStore    EventTypeStore
	appUserStore      AppUserStore
	webhookStore      WebhookStore
	messageStore      MessageStore
	enqueuer          JobEnqueuer
	deliveryClient    DeliveryClient
	deliveryLedger    DeliveryLedger
	deadLetters       DeadLetterPublisher
	now               func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

// WithRepositoryFactory accepts a RepositoryStoreFactory used to build any
// store not provided explicitly.
func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithEventTypeStore(store EventTypeStore) Option {
	return func(b *serviceBuilder) {
		b.eventTypeStore = store
	}
}

func WithAppUserStore(store AppUserStore) Option {
	return func(b *serviceBuilder) {
		b.appUserStore = store
	}
}

func WithWebhookStore(store WebhookStore) Option {
	return func(b *serviceBuilder) {
		b.webhookStore = store
	}
}

func WithMessageStore(store MessageStore) Option {
	return func(b *serviceBuilder) {
		b.messageStore = store
	}
}

func WithJobEnqueuer(enqueuer JobEnqueuer) Option {
	return func(b *serviceBuilder) {
		b.enqueuer = enqueuer
	}
}

func WithDeliveryClient(client DeliveryClient) Option {
	return func(b *serviceBuilder) {
		b.deliveryClient = client
	}
}

func WithDeliveryLedger(ledger DeliveryLedger) Option {
	return func(b *serviceBuilder) {
		b.deliveryLedger = ledger
	}
}

func WithDeadLetterPublisher(publisher DeadLetterPublisher) Option {
	return func(b *serviceBuilder) {
		b.deadLetters = publisher
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("xwebhook", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     MapError,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type StaticConfigLoader struct {
	Values map[string]any
}

func (l StaticConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults < loaded < runtime.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	queue := map[string]any{}
	setString(queue, "name", cfg.Queue.Name, includeZero)
	setInt(queue, "max_attempts", cfg.Queue.MaxAttempts, includeZero)
	setDuration(queue, "initial_backoff", cfg.Queue.InitialBackoff, includeZero)
	setDuration(queue, "max_backoff", cfg.Queue.MaxBackoff, includeZero)
	setDuration(queue, "job_timeout", cfg.Queue.JobTimeout, includeZero)
	setDuration(queue, "lease_timeout", cfg.Queue.LeaseTimeout, includeZero)
	setDuration(queue, "poll_interval", cfg.Queue.PollInterval, includeZero)
	setInt(queue, "retain_completed", cfg.Queue.RetainCompleted, includeZero)
	setInt(queue, "retain_failed", cfg.Queue.RetainFailed, includeZero)
	if len(queue) > 0 {
		layer["queue"] = queue
	}

	worker := map[string]any{}
	setInt(worker, "concurrency", cfg.Worker.Concurrency, includeZero)
	if len(worker) > 0 {
		layer["worker"] = worker
	}

	delivery := map[string]any{}
	setInt(delivery, "max_attempts", cfg.Delivery.MaxAttempts, includeZero)
	setDuration(delivery, "retry_interval", cfg.Delivery.RetryInterval, includeZero)
	setDuration(delivery, "timeout", cfg.Delivery.Timeout, includeZero)
	if includeZero || cfg.Delivery.MaxResponseBodyBytes != 0 {
		delivery["max_response_body_bytes"] = cfg.Delivery.MaxResponseBodyBytes
	}
	setString(delivery, "message_id_header", cfg.Delivery.MessageIDHeader, includeZero)
	if includeZero || cfg.Delivery.SkipDelivered {
		delivery["skip_delivered"] = cfg.Delivery.SkipDelivered
	}
	if len(delivery) > 0 {
		layer["delivery"] = delivery
	}

	fanout := map[string]any{}
	setInt(fanout, "max_concurrency", cfg.Fanout.MaxConcurrency, includeZero)
	if len(fanout) > 0 {
		layer["fanout"] = fanout
	}

	httpLayer := map[string]any{}
	setInt(httpLayer, "port", cfg.HTTP.Port, includeZero)
	if len(httpLayer) > 0 {
		layer["http"] = httpLayer
	}
	return layer
}

func setString(layer map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		layer[key] = strings.TrimSpace(value)
	}
}

func setInt(layer map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}

func setDuration(layer map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value != 0 {
		layer[key] = value
	}
}
