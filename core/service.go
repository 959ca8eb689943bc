package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	eventTypes      EventTypeStore
	appUsers        AppUserStore
	webhooks        WebhookStore
	messages        MessageStore
	enqueuer        JobEnqueuer
	deliveryClient  DeliveryClient
	ledger          DeliveryLedger
	deadLetters     DeadLetterPublisher
	now             func() time.Time
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("xwebhook", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("xwebhook"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = MapError
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = func() time.Time {
			return time.Now().UTC()
		}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if err := builder.resolveStores(finalConfig.Delivery.SkipDelivered); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		eventTypes:      builder.eventTypeStore,
		appUsers:        builder.appUserStore,
		webhooks:        builder.webhookStore,
		messages:        builder.messageStore,
		enqueuer:        builder.enqueuer,
		deliveryClient:  builder.deliveryClient,
		ledger:          builder.deliveryLedger,
		deadLetters:     builder.deadLetters,
		now:             builder.now,
	}, nil
}

// resolveStores fills unset stores from the repository factory. The factory
// ledger is only picked up when skipDelivered is on.
func (b *serviceBuilder) resolveStores(skipDelivered bool) error {
	if b.eventTypeStore != nil && b.appUserStore != nil && b.webhookStore != nil && b.messageStore != nil {
		return nil
	}
	if b.repositoryFactory == nil {
		return nil
	}
	storeFactory, ok := b.repositoryFactory.(RepositoryStoreFactory)
	if !ok {
		return fmt.Errorf("core: repository factory %T does not build stores", b.repositoryFactory)
	}
	provider, err := storeFactory.BuildStores(b.persistenceClient)
	if err != nil {
		return err
	}
	if provider == nil {
		return nil
	}
	if b.eventTypeStore == nil {
		b.eventTypeStore = provider.EventTypeStore()
	}
	if b.appUserStore == nil {
		b.appUserStore = provider.AppUserStore()
	}
	if b.webhookStore == nil {
		b.webhookStore = provider.WebhookStore()
	}
	if b.messageStore == nil {
		b.messageStore = provider.MessageStore()
	}
	if b.deliveryLedger == nil && skipDelivered {
		if ledgerProvider, ok := provider.(interface{ DeliveryLedger() DeliveryLedger }); ok {
			b.deliveryLedger = ledgerProvider.DeliveryLedger()
		}
	}
	return nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Logger() Logger {
	if s == nil {
		return glog.Nop()
	}
	return s.logger
}

// CreateMessage validates the event type, persists a PENDING message and
// only then enqueues its delivery job.
func (s *Service) CreateMessage(ctx context.Context, req CreateMessageRequest) (msg Message, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"app_user_id":   strings.TrimSpace(req.AppUserID),
		"event_type_id": strings.TrimSpace(req.EventTypeID),
		"tenant_id":     strings.TrimSpace(req.TenantContext.ID),
	}
	defer func() {
		if msg.ID != "" {
			fields["message_id"] = msg.ID
		}
		s.observeOperation(ctx, startedAt, "create_message", err, fields)
	}()

	if err := s.requireIntakeDependencies(); err != nil {
		return Message{}, err
	}
	appUserID := strings.TrimSpace(req.AppUserID)
	eventTypeID := strings.TrimSpace(req.EventTypeID)
	if appUserID == "" {
		return Message{}, validationError("app_user_id", "app user id is required")
	}
	if eventTypeID == "" {
		return Message{}, validationError("event_type_id", "event type id is required")
	}
	if strings.TrimSpace(req.TenantContext.ID) == "" {
		return Message{}, validationError("tenant_context.id", "tenant id is required")
	}

	if s.appUsers != nil {
		if _, err := s.appUsers.GetAppUser(ctx, appUserID); err != nil {
			if errors.Is(err, ErrAppUserNotFound) {
				return Message{}, notFoundError(err, "app user not found")
			}
			return Message{}, internalError(err, "load app user")
		}
	}

	eventType, err := s.eventTypes.GetEventType(ctx, eventTypeID)
	if err != nil {
		if errors.Is(err, ErrEventTypeNotFound) {
			return Message{}, notFoundError(err, "event type not found or archived")
		}
		return Message{}, internalError(err, "load event type")
	}
	if eventType.Archived {
		return Message{}, goerrors.Wrap(ErrEventTypeArchived, goerrors.CategoryValidation, "event type not found or archived").
			WithCode(HTTPStatus(goerrors.CategoryValidation)).
			WithTextCode(ErrorValidation).
			WithMetadata(map[string]any{"event_type_id": eventTypeID})
	}
	if err := ValidateEventTypeName(eventType.Name); err != nil {
		return Message{}, validationError("event_name", err.Error())
	}
	fields["event_name"] = eventType.Name

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	created, err := s.messages.CreateMessage(ctx, CreateMessageInput{
		AppUserID:   appUserID,
		EventTypeID: eventTypeID,
		Payload:     payload,
		Status:      MessageStatusPending,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return Message{}, internalError(err, "persist message")
	}

	job := NewDeliveryJob(created, eventType.Name, req.TenantContext)
	execution, err := EncodeDeliveryJob(job, s.config.Queue.Name)
	if err != nil {
		return created, internalError(err, "encode delivery job")
	}
	if err := s.enqueuer.Enqueue(ctx, execution); err != nil {
		return created, internalError(err, "enqueue delivery job")
	}
	return created, nil
}

func (s *Service) requireIntakeDependencies() error {
	if s == nil {
		return fmt.Errorf("core: service is nil")
	}
	if s.eventTypes == nil {
		return fmt.Errorf("core: event type store is required")
	}
	if s.messages == nil {
		return fmt.Errorf("core: message store is required")
	}
	if s.enqueuer == nil {
		return fmt.Errorf("core: job enqueuer is required")
	}
	return nil
}

// GetMessage returns a message owned by the given app user.
func (s *Service) GetMessage(ctx context.Context, appUserID string, messageID string) (Message, error) {
	if s == nil || s.messages == nil {
		return Message{}, fmt.Errorf("core: message store is required")
	}
	appUserID = strings.TrimSpace(appUserID)
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Message{}, validationError("message_id", "message id is required")
	}
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return Message{}, notFoundError(err, "message not found")
		}
		return Message{}, internalError(err, "load message")
	}
	if appUserID != "" && msg.AppUserID != appUserID {
		return Message{}, notFoundError(ErrMessageNotFound, "message not found")
	}
	return msg, nil
}

func (s *Service) ListMessages(ctx context.Context, filter MessageFilter) (MessagePage, error) {
	if s == nil || s.messages == nil {
		return MessagePage{}, fmt.Errorf("core: message store is required")
	}
	normalized := filter.Normalize()
	if normalized.AppUserID == "" {
		return MessagePage{}, validationError("app_user_id", "app user id is required")
	}
	for _, status := range normalized.Statuses {
		if !status.Valid() {
			return MessagePage{}, validationError("status", fmt.Sprintf("unknown status %q", status))
		}
	}
	if normalized.DeliverAtFrom != nil && normalized.DeliverAtTo != nil &&
		normalized.DeliverAtFrom.After(*normalized.DeliverAtTo) {
		return MessagePage{}, validationError("deliver_at_from", "deliverAtFrom must not be after deliverAtTo")
	}
	page, err := s.messages.ListMessages(ctx, normalized)
	if err != nil {
		return MessagePage{}, internalError(err, "list messages")
	}
	return page, nil
}

// PatchMessage applies an operator override. Status changes bypass the
// lifecycle table and no job is enqueued.
func (s *Service) PatchMessage(ctx context.Context, appUserID string, messageID string, patch MessagePatch) (Message, error) {
	if _, err := s.GetMessage(ctx, appUserID, messageID); err != nil {
		return Message{}, err
	}
	if patch.Empty() {
		return s.GetMessage(ctx, appUserID, messageID)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return Message{}, validationError("status", fmt.Sprintf("unknown status %q", *patch.Status))
	}
	updated, err := s.messages.PatchMessage(ctx, strings.TrimSpace(messageID), patch)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return Message{}, notFoundError(err, "message not found")
		}
		return Message{}, internalError(err, "patch message")
	}
	s.logInfo(ctx, "message patched", map[string]any{
		"message_id": updated.ID,
		"status":     string(updated.Status),
	})
	return updated, nil
}

// advanceStatus applies a lifecycle transition. Terminal messages keep their
// status; the attempted transition is logged and ignored.
func (s *Service) advanceStatus(ctx context.Context, messageID string, next MessageStatus) (Message, error) {
	current, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if current.Status == next {
		return current, nil
	}
	candidate := current
	if err := candidate.TransitionTo(next, s.now()); err != nil {
		if current.Status.Terminal() {
			s.logWarn(ctx, "message status transition ignored", map[string]any{
				"message_id": messageID,
				"from":       string(current.Status),
				"to":         string(next),
			})
			return current, nil
		}
		return current, err
	}
	return s.messages.UpdateMessageStatus(ctx, messageID, candidate.Status, candidate.DeliverAt)
}
