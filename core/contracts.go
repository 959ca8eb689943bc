package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type EventTypeStore interface {
	GetEventType(ctx context.Context, id string) (EventType, error)
}

type AppUserStore interface {
	GetAppUser(ctx context.Context, id string) (AppUser, error)
}

type WebhookStore interface {
	// ListEligibleWebhooks returns enabled webhooks owned by the app user
	// and subscribed to the event type.
	ListEligibleWebhooks(ctx context.Context, appUserID string, eventTypeID string) ([]Webhook, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, input CreateMessageInput) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, deliverAt *time.Time) (Message, error)
	PatchMessage(ctx context.Context, id string, patch MessagePatch) (Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) (MessagePage, error)
}

// DeliveryLedger records per-webhook success so job retries can skip
// subscribers that already received a message.
type DeliveryLedger interface {
	Delivered(ctx context.Context, messageID string, webhookID string) (bool, error)
	RecordDelivered(ctx context.Context, record DeliveryRecord) error
}

type DeliveryRecord struct {
	MessageID   string
	WebhookID   string
	StatusCode  int
	Attempts    int
	DeliveredAt time.Time
}

type StoreProvider interface {
	EventTypeStore() EventTypeStore
	AppUserStore() AppUserStore
	WebhookStore() WebhookStore
	MessageStore() MessageStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type DeliveryRequest struct {
	Webhook   Webhook
	MessageID string
	EventName string
	Payload   map[string]any
}

type DeliveryResponse struct {
	StatusCode int
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

type DeliveryClient interface {
	Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResponse, error)
}

type DeliveryOutcome struct {
	WebhookID string
	Response  DeliveryResponse
	Err       error
	// AlreadyDelivered is set when the ledger short-circuited the call.
	AlreadyDelivered bool
}

func (o DeliveryOutcome) Succeeded() bool {
	return o.Err == nil
}

type DeadLetter struct {
	Job      DeliveryJob
	JobID    string
	Attempts int
	Reason   string
	FailedAt time.Time
}

type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, letter DeadLetter) error
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

// AttemptAware deliveries expose the 1-based attempt counter tracked by
// the queue backend.
type AttemptAware interface {
	Attempt() int
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobHandler interface {
	HandleJob(ctx context.Context, msg *JobExecutionMessage) error
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
