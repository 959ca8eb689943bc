package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type capturedHistogram struct {
	name  string
	value float64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []capturedHistogram
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, capturedHistogram{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) hasCounter(name string, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.counters {
		if item.name == name && item.tags["status"] == status {
			return true
		}
	}
	return false
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) hasLog(level string, message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range *l.records {
		if item.level == level && item.msg == message {
			return true
		}
	}
	return false
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

// memoryStore backs every store contract with maps.
type memoryStore struct {
	mu         sync.Mutex
	seq        int
	eventTypes map[string]EventType
	appUsers   map[string]AppUser
	webhooks   []Webhook
	messages   map[string]Message
	statusLog  []MessageStatus
	delivered  map[string]DeliveryRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		eventTypes: map[string]EventType{},
		appUsers:   map[string]AppUser{},
		messages:   map[string]Message{},
		delivered:  map[string]DeliveryRecord{},
	}
}

// seedOrderScenario registers order.created, app user u1 and webhooks
// w1, w2 (enabled) and w3 (disabled).
func seedOrderScenario() *memoryStore {
	store := newMemoryStore()
	store.eventTypes["evt_order_created"] = EventType{ID: "evt_order_created", Name: "order.created"}
	store.eventTypes["evt_archived"] = EventType{ID: "evt_archived", Name: "order.legacy", Archived: true}
	store.appUsers["u1"] = AppUser{ID: "u1", Name: "Acme"}
	for _, hook := range []Webhook{
		{ID: "w1", AppUserID: "u1", URL: "https://w1.example/hook", Secret: "s1"},
		{ID: "w2", AppUserID: "u1", URL: "https://w2.example/hook", Secret: "s2"},
		{ID: "w3", AppUserID: "u1", URL: "https://w3.example/hook", Secret: "s3", Disabled: true},
	} {
		hook.SubscribedEventTypeIDs = []string{"evt_order_created"}
		store.webhooks = append(store.webhooks, hook)
	}
	return store
}

func (m *memoryStore) GetEventType(_ context.Context, id string) (EventType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eventType, ok := m.eventTypes[id]
	if !ok {
		return EventType{}, ErrEventTypeNotFound
	}
	return eventType, nil
}

func (m *memoryStore) GetAppUser(_ context.Context, id string) (AppUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	appUser, ok := m.appUsers[id]
	if !ok {
		return AppUser{}, ErrAppUserNotFound
	}
	return appUser, nil
}

func (m *memoryStore) ListEligibleWebhooks(_ context.Context, appUserID string, eventTypeID string) ([]Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Webhook{}
	for _, hook := range m.webhooks {
		if hook.AppUserID == appUserID && hook.Eligible(eventTypeID) {
			out = append(out, hook)
		}
	}
	return out, nil
}

func (m *memoryStore) CreateMessage(_ context.Context, input CreateMessageInput) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg := Message{
		ID:          fmt.Sprintf("msg_%d", m.seq),
		AppUserID:   input.AppUserID,
		EventTypeID: input.EventTypeID,
		Payload:     input.Payload,
		Status:      input.Status,
		CreatedAt:   input.CreatedAt,
		UpdatedAt:   input.CreatedAt,
	}
	m.messages[msg.ID] = msg
	m.statusLog = append(m.statusLog, msg.Status)
	return msg, nil
}

func (m *memoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (m *memoryStore) UpdateMessageStatus(_ context.Context, id string, status MessageStatus, deliverAt *time.Time) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	msg.Status = status
	msg.DeliverAt = deliverAt
	m.messages[id] = msg
	m.statusLog = append(m.statusLog, status)
	return msg, nil
}

func (m *memoryStore) PatchMessage(_ context.Context, id string, patch MessagePatch) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	if patch.Status != nil {
		msg.Status = *patch.Status
	}
	if patch.Payload != nil {
		msg.Payload = patch.Payload
	}
	if patch.DeliverAt != nil {
		msg.DeliverAt = patch.DeliverAt
	}
	if patch.ClearDeliverAt {
		msg.DeliverAt = nil
	}
	m.messages[id] = msg
	return msg, nil
}

func (m *memoryStore) ListMessages(_ context.Context, filter MessageFilter) (MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []Message{}
	for _, msg := range m.messages {
		if msg.AppUserID == filter.AppUserID {
			items = append(items, msg)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return MessagePage{Items: items, Total: len(items), Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (m *memoryStore) Delivered(_ context.Context, messageID string, webhookID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.delivered[messageID+"/"+webhookID]
	return ok, nil
}

func (m *memoryStore) RecordDelivered(_ context.Context, record DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[record.MessageID+"/"+record.WebhookID] = record
	return nil
}

func (m *memoryStore) status(id string) MessageStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id].Status
}

func (m *memoryStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// scriptedDeliveryClient answers per webhook id. Webhooks without a script
// succeed with 200.
type scriptedDeliveryClient struct {
	mu       sync.Mutex
	statuses map[string]int
	delays   map[string]time.Duration
	requests []DeliveryRequest
}

func newScriptedDeliveryClient() *scriptedDeliveryClient {
	return &scriptedDeliveryClient{statuses: map[string]int{}, delays: map[string]time.Duration{}}
}

func (c *scriptedDeliveryClient) Deliver(ctx context.Context, req DeliveryRequest) (DeliveryResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	status, ok := c.statuses[req.Webhook.ID]
	delay := c.delays[req.Webhook.ID]
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return DeliveryResponse{Attempts: 1}, &DeliveryError{WebhookID: req.Webhook.ID, MessageID: req.MessageID, Attempts: 1, Err: ctx.Err()}
		}
	}
	if !ok {
		status = 200
	}
	if status < 200 || status > 299 {
		return DeliveryResponse{StatusCode: status, Attempts: 3}, &DeliveryError{
			WebhookID:  req.Webhook.ID,
			MessageID:  req.MessageID,
			StatusCode: status,
			Attempts:   3,
		}
	}
	return DeliveryResponse{StatusCode: status, Attempts: 1}, nil
}

func (c *scriptedDeliveryClient) calls(webhookID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, req := range c.requests {
		if req.Webhook.ID == webhookID {
			count++
		}
	}
	return count
}

func (c *scriptedDeliveryClient) lastRequest(webhookID string) (DeliveryRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.requests) - 1; i >= 0; i-- {
		if c.requests[i].Webhook.ID == webhookID {
			return c.requests[i], true
		}
	}
	return DeliveryRequest{}, false
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []*JobExecutionMessage
	err  error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, msg *JobExecutionMessage) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, msg)
	return nil
}

func (e *recordingEnqueuer) last() *JobExecutionMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.jobs) == 0 {
		return nil
	}
	return e.jobs[len(e.jobs)-1]
}

type recordingDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (p *recordingDeadLetters) PublishDeadLetter(_ context.Context, letter DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, letter)
	return nil
}

type serviceFixture struct {
	service  *Service
	store    *memoryStore
	client   *scriptedDeliveryClient
	enqueuer *recordingEnqueuer
	logger   *captureLogger
	metrics  *captureMetricsRecorder
}

func newServiceFixture(store *memoryStore, extra ...Option) (*serviceFixture, error) {
	fixture := &serviceFixture{
		store:    store,
		client:   newScriptedDeliveryClient(),
		enqueuer: &recordingEnqueuer{},
		logger:   newCaptureLogger(),
		metrics:  &captureMetricsRecorder{},
	}
	opts := []Option{
		WithEventTypeStore(store),
		WithAppUserStore(store),
		WithWebhookStore(store),
		WithMessageStore(store),
		WithJobEnqueuer(fixture.enqueuer),
		WithDeliveryClient(fixture.client),
		WithLogger(fixture.logger),
		WithLoggerProvider(stubLoggerProvider{logger: fixture.logger}),
		WithMetricsRecorder(fixture.metrics),
	}
	opts = append(opts, extra...)
	svc, err := NewService(DefaultConfig(), opts...)
	if err != nil {
		return nil, err
	}
	fixture.service = svc
	return fixture, nil
}

// createAndDecode runs intake and returns the decoded job it enqueued.
func (f *serviceFixture) createAndDecode(ctx context.Context, eventTypeID string, payload map[string]any) (Message, DeliveryJob, error) {
	msg, err := f.service.CreateMessage(ctx, CreateMessageRequest{
		AppUserID:     "u1",
		EventTypeID:   eventTypeID,
		Payload:       payload,
		TenantContext: TenantContext{ID: "tenant_1", Name: "Tenant One"},
	})
	if err != nil {
		return Message{}, DeliveryJob{}, err
	}
	job, err := DecodeDeliveryJob(f.enqueuer.last())
	if err != nil {
		return Message{}, DeliveryJob{}, err
	}
	return msg, job, nil
}
