package core

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func TestCreateMessage_PersistsPendingAndEnqueuesJob(t *testing.T) {
	fixture, err := newServiceFixture(seedOrderScenario())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	msg, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", map[string]any{"orderId": 42})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.Status != MessageStatusPending {
		t.Fatalf("expected PENDING, got %s", msg.Status)
	}
	if job.Message.ID != msg.ID {
		t.Fatalf("expected job message id %q, got %q", msg.ID, job.Message.ID)
	}
	if job.Message.EventName != "order.created" {
		t.Fatalf("expected event name order.created, got %q", job.Message.EventName)
	}
	if job.TenantContext.ID != "tenant_1" || job.TenantContext.Name != "Tenant One" {
		t.Fatalf("expected tenant context to be carried, got %+v", job.TenantContext)
	}
	if got := job.Message.Payload["orderId"]; got != float64(42) {
		t.Fatalf("expected payload orderId 42, got %#v", got)
	}
	enqueued := fixture.enqueuer.last()
	if enqueued.ScriptPath != DefaultQueueName {
		t.Fatalf("expected queue %q, got %q", DefaultQueueName, enqueued.ScriptPath)
	}
	if enqueued.IdempotencyKey != msg.ID {
		t.Fatalf("expected idempotency key to be message id")
	}
	if !fixture.metrics.hasCounter("xwebhook.create_message.total", "success") {
		t.Fatalf("expected create_message success counter")
	}
}

func TestCreateMessage_ArchivedEventTypeIsValidationError(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = fixture.service.CreateMessage(context.Background(), CreateMessageRequest{
		AppUserID:     "u1",
		EventTypeID:   "evt_archived",
		Payload:       map[string]any{"orderId": 1},
		TenantContext: TenantContext{ID: "tenant_1"},
	})
	if err == nil {
		t.Fatalf("expected archived event type to be rejected")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !errors.Is(err, ErrEventTypeArchived) {
		t.Fatalf("expected ErrEventTypeArchived in chain")
	}
	if store.messageCount() != 0 {
		t.Fatalf("expected no message to be created")
	}
	if fixture.enqueuer.last() != nil {
		t.Fatalf("expected no job to be enqueued")
	}
}

func TestCreateMessage_MalformedEventNameRejectedBeforeInsert(t *testing.T) {
	store := seedOrderScenario()
	store.eventTypes["evt_bad_name"] = EventType{ID: "evt_bad_name", Name: "order created"}
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	_, err = fixture.service.CreateMessage(context.Background(), CreateMessageRequest{
		AppUserID:     "u1",
		EventTypeID:   "evt_bad_name",
		Payload:       map[string]any{"orderId": 1},
		TenantContext: TenantContext{ID: "tenant_1"},
	})
	if err == nil {
		t.Fatalf("expected malformed event name to be rejected")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.messageCount() != 0 {
		t.Fatalf("expected no orphan PENDING message, got %d", store.messageCount())
	}
	if fixture.enqueuer.last() != nil {
		t.Fatalf("expected no job to be enqueued")
	}
}

func TestCreateMessage_UnknownEventTypeIsNotFound(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = fixture.service.CreateMessage(context.Background(), CreateMessageRequest{
		AppUserID:     "u1",
		EventTypeID:   "evt_missing",
		TenantContext: TenantContext{ID: "tenant_1"},
	})
	mapped := MapError(err)
	if mapped == nil || mapped.TextCode != ErrorNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
	if store.messageCount() != 0 || fixture.enqueuer.last() != nil {
		t.Fatalf("expected no message and no job")
	}
}

func TestCreateMessage_RequiresTenantAndIDs(t *testing.T) {
	fixture, err := newServiceFixture(seedOrderScenario())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	cases := []CreateMessageRequest{
		{EventTypeID: "evt_order_created", TenantContext: TenantContext{ID: "t"}},
		{AppUserID: "u1", TenantContext: TenantContext{ID: "t"}},
		{AppUserID: "u1", EventTypeID: "evt_order_created"},
	}
	for _, req := range cases {
		_, err := fixture.service.CreateMessage(context.Background(), req)
		mapped := MapError(err)
		if mapped == nil || mapped.Category != goerrors.CategoryValidation {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestCreateMessage_UnknownAppUser(t *testing.T) {
	fixture, err := newServiceFixture(seedOrderScenario())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = fixture.service.CreateMessage(context.Background(), CreateMessageRequest{
		AppUserID:     "ghost",
		EventTypeID:   "evt_order_created",
		TenantContext: TenantContext{ID: "tenant_1"},
	})
	if !errors.Is(err, ErrAppUserNotFound) {
		t.Fatalf("expected app user not found, got %v", err)
	}
}

func TestCreateMessage_EnqueueFailureLeavesPendingMessage(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.enqueuer.err = errors.New("queue down")

	msg, err := fixture.service.CreateMessage(context.Background(), CreateMessageRequest{
		AppUserID:     "u1",
		EventTypeID:   "evt_order_created",
		TenantContext: TenantContext{ID: "tenant_1"},
	})
	if err == nil {
		t.Fatalf("expected enqueue failure to surface")
	}
	if msg.ID == "" || store.status(msg.ID) != MessageStatusPending {
		t.Fatalf("expected persisted PENDING message, got %+v", msg)
	}
}

func TestGetMessage_EnforcesOwnership(t *testing.T) {
	fixture, err := newServiceFixture(seedOrderScenario())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	msg, _, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fixture.service.GetMessage(context.Background(), "u1", msg.ID); err != nil {
		t.Fatalf("expected owner lookup to succeed: %v", err)
	}
	if _, err := fixture.service.GetMessage(context.Background(), "u2", msg.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected foreign lookup to be not found, got %v", err)
	}
}

func TestListMessages_ValidatesFilter(t *testing.T) {
	fixture, err := newServiceFixture(seedOrderScenario())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := fixture.service.ListMessages(context.Background(), MessageFilter{}); err == nil {
		t.Fatalf("expected app user id to be required")
	}
	if _, err := fixture.service.ListMessages(context.Background(), MessageFilter{
		AppUserID: "u1",
		Statuses:  []MessageStatus{"BOGUS"},
	}); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
	from := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	if _, err := fixture.service.ListMessages(context.Background(), MessageFilter{
		AppUserID:     "u1",
		DeliverAtFrom: &from,
		DeliverAtTo:   &to,
	}); err == nil {
		t.Fatalf("expected inverted deliverAt range to be rejected")
	}

	if _, _, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	page, err := fixture.service.ListMessages(context.Background(), MessageFilter{AppUserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Limit != DefaultMessagePageSize {
		t.Fatalf("expected one message with default page size, got %+v", page)
	}
}

func TestPatchMessage_OverridesStatusWithoutEnqueue(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	msg, _, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	jobsBefore := len(fixture.enqueuer.jobs)

	status := MessageStatusExpired
	updated, err := fixture.service.PatchMessage(context.Background(), "u1", msg.ID, MessagePatch{Status: &status})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if updated.Status != MessageStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", updated.Status)
	}
	if len(fixture.enqueuer.jobs) != jobsBefore {
		t.Fatalf("expected patch not to enqueue")
	}

	bogus := MessageStatus("NOPE")
	if _, err := fixture.service.PatchMessage(context.Background(), "u1", msg.ID, MessagePatch{Status: &bogus}); err == nil {
		t.Fatalf("expected invalid status to be rejected")
	}
}
