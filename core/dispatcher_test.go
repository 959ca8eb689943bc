package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDispatch_DeliversToEnabledSubscribersOnly(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	msg, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", map[string]any{"orderId": 42})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fixture.service.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if fixture.client.calls("w3") != 0 {
		t.Fatalf("expected disabled webhook w3 never to be called")
	}
	for _, id := range []string{"w1", "w2"} {
		req, ok := fixture.client.lastRequest(id)
		if !ok {
			t.Fatalf("expected %s to be called", id)
		}
		if req.EventName != "order.created" {
			t.Fatalf("expected event order.created for %s, got %q", id, req.EventName)
		}
		if req.Payload["orderId"] != float64(42) {
			t.Fatalf("expected payload orderId 42 for %s, got %#v", id, req.Payload)
		}
	}
	got, _ := store.GetMessage(context.Background(), msg.ID)
	if got.Status != MessageStatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", got.Status)
	}
	if got.DeliverAt == nil {
		t.Fatalf("expected deliverAt to be stamped")
	}
	if store.statusLog[1] != MessageStatusProcessing {
		t.Fatalf("expected PROCESSING before terminal status, got %v", store.statusLog)
	}
}

func TestFilterEligible_ArchivedWebhookStaysEligible(t *testing.T) {
	webhooks := []Webhook{
		{ID: "w_archived", AppUserID: "u1", Archived: true, SubscribedEventTypeIDs: []string{"evt_1"}},
		{ID: "w_disabled", AppUserID: "u1", Disabled: true, SubscribedEventTypeIDs: []string{"evt_1"}},
		{ID: "w_foreign", AppUserID: "u2", SubscribedEventTypeIDs: []string{"evt_1"}},
		{ID: "w_other", AppUserID: "u1", SubscribedEventTypeIDs: []string{"evt_2"}},
	}
	got := filterEligible(webhooks, "u1", "evt_1")
	if len(got) != 1 || got[0].ID != "w_archived" {
		t.Fatalf("expected only the archived but enabled webhook, got %+v", got)
	}
}

func TestDispatch_PartialFailureIsDelivered(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.client.statuses["w1"] = 500
	msg, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", map[string]any{"orderId": 42})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fixture.service.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("expected partial failure not to fail the job: %v", err)
	}
	if store.status(msg.ID) != MessageStatusDelivered {
		t.Fatalf("expected DELIVERED, got %s", store.status(msg.ID))
	}
	if !fixture.logger.hasLog("warn", "message partially delivered") {
		t.Fatalf("expected partial delivery warning")
	}
}

func TestDispatch_AllFailuresFailTheJob(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.client.statuses["w1"] = 500
	fixture.client.statuses["w2"] = 500
	msg, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = fixture.service.Dispatch(context.Background(), job)
	var failure *JobFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected JobFailureError, got %v", err)
	}
	if len(failure.Failures) != 2 {
		t.Fatalf("expected two failures, got %d", len(failure.Failures))
	}
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) || deliveryErr.StatusCode != 500 {
		t.Fatalf("expected wrapped delivery error with status 500")
	}
	if store.status(msg.ID) != MessageStatusFailed {
		t.Fatalf("expected FAILED, got %s", store.status(msg.ID))
	}
	if IsFatalJobError(err) {
		t.Fatalf("expected retryable failure")
	}
}

func TestDispatch_NoEligibleWebhooksIsSkipped(t *testing.T) {
	store := seedOrderScenario()
	for i := range store.webhooks {
		store.webhooks[i].Disabled = true
	}
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	msg, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fixture.service.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if store.status(msg.ID) != MessageStatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", store.status(msg.ID))
	}
	if len(fixture.client.requests) != 0 {
		t.Fatalf("expected no delivery calls")
	}
}

func TestDispatch_MissingAppUserIsFatal(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	msg, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	delete(store.appUsers, "u1")

	err = fixture.service.Dispatch(context.Background(), job)
	if !IsFatalJobError(err) {
		t.Fatalf("expected fatal job error, got %v", err)
	}
	if store.status(msg.ID) != MessageStatusFailed {
		t.Fatalf("expected FAILED, got %s", store.status(msg.ID))
	}
	if len(fixture.client.requests) != 0 {
		t.Fatalf("expected no delivery calls")
	}
}

func TestDispatch_RerunRedeliversToEveryWebhook(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.client.statuses["w1"] = 500
	msg, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fixture.service.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	delete(fixture.client.statuses, "w1")
	if err := fixture.service.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	// w2 already succeeded on the first run and is called again.
	if fixture.client.calls("w2") != 2 {
		t.Fatalf("expected w2 to receive a duplicate delivery, got %d calls", fixture.client.calls("w2"))
	}
	if fixture.client.calls("w1") != 2 {
		t.Fatalf("expected w1 to be called twice, got %d", fixture.client.calls("w1"))
	}
	if store.status(msg.ID) != MessageStatusDelivered {
		t.Fatalf("expected DELIVERED to be kept, got %s", store.status(msg.ID))
	}
	if !fixture.logger.hasLog("warn", "message status transition ignored") {
		t.Fatalf("expected terminal transition to be logged")
	}
}

func TestDispatch_LedgerSkipsAlreadyDeliveredWebhooks(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store, WithDeliveryLedger(store))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.client.statuses["w1"] = 500
	_, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fixture.service.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	delete(fixture.client.statuses, "w1")
	if err := fixture.service.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if fixture.client.calls("w2") != 1 {
		t.Fatalf("expected ledger to suppress duplicate delivery to w2, got %d calls", fixture.client.calls("w2"))
	}
	if fixture.client.calls("w1") != 2 {
		t.Fatalf("expected w1 to be retried, got %d calls", fixture.client.calls("w1"))
	}
}

func TestDispatch_FanoutRunsConcurrently(t *testing.T) {
	store := seedOrderScenario()
	fixture, err := newServiceFixture(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.client.delays["w1"] = 200 * time.Millisecond
	fixture.client.delays["w2"] = 200 * time.Millisecond
	_, job, err := fixture.createAndDecode(context.Background(), "evt_order_created", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	startedAt := time.Now()
	if err := fixture.service.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if elapsed := time.Since(startedAt); elapsed >= 390*time.Millisecond {
		t.Fatalf("expected concurrent fan-out, took %s", elapsed)
	}
}

func TestHandleJob_MalformedPayloadIsFatal(t *testing.T) {
	fixture, err := newServiceFixture(seedOrderScenario())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	err = fixture.service.HandleJob(context.Background(), &JobExecutionMessage{
		JobID:          JobIDMessageDeliver,
		IdempotencyKey: "msg_x",
		Parameters:     map[string]any{"message": map[string]any{"id": "msg_x"}},
	})
	var fatal *FatalJobError
	if !errors.As(err, &fatal) || fatal.MessageID != "msg_x" {
		t.Fatalf("expected fatal error for malformed job, got %v", err)
	}
}

func TestSummarizeOutcomes_OrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregated status ignores completion order", prop.ForAll(
		func(results []bool, seed int64) bool {
			outcomes := make([]DeliveryOutcome, len(results))
			for i, ok := range results {
				outcomes[i] = DeliveryOutcome{WebhookID: fmt.Sprintf("w%d", i)}
				if !ok {
					outcomes[i].Err = errors.New("boom")
				}
			}
			shuffled := append([]DeliveryOutcome(nil), outcomes...)
			for i := len(shuffled) - 1; i > 0; i-- {
				j := int((seed + int64(i)*7919) % int64(i+1))
				if j < 0 {
					j = -j
				}
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			}
			left := SummarizeOutcomes(outcomes)
			right := SummarizeOutcomes(shuffled)
			return left.Status == right.Status &&
				left.Succeeded == right.Succeeded &&
				left.Failed == right.Failed
		},
		gen.SliceOf(gen.Bool()),
		gen.Int64(),
	))

	properties.Property("any success delivers", prop.ForAll(
		func(results []bool) bool {
			outcomes := make([]DeliveryOutcome, len(results))
			anySuccess := false
			for i, ok := range results {
				if ok {
					anySuccess = true
				} else {
					outcomes[i].Err = errors.New("boom")
				}
			}
			status := SummarizeOutcomes(outcomes).Status
			if anySuccess {
				return status == MessageStatusDelivered
			}
			return status == MessageStatusFailed
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
