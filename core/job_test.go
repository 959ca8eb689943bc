package core

import (
	"testing"
)

func sampleDeliveryJob() DeliveryJob {
	return NewDeliveryJob(Message{
		ID:          "msg_1",
		AppUserID:   "u1",
		EventTypeID: "evt_1",
		Payload:     map[string]any{"orderId": 42},
	}, "order.created", TenantContext{ID: "tenant_1", Name: "Tenant"})
}

func TestEncodeDeliveryJob_ProducesExecutionMessage(t *testing.T) {
	msg, err := EncodeDeliveryJob(sampleDeliveryJob(), "")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if msg.JobID != JobIDMessageDeliver {
		t.Fatalf("expected job id %q, got %q", JobIDMessageDeliver, msg.JobID)
	}
	if msg.ScriptPath != DefaultQueueName {
		t.Fatalf("expected default queue name, got %q", msg.ScriptPath)
	}
	message, ok := msg.Parameters["message"].(map[string]any)
	if !ok {
		t.Fatalf("expected message parameters map")
	}
	if message["appUserId"] != "u1" || message["eventName"] != "order.created" {
		t.Fatalf("unexpected message parameters: %#v", message)
	}
	tenant, ok := msg.Parameters["tenantContext"].(map[string]any)
	if !ok || tenant["id"] != "tenant_1" {
		t.Fatalf("expected tenant context parameters, got %#v", msg.Parameters["tenantContext"])
	}
}

func TestDecodeDeliveryJob_RoundTrip(t *testing.T) {
	encoded, err := EncodeDeliveryJob(sampleDeliveryJob(), "messages")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeDeliveryJob(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Message.ID != "msg_1" || decoded.TenantContext.Name != "Tenant" {
		t.Fatalf("unexpected decoded job: %+v", decoded)
	}
	if decoded.Message.Payload["orderId"] != float64(42) {
		t.Fatalf("expected payload to survive, got %#v", decoded.Message.Payload)
	}
}

func TestEncodeDeliveryJob_RejectsInvalidEventName(t *testing.T) {
	job := sampleDeliveryJob()
	job.Message.EventName = "not-a-resource-action"
	if _, err := EncodeDeliveryJob(job, ""); err == nil {
		t.Fatalf("expected schema validation to reject event name")
	}
}

func TestDecodeDeliveryJob_RejectsForeignJobsAndMissingTenant(t *testing.T) {
	encoded, err := EncodeDeliveryJob(sampleDeliveryJob(), "")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	foreign := *encoded
	foreign.JobID = "other.job"
	if _, err := DecodeDeliveryJob(&foreign); err == nil {
		t.Fatalf("expected foreign job id to be rejected")
	}

	params := map[string]any{"message": encoded.Parameters["message"]}
	if err := ValidateDeliveryJobParameters(params); err == nil {
		t.Fatalf("expected missing tenantContext to be rejected")
	}
	if _, err := DecodeDeliveryJob(nil); err == nil {
		t.Fatalf("expected nil message to be rejected")
	}
}
