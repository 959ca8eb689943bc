package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const deliveryJobSchemaURL = "https://xwebhook.local/schemas/delivery-job.json"

const deliveryJobSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message", "tenantContext"],
  "properties": {
    "message": {
      "type": "object",
      "required": ["id", "appUserId", "eventTypeId", "payload", "eventName"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "appUserId": {"type": "string", "minLength": 1},
        "eventTypeId": {"type": "string", "minLength": 1},
        "payload": {"type": "object"},
        "eventName": {"type": "string", "pattern": "^[a-zA-Z0-9_-]+\\.[a-zA-Z0-9_-]+$"}
      }
    },
    "tenantContext": {
      "type": "object",
      "required": ["id", "name"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"}
      }
    }
  }
}`

var deliveryJobSchema = mustCompileDeliveryJobSchema()

func mustCompileDeliveryJobSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(deliveryJobSchemaURL, strings.NewReader(deliveryJobSchemaJSON)); err != nil {
		panic(fmt.Sprintf("core: add delivery job schema: %v", err))
	}
	schema, err := compiler.Compile(deliveryJobSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("core: compile delivery job schema: %v", err))
	}
	return schema
}

// DeliveryJob is the queue-resident unit of work for one message.
type DeliveryJob struct {
	Message       JobMessage    `json:"message"`
	TenantContext TenantContext `json:"tenantContext"`
}

type JobMessage struct {
	ID          string         `json:"id"`
	AppUserID   string         `json:"appUserId"`
	EventTypeID string         `json:"eventTypeId"`
	Payload     map[string]any `json:"payload"`
	EventName   string         `json:"eventName"`
}

func NewDeliveryJob(message Message, eventName string, tenant TenantContext) DeliveryJob {
	payload := message.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return DeliveryJob{
		Message: JobMessage{
			ID:          message.ID,
			AppUserID:   message.AppUserID,
			EventTypeID: message.EventTypeID,
			Payload:     payload,
			EventName:   eventName,
		},
		TenantContext: tenant,
	}
}

// Validate checks the job against the delivery job schema.
func (j DeliveryJob) Validate() error {
	params, err := toJSONMap(j)
	if err != nil {
		return err
	}
	return ValidateDeliveryJobParameters(params)
}

// ValidateDeliveryJobParameters validates raw queue parameters.
func ValidateDeliveryJobParameters(params map[string]any) error {
	normalized, err := toJSONMap(params)
	if err != nil {
		return err
	}
	if err := deliveryJobSchema.Validate(normalized); err != nil {
		return fmt.Errorf("core: invalid delivery job: %w", err)
	}
	return nil
}

// EncodeDeliveryJob validates the job and wraps it as an execution message.
func EncodeDeliveryJob(job DeliveryJob, queueName string) (*JobExecutionMessage, error) {
	params, err := toJSONMap(job)
	if err != nil {
		return nil, err
	}
	if err := deliveryJobSchema.Validate(params); err != nil {
		return nil, fmt.Errorf("core: invalid delivery job: %w", err)
	}
	if strings.TrimSpace(queueName) == "" {
		queueName = DefaultQueueName
	}
	return &JobExecutionMessage{
		JobID:          JobIDMessageDeliver,
		ScriptPath:     queueName,
		Parameters:     params,
		IdempotencyKey: job.Message.ID,
	}, nil
}

// DecodeDeliveryJob reverses EncodeDeliveryJob, rejecting unknown job ids
// and payloads that do not satisfy the schema.
func DecodeDeliveryJob(msg *JobExecutionMessage) (DeliveryJob, error) {
	if msg == nil {
		return DeliveryJob{}, fmt.Errorf("core: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDMessageDeliver {
		return DeliveryJob{}, fmt.Errorf("core: unsupported job id %q", msg.JobID)
	}
	if err := ValidateDeliveryJobParameters(msg.Parameters); err != nil {
		return DeliveryJob{}, err
	}
	raw, err := json.Marshal(msg.Parameters)
	if err != nil {
		return DeliveryJob{}, fmt.Errorf("core: encode job parameters: %w", err)
	}
	var job DeliveryJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return DeliveryJob{}, fmt.Errorf("core: decode job parameters: %w", err)
	}
	return job, nil
}

func toJSONMap(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("core: encode job: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("core: normalize job: %w", err)
	}
	return out, nil
}
