// Package kafkadlq publishes exhausted delivery jobs to a Kafka topic.
package kafkadlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shahreaz0/xwebhook/core"
)

const DefaultTopic = "xwebhook.dead-letters"

type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// ParseBrokers splits a comma separated KAFKA_BROKERS value.
func ParseBrokers(value string) []string {
	parts := strings.Split(value, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			brokers = append(brokers, part)
		}
	}
	return brokers
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
	topic  string
}

// Record is the JSON value written for each dead letter.
type Record struct {
	JobID         string             `json:"jobId"`
	MessageID     string             `json:"messageId"`
	AppUserID     string             `json:"appUserId"`
	EventTypeID   string             `json:"eventTypeId"`
	EventName     string             `json:"eventName"`
	Payload       map[string]any     `json:"payload"`
	TenantContext core.TenantContext `json:"tenantContext"`
	Attempts      int                `json:"attempts"`
	Reason        string             `json:"reason"`
	FailedAt      time.Time          `json:"failedAt"`
}

func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkadlq: at least one broker is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		WriteTimeout:           timeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: writer, topic: topic}, nil
}

func newWithWriter(writer messageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

func (p *Publisher) Topic() string {
	if p == nil {
		return ""
	}
	return p.topic
}

// PublishDeadLetter keys records by message id so every dead letter of one
// message lands on the same partition.
func (p *Publisher) PublishDeadLetter(ctx context.Context, letter core.DeadLetter) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafkadlq: publisher is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record := Record{
		JobID:         letter.JobID,
		MessageID:     letter.Job.Message.ID,
		AppUserID:     letter.Job.Message.AppUserID,
		EventTypeID:   letter.Job.Message.EventTypeID,
		EventName:     letter.Job.Message.EventName,
		Payload:       letter.Job.Message.Payload,
		TenantContext: letter.Job.TenantContext,
		Attempts:      letter.Attempts,
		Reason:        letter.Reason,
		FailedAt:      letter.FailedAt.UTC(),
	}
	if record.Payload == nil {
		record.Payload = map[string]any{}
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafkadlq: encode dead letter: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(record.MessageID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "job-id", Value: []byte(letter.JobID)},
			{Key: "attempts", Value: []byte(strconv.Itoa(letter.Attempts))},
		},
		Time: record.FailedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafkadlq: write dead letter %s: %w", record.MessageID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

var _ core.DeadLetterPublisher = (*Publisher)(nil)
