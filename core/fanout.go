package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type FanoutSummary struct {
	Status    MessageStatus
	Succeeded int
	Failed    int
	Failures  []DeliveryOutcome
}

// SummarizeOutcomes applies the at-least-one-success policy. The result is
// independent of outcome order.
func SummarizeOutcomes(outcomes []DeliveryOutcome) FanoutSummary {
	summary := FanoutSummary{Status: MessageStatusFailed}
	for _, outcome := range outcomes {
		if outcome.Succeeded() {
			summary.Succeeded++
			continue
		}
		summary.Failed++
		summary.Failures = append(summary.Failures, outcome)
	}
	if summary.Succeeded > 0 {
		summary.Status = MessageStatusDelivered
	}
	return summary
}

// fanOut delivers to every webhook concurrently and waits for all of them.
// Each task owns one slot of the outcome slice.
func (s *Service) fanOut(ctx context.Context, job DeliveryJob, webhooks []Webhook) []DeliveryOutcome {
	outcomes := make([]DeliveryOutcome, len(webhooks))

	var limiter *semaphore.Weighted
	if limit := s.config.Fanout.MaxConcurrency; limit > 0 {
		limiter = semaphore.NewWeighted(int64(limit))
	}

	var wg sync.WaitGroup
	for i, webhook := range webhooks {
		wg.Add(1)
		go func(slot int, webhook Webhook) {
			defer wg.Done()
			defer func() {
				if recovered := recover(); recovered != nil {
					outcomes[slot] = DeliveryOutcome{
						WebhookID: webhook.ID,
						Err: &DeliveryError{
							WebhookID: webhook.ID,
							MessageID: job.Message.ID,
							Err:       fmt.Errorf("core: delivery panic: %v", recovered),
						},
					}
				}
			}()
			if limiter != nil {
				if err := limiter.Acquire(ctx, 1); err != nil {
					outcomes[slot] = DeliveryOutcome{
						WebhookID: webhook.ID,
						Err:       &DeliveryError{WebhookID: webhook.ID, MessageID: job.Message.ID, Err: err},
					}
					return
				}
				defer limiter.Release(1)
			}
			outcomes[slot] = s.deliverOne(ctx, job, webhook)
		}(i, webhook)
	}
	wg.Wait()
	return outcomes
}

func (s *Service) deliverOne(ctx context.Context, job DeliveryJob, webhook Webhook) DeliveryOutcome {
	messageID := job.Message.ID
	if s.ledger != nil {
		delivered, err := s.ledger.Delivered(ctx, messageID, webhook.ID)
		if err != nil {
			s.logWarn(ctx, "delivery ledger lookup failed", map[string]any{
				"message_id": messageID,
				"webhook_id": webhook.ID,
				"error":      err.Error(),
			})
		} else if delivered {
			return DeliveryOutcome{WebhookID: webhook.ID, AlreadyDelivered: true}
		}
	}

	startedAt := time.Now().UTC()
	response, err := s.deliveryClient.Deliver(ctx, DeliveryRequest{
		Webhook:   webhook,
		MessageID: messageID,
		EventName: job.Message.EventName,
		Payload:   job.Message.Payload,
	})
	tags := map[string]string{"event_name": job.Message.EventName, "status": "success"}
	if err != nil {
		tags["status"] = "failure"
	}
	s.recordCounter(ctx, metricPrefix+"webhook_delivery.total", 1, tags)
	s.recordHistogram(ctx, metricPrefix+"webhook_delivery.duration_ms", float64(time.Since(startedAt).Milliseconds()), tags)

	if err != nil {
		s.logWarn(ctx, "webhook delivery failed", map[string]any{
			"message_id": messageID,
			"webhook_id": webhook.ID,
			"attempts":   response.Attempts,
			"error":      err.Error(),
		})
		return DeliveryOutcome{WebhookID: webhook.ID, Response: response, Err: err}
	}

	if s.ledger != nil {
		if recordErr := s.ledger.RecordDelivered(context.WithoutCancel(ctx), DeliveryRecord{
			MessageID:   messageID,
			WebhookID:   webhook.ID,
			StatusCode:  response.StatusCode,
			Attempts:    response.Attempts,
			DeliveredAt: s.now(),
		}); recordErr != nil {
			s.logWarn(ctx, "delivery ledger record failed", map[string]any{
				"message_id": messageID,
				"webhook_id": webhook.ID,
				"error":      recordErr.Error(),
			})
		}
	}
	return DeliveryOutcome{WebhookID: webhook.ID, Response: response}
}
