package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HandleJob decodes a queue message and dispatches it. Payloads that fail
// schema validation can never succeed, so they are reported as fatal.
func (s *Service) HandleJob(ctx context.Context, msg *JobExecutionMessage) error {
	job, err := DecodeDeliveryJob(msg)
	if err != nil {
		messageID := ""
		if msg != nil {
			messageID = msg.IdempotencyKey
		}
		return &FatalJobError{MessageID: messageID, Reason: "malformed delivery job", Err: err}
	}
	return s.Dispatch(ctx, job)
}

// Dispatch resolves subscribers for one message, fans out delivery and
// records the aggregated status.
func (s *Service) Dispatch(ctx context.Context, job DeliveryJob) (err error) {
	startedAt := time.Now().UTC()
	messageID := strings.TrimSpace(job.Message.ID)
	fields := map[string]any{
		"message_id":    messageID,
		"app_user_id":   job.Message.AppUserID,
		"event_type_id": job.Message.EventTypeID,
		"event_name":    job.Message.EventName,
		"tenant_id":     job.TenantContext.ID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "dispatch_message", err, fields)
	}()

	if err := s.requireDispatchDependencies(); err != nil {
		return err
	}
	if messageID == "" {
		return &FatalJobError{Reason: "message id is required"}
	}

	// Status writes outlive a job timeout so the final state is recorded.
	statusCtx := context.WithoutCancel(ctx)

	if _, err := s.advanceStatus(statusCtx, messageID, MessageStatusProcessing); err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return &FatalJobError{MessageID: messageID, Reason: "message not found", Err: err}
		}
		return fmt.Errorf("core: mark message processing: %w", err)
	}

	if s.appUsers != nil {
		if _, err := s.appUsers.GetAppUser(ctx, job.Message.AppUserID); err != nil {
			if !errors.Is(err, ErrAppUserNotFound) {
				return fmt.Errorf("core: load app user: %w", err)
			}
			if _, statusErr := s.advanceStatus(statusCtx, messageID, MessageStatusFailed); statusErr != nil {
				s.logError(ctx, "mark message failed", map[string]any{"message_id": messageID, "error": statusErr.Error()})
			}
			fields["message_status"] = string(MessageStatusFailed)
			return &FatalJobError{MessageID: messageID, Reason: "app user not found", Err: err}
		}
	}

	webhooks, err := s.webhooks.ListEligibleWebhooks(ctx, job.Message.AppUserID, job.Message.EventTypeID)
	if err != nil {
		return fmt.Errorf("core: resolve webhooks: %w", err)
	}
	webhooks = filterEligible(webhooks, job.Message.AppUserID, job.Message.EventTypeID)
	fields["webhook_count"] = len(webhooks)

	if len(webhooks) == 0 {
		if _, err := s.advanceStatus(statusCtx, messageID, MessageStatusSkipped); err != nil {
			return fmt.Errorf("core: mark message skipped: %w", err)
		}
		fields["message_status"] = string(MessageStatusSkipped)
		return nil
	}

	outcomes := s.fanOut(ctx, job, webhooks)
	summary := SummarizeOutcomes(outcomes)
	fields["delivered"] = summary.Succeeded
	fields["failed"] = summary.Failed
	fields["message_status"] = string(summary.Status)

	if summary.Status == MessageStatusDelivered {
		if _, err := s.advanceStatus(statusCtx, messageID, MessageStatusDelivered); err != nil {
			return fmt.Errorf("core: mark message delivered: %w", err)
		}
		if summary.Failed > 0 {
			s.logWarn(ctx, "message partially delivered", map[string]any{
				"message_id":         messageID,
				"failed_webhook_ids": webhookIDs(summary.Failures),
				"delivered":          summary.Succeeded,
			})
		}
		return nil
	}

	if _, err := s.advanceStatus(statusCtx, messageID, MessageStatusFailed); err != nil {
		s.logError(ctx, "mark message failed", map[string]any{"message_id": messageID, "error": err.Error()})
	}
	return &JobFailureError{MessageID: messageID, Failures: summary.Failures}
}

func (s *Service) requireDispatchDependencies() error {
	if s == nil {
		return fmt.Errorf("core: service is nil")
	}
	if s.messages == nil {
		return fmt.Errorf("core: message store is required")
	}
	if s.webhooks == nil {
		return fmt.Errorf("core: webhook store is required")
	}
	if s.deliveryClient == nil {
		return fmt.Errorf("core: delivery client is required")
	}
	return nil
}

// filterEligible drops disabled, foreign and unsubscribed webhooks. An empty
// subscription list means the store already applied the join.
func filterEligible(webhooks []Webhook, appUserID string, eventTypeID string) []Webhook {
	out := make([]Webhook, 0, len(webhooks))
	for _, webhook := range webhooks {
		if webhook.AppUserID != appUserID {
			continue
		}
		if webhook.Disabled {
			continue
		}
		if len(webhook.SubscribedEventTypeIDs) > 0 && !webhook.Eligible(eventTypeID) {
			continue
		}
		out = append(out, webhook)
	}
	return out
}

func webhookIDs(outcomes []DeliveryOutcome) []string {
	ids := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		ids = append(ids, outcome.WebhookID)
	}
	return ids
}
