package core

import (
	"context"
	"errors"
	"strings"
)

// MessageLifecycleHook projects job worker events onto message status.
// Retries move a FAILED message to RETRYING; exhausted jobs become EXPIRED
// and are published as dead letters.
type MessageLifecycleHook struct {
	service *Service
}

func (s *Service) LifecycleHook() *MessageLifecycleHook {
	return &MessageLifecycleHook{service: s}
}

func (h *MessageLifecycleHook) OnStart(ctx context.Context, event JobWorkerEvent) {
	if h == nil || h.service == nil {
		return
	}
	h.service.logDebug(ctx, "delivery job started", map[string]any{
		"message_id": jobMessageID(event.Message),
		"attempt":    event.Attempt,
	})
}

func (h *MessageLifecycleHook) OnSuccess(ctx context.Context, event JobWorkerEvent) {
	if h == nil || h.service == nil {
		return
	}
	h.service.logInfo(ctx, "delivery job completed", map[string]any{
		"message_id":  jobMessageID(event.Message),
		"attempt":     event.Attempt,
		"duration_ms": event.Duration.Milliseconds(),
	})
}

func (h *MessageLifecycleHook) OnRetry(ctx context.Context, event JobWorkerEvent) {
	if h == nil || h.service == nil || h.service.messages == nil {
		return
	}
	messageID := jobMessageID(event.Message)
	if messageID == "" {
		return
	}
	statusCtx := context.WithoutCancel(ctx)
	current, err := h.service.messages.GetMessage(statusCtx, messageID)
	if err != nil {
		h.service.logWarn(ctx, "load message for retry failed", map[string]any{"message_id": messageID, "error": err.Error()})
		return
	}
	if current.Status != MessageStatusFailed {
		return
	}
	if _, err := h.service.advanceStatus(statusCtx, messageID, MessageStatusRetrying); err != nil {
		h.service.logWarn(ctx, "mark message retrying failed", map[string]any{"message_id": messageID, "error": err.Error()})
		return
	}
	h.service.logInfo(ctx, "message scheduled for retry", map[string]any{
		"message_id": messageID,
		"attempt":    event.Attempt,
		"delay_ms":   event.Delay.Milliseconds(),
	})
}

func (h *MessageLifecycleHook) OnFailure(ctx context.Context, event JobWorkerEvent) {
	if h == nil || h.service == nil {
		return
	}
	messageID := jobMessageID(event.Message)
	fields := map[string]any{"message_id": messageID, "attempt": event.Attempt}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
	}

	var fatal *FatalJobError
	if errors.As(event.Err, &fatal) {
		h.service.logError(ctx, "delivery job discarded", fields)
		return
	}

	statusCtx := context.WithoutCancel(ctx)
	if messageID != "" && h.service.messages != nil {
		if _, err := h.service.advanceStatus(statusCtx, messageID, MessageStatusExpired); err != nil {
			h.service.logWarn(ctx, "mark message expired failed", map[string]any{"message_id": messageID, "error": err.Error()})
		}
	}
	h.service.logError(ctx, "delivery job exhausted", fields)
	h.service.recordCounter(ctx, metricPrefix+"dead_letter.total", 1, map[string]string{"reason": "exhausted"})

	if h.service.deadLetters == nil || event.Message == nil {
		return
	}
	job, err := DecodeDeliveryJob(event.Message)
	if err != nil {
		h.service.logWarn(ctx, "decode dead letter job failed", map[string]any{"message_id": messageID, "error": err.Error()})
		return
	}
	reason := "max attempts reached"
	if event.Err != nil {
		reason = event.Err.Error()
	}
	if err := h.service.deadLetters.PublishDeadLetter(statusCtx, DeadLetter{
		Job:      job,
		JobID:    event.Message.JobID,
		Attempts: event.Attempt,
		Reason:   reason,
		FailedAt: h.service.now(),
	}); err != nil {
		h.service.logError(ctx, "publish dead letter failed", map[string]any{"message_id": messageID, "error": err.Error()})
	}
}

func jobMessageID(msg *JobExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	if message, ok := msg.Parameters["message"].(map[string]any); ok {
		if id, ok := message["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
