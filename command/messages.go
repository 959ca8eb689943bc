package command

import (
	"strings"

	"github.com/shahreaz0/xwebhook/core"
)

const (
	TypeCreateMessage = "xwebhook.command.message.create"
	TypePatchMessage  = "xwebhook.command.message.patch"
)

type CreateMessageMessage struct {
	Request core.CreateMessageRequest
}

func (CreateMessageMessage) Type() string { return TypeCreateMessage }

func (m CreateMessageMessage) Validate() error {
	if strings.TrimSpace(m.Request.AppUserID) == "" {
		return commandValidationError("app_user_id", "app user id is required")
	}
	if strings.TrimSpace(m.Request.EventTypeID) == "" {
		return commandValidationError("event_type_id", "event type id is required")
	}
	if strings.TrimSpace(m.Request.TenantContext.ID) == "" {
		return commandValidationError("tenant_context.id", "tenant id is required")
	}
	return nil
}

type PatchMessageMessage struct {
	AppUserID string
	MessageID string
	Patch     core.MessagePatch
}

func (PatchMessageMessage) Type() string { return TypePatchMessage }

func (m PatchMessageMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return commandValidationError("message_id", "message id is required")
	}
	if m.Patch.Status != nil && !m.Patch.Status.Valid() {
		return commandValidationError("status", "unknown message status")
	}
	if m.Patch.DeliverAt != nil && m.Patch.ClearDeliverAt {
		return commandValidationError("deliver_at", "deliver_at cannot be set and cleared together")
	}
	return nil
}
