package query

import (
	"strings"

	"github.com/shahreaz0/xwebhook/core"
)

const (
	TypeGetMessage   = "xwebhook.query.message.get"
	TypeListMessages = "xwebhook.query.message.list"
)

type GetMessageMessage struct {
	AppUserID string
	MessageID string
}

func (GetMessageMessage) Type() string { return TypeGetMessage }

func (m GetMessageMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return queryValidationError("message_id", "message id is required")
	}
	return nil
}

type ListMessagesMessage struct {
	Filter core.MessageFilter
}

func (ListMessagesMessage) Type() string { return TypeListMessages }

func (m ListMessagesMessage) Validate() error {
	if strings.TrimSpace(m.Filter.AppUserID) == "" {
		return queryValidationError("app_user_id", "app user id is required")
	}
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	if m.Filter.Offset < 0 {
		return queryValidationError("offset", "offset must be >= 0")
	}
	if m.Filter.DeliverAtFrom != nil && m.Filter.DeliverAtTo != nil &&
		m.Filter.DeliverAtFrom.After(*m.Filter.DeliverAtTo) {
		return queryValidationError("deliver_at_from", "deliverAtFrom must not be after deliverAtTo")
	}
	return nil
}
