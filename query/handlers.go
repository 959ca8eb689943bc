package query

import (
	"context"

	"github.com/shahreaz0/xwebhook/core"
)

type MessageReader interface {
	GetMessage(ctx context.Context, appUserID string, messageID string) (core.Message, error)
	ListMessages(ctx context.Context, filter core.MessageFilter) (core.MessagePage, error)
}

type GetMessageQuery struct {
	reader MessageReader
}

func NewGetMessageQuery(reader MessageReader) *GetMessageQuery {
	return &GetMessageQuery{reader: reader}
}

func (q *GetMessageQuery) Query(ctx context.Context, msg GetMessageMessage) (core.Message, error) {
	if q == nil || q.reader == nil {
		return core.Message{}, queryDependencyError("query: message reader is required")
	}
	return q.reader.GetMessage(ctx, msg.AppUserID, msg.MessageID)
}

// ListMessagesQuery pages an app user's messages, newest first.
type ListMessagesQuery struct {
	reader MessageReader
}

func NewListMessagesQuery(reader MessageReader) *ListMessagesQuery {
	return &ListMessagesQuery{reader: reader}
}

func (q *ListMessagesQuery) Query(ctx context.Context, msg ListMessagesMessage) (core.MessagePage, error) {
	if q == nil || q.reader == nil {
		return core.MessagePage{}, queryDependencyError("query: message reader is required")
	}
	return q.reader.ListMessages(ctx, msg.Filter.Normalize())
}
