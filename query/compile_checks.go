package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/shahreaz0/xwebhook/core"
)

var (
	_ gocmd.Querier[GetMessageMessage, core.Message]       = (*GetMessageQuery)(nil)
	_ gocmd.Querier[ListMessagesMessage, core.MessagePage] = (*ListMessagesQuery)(nil)
)
