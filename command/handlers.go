package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/shahreaz0/xwebhook/core"
)

type MutatingService interface {
	CreateMessage(ctx context.Context, req core.CreateMessageRequest) (core.Message, error)
	PatchMessage(ctx context.Context, appUserID string, messageID string, patch core.MessagePatch) (core.Message, error)
}

// CreateMessageCommand accepts a message and stores the persisted record in
// the context result collector, if one is attached.
type CreateMessageCommand struct {
	service MutatingService
}

func NewCreateMessageCommand(service MutatingService) *CreateMessageCommand {
	return &CreateMessageCommand{service: service}
}

func (c *CreateMessageCommand) Execute(ctx context.Context, msg CreateMessageMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: message service is required")
	}
	out, err := c.service.CreateMessage(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type PatchMessageCommand struct {
	service MutatingService
}

func NewPatchMessageCommand(service MutatingService) *PatchMessageCommand {
	return &PatchMessageCommand{service: service}
}

func (c *PatchMessageCommand) Execute(ctx context.Context, msg PatchMessageMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: message service is required")
	}
	out, err := c.service.PatchMessage(ctx, msg.AppUserID, msg.MessageID, msg.Patch)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
