package gocommand

import (
	"context"
	"fmt"

	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/shahreaz0/xwebhook/command"
	"github.com/shahreaz0/xwebhook/core"
	"github.com/shahreaz0/xwebhook/query"
)

type MessageService interface {
	command.MutatingService
	query.MessageReader
}

// MessageBus runs message commands and queries in-process, validating every
// message against its contract before the handler sees it.
type MessageBus struct {
	create *command.CreateMessageCommand
	patch  *command.PatchMessageCommand
	get    *query.GetMessageQuery
	list   *query.ListMessagesQuery
}

func NewMessageBus(service MessageService) (*MessageBus, error) {
	if service == nil {
		return nil, fmt.Errorf("gocommand: message service is required")
	}
	return &MessageBus{
		create: command.NewCreateMessageCommand(service),
		patch:  command.NewPatchMessageCommand(service),
		get:    query.NewGetMessageQuery(service),
		list:   query.NewListMessagesQuery(service),
	}, nil
}

func (b *MessageBus) CreateMessage(ctx context.Context, req core.CreateMessageRequest) (core.Message, error) {
	return execute[command.CreateMessageMessage](ctx, b.create, command.CreateMessageMessage{Request: req})
}

func (b *MessageBus) PatchMessage(
	ctx context.Context,
	appUserID string,
	messageID string,
	patch core.MessagePatch,
) (core.Message, error) {
	return execute[command.PatchMessageMessage](ctx, b.patch, command.PatchMessageMessage{
		AppUserID: appUserID,
		MessageID: messageID,
		Patch:     patch,
	})
}

func (b *MessageBus) GetMessage(ctx context.Context, appUserID string, messageID string) (core.Message, error) {
	msg := query.GetMessageMessage{AppUserID: appUserID, MessageID: messageID}
	if err := ValidateMessageContract(msg); err != nil {
		return core.Message{}, err
	}
	return b.get.Query(ctx, msg)
}

func (b *MessageBus) ListMessages(ctx context.Context, filter core.MessageFilter) (core.MessagePage, error) {
	msg := query.ListMessagesMessage{Filter: filter}
	if err := ValidateMessageContract(msg); err != nil {
		return core.MessagePage{}, err
	}
	return b.list.Query(ctx, msg)
}

// Register subscribes the handlers on the shared dispatcher and records them
// in the registry. Already created subscriptions are released on failure.
func (b *MessageBus) Register(adapter *RegistryAdapter) ([]commanddispatcher.Subscription, error) {
	if b == nil {
		return nil, fmt.Errorf("gocommand: message bus is not configured")
	}
	subscriptions := make([]commanddispatcher.Subscription, 0, 4)
	release := func() {
		for _, sub := range subscriptions {
			sub.Unsubscribe()
		}
	}
	steps := []func() (commanddispatcher.Subscription, error){
		func() (commanddispatcher.Subscription, error) { return RegisterAndSubscribe(adapter, b.create) },
		func() (commanddispatcher.Subscription, error) { return RegisterAndSubscribe(adapter, b.patch) },
		func() (commanddispatcher.Subscription, error) { return RegisterAndSubscribeQuery(adapter, b.get) },
		func() (commanddispatcher.Subscription, error) { return RegisterAndSubscribeQuery(adapter, b.list) },
	}
	for _, step := range steps {
		sub, err := step()
		if err != nil {
			release()
			return nil, err
		}
		subscriptions = append(subscriptions, sub)
	}
	return subscriptions, nil
}

func execute[T any](ctx context.Context, cmd gocmd.Commander[T], msg T) (core.Message, error) {
	if err := ValidateMessageContract(msg); err != nil {
		return core.Message{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	collector := gocmd.NewResult[core.Message]()
	if err := cmd.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return core.Message{}, err
	}
	out, _ := collector.Load()
	return out, nil
}
