// Package xwebhook assembles the webhook delivery engine. Message intake,
// fan-out and the state machine live in core; this package wires them to a
// database, a queue backend, the HTTP delivery client and the HTTP API.
package xwebhook

import "github.com/shahreaz0/xwebhook/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type Message = core.Message

type MessageStatus = core.MessageStatus

type MessageFilter = core.MessageFilter

type MessagePage = core.MessagePage

type MessagePatch = core.MessagePatch

type CreateMessageRequest = core.CreateMessageRequest

type TenantContext = core.TenantContext

type DeliveryJob = core.DeliveryJob

type DeadLetter = core.DeadLetter

type DeadLetterPublisher = core.DeadLetterPublisher

type MetricsRecorder = core.MetricsRecorder

var (
	WithLogger              = core.WithLogger
	WithLoggerProvider      = core.WithLoggerProvider
	WithMetricsRecorder     = core.WithMetricsRecorder
	WithErrorMapper         = core.WithErrorMapper
	WithConfigProvider      = core.WithConfigProvider
	WithOptionsResolver     = core.WithOptionsResolver
	WithPersistenceClient   = core.WithPersistenceClient
	WithRepositoryFactory   = core.WithRepositoryFactory
	WithJobEnqueuer         = core.WithJobEnqueuer
	WithDeliveryClient      = core.WithDeliveryClient
	WithDeliveryLedger      = core.WithDeliveryLedger
	WithDeadLetterPublisher = core.WithDeadLetterPublisher
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}
