package core

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrEventTypeNotFound              = errors.New("core: event type not found")
	ErrEventTypeArchived              = errors.New("core: event type is archived")
	ErrAppUserNotFound                = errors.New("core: app user not found")
	ErrMessageNotFound                = errors.New("core: message not found")
	ErrInvalidMessageStatus           = errors.New("core: invalid message status")
	ErrInvalidMessageStatusTransition = errors.New("core: invalid message status transition")
	ErrInvalidEventTypeName           = errors.New("core: invalid event type name")
)

var eventTypeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+$`)

// ValidateEventTypeName enforces the resource.action naming format.
func ValidateEventTypeName(name string) error {
	if !eventTypeNamePattern.MatchString(strings.TrimSpace(name)) {
		return fmt.Errorf("%w: %q", ErrInvalidEventTypeName, name)
	}
	return nil
}

type EventType struct {
	ID            string
	ApplicationID string
	Name          string
	Description   string
	Archived      bool
	Deprecated    bool
	GroupName     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type AppUser struct {
	ID            string
	ApplicationID string
	Name          string
	CreatedAt     time.Time
}

type Webhook struct {
	ID                     string
	AppUserID              string
	URL                    string
	Secret                 string
	Disabled               bool
	Archived               bool
	RateLimit              *int
	SubscribedEventTypeIDs []string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Eligible reports whether the webhook may receive the given event type.
func (w Webhook) Eligible(eventTypeID string) bool {
	if w.Disabled {
		return false
	}
	for _, id := range w.SubscribedEventTypeIDs {
		if id == eventTypeID {
			return true
		}
	}
	return false
}

type TenantContext struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "PENDING"
	MessageStatusProcessing MessageStatus = "PROCESSING"
	MessageStatusDelivered  MessageStatus = "DELIVERED"
	MessageStatusFailed     MessageStatus = "FAILED"
	MessageStatusRetrying   MessageStatus = "RETRYING"
	MessageStatusSkipped    MessageStatus = "SKIPPED"
	MessageStatusExpired    MessageStatus = "EXPIRED"
)

var messageStatuses = []MessageStatus{
	MessageStatusPending,
	MessageStatusProcessing,
	MessageStatusDelivered,
	MessageStatusFailed,
	MessageStatusRetrying,
	MessageStatusSkipped,
	MessageStatusExpired,
}

// ParseMessageStatus normalizes case and rejects unknown values.
func ParseMessageStatus(value string) (MessageStatus, error) {
	candidate := MessageStatus(strings.ToUpper(strings.TrimSpace(value)))
	for _, status := range messageStatuses {
		if status == candidate {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMessageStatus, value)
}

func (s MessageStatus) Valid() bool {
	_, err := ParseMessageStatus(string(s))
	return err == nil
}

// Terminal statuses never transition again.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageStatusDelivered, MessageStatusSkipped, MessageStatusExpired:
		return true
	default:
		return false
	}
}

type Message struct {
	ID          string
	AppUserID   string
	EventTypeID string
	Payload     map[string]any
	Status      MessageStatus
	DeliverAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TransitionTo moves the message along the delivery lifecycle. Re-applying
// the current status is a no-op so retried jobs can write freely.
func (m *Message) TransitionTo(status MessageStatus, now time.Time) error {
	if m == nil {
		return nil
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMessageStatus, status)
	}
	if m.Status == status {
		return nil
	}
	if !messageTransitionAllowed(m.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidMessageStatusTransition, m.Status, status)
	}
	m.Status = status
	m.DeliverAt = DeliverAtFor(status, now)
	m.UpdatedAt = now
	return nil
}

// DeliverAtFor stamps delivery time only for DELIVERED.
func DeliverAtFor(status MessageStatus, now time.Time) *time.Time {
	if status != MessageStatusDelivered {
		return nil
	}
	stamped := now.UTC()
	return &stamped
}

func messageTransitionAllowed(current, next MessageStatus) bool {
	allowed := map[MessageStatus]map[MessageStatus]struct{}{
		MessageStatusPending: {
			MessageStatusProcessing: {},
			MessageStatusFailed:     {},
			MessageStatusExpired:    {},
		},
		MessageStatusProcessing: {
			MessageStatusDelivered: {},
			MessageStatusFailed:    {},
			MessageStatusSkipped:   {},
			MessageStatusRetrying:  {},
			MessageStatusExpired:   {},
		},
		MessageStatusFailed: {
			MessageStatusProcessing: {},
			MessageStatusRetrying:   {},
			MessageStatusExpired:    {},
		},
		MessageStatusRetrying: {
			MessageStatusProcessing: {},
			MessageStatusFailed:     {},
			MessageStatusExpired:    {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

type CreateMessageRequest struct {
	AppUserID     string
	EventTypeID   string
	Payload       map[string]any
	TenantContext TenantContext
}

type CreateMessageInput struct {
	AppUserID   string
	EventTypeID string
	Payload     map[string]any
	Status      MessageStatus
	CreatedAt   time.Time
}

// MessagePatch is an operator override; nil fields are left untouched.
type MessagePatch struct {
	Status         *MessageStatus
	Payload        map[string]any
	DeliverAt      *time.Time
	ClearDeliverAt bool
}

func (p MessagePatch) Empty() bool {
	return p.Status == nil && p.Payload == nil && p.DeliverAt == nil && !p.ClearDeliverAt
}

const (
	DefaultMessagePageSize = 50
	MaxMessagePageSize     = 500
)

type MessageFilter struct {
	AppUserID     string
	Statuses      []MessageStatus
	EventTypeID   string
	DeliverAtFrom *time.Time
	DeliverAtTo   *time.Time
	Limit         int
	Offset        int
}

// Normalize clamps paging and trims identifiers.
func (f MessageFilter) Normalize() MessageFilter {
	out := f
	out.AppUserID = strings.TrimSpace(out.AppUserID)
	out.EventTypeID = strings.TrimSpace(out.EventTypeID)
	if out.Limit <= 0 {
		out.Limit = DefaultMessagePageSize
	}
	if out.Limit > MaxMessagePageSize {
		out.Limit = MaxMessagePageSize
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	out.Statuses = append([]MessageStatus(nil), f.Statuses...)
	return out
}

type MessagePage struct {
	Items      []Message
	Total      int
	Limit      int
	Offset     int
	HasMore    bool
	NextOffset int
}
