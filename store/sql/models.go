package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type eventTypeRecord struct {
	bun.BaseModel `bun:"table:xwebhook_event_types,alias:xet"`

	ID            string    `bun:"id,pk"`
	ApplicationID string    `bun:"application_id,notnull"`
	Name          string    `bun:"name,notnull"`
	Description   string    `bun:"description,notnull"`
	Archived      bool      `bun:"archived,notnull"`
	Deprecated    bool      `bun:"deprecated,notnull"`
	GroupName     string    `bun:"group_name,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type appUserRecord struct {
	bun.BaseModel `bun:"table:xwebhook_app_users,alias:xau"`

	ID            string    `bun:"id,pk"`
	ApplicationID string    `bun:"application_id,notnull"`
	Name          string    `bun:"name,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type webhookRecord struct {
	bun.BaseModel `bun:"table:xwebhook_webhooks,alias:xw"`

	ID        string    `bun:"id,pk"`
	AppUserID string    `bun:"app_user_id,notnull"`
	URL       string    `bun:"url,notnull"`
	Secret    string    `bun:"secret,notnull"`
	Disabled  bool      `bun:"disabled,notnull"`
	Archived  bool      `bun:"archived,notnull"`
	RateLimit *int      `bun:"rate_limit"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookEventTypeRecord struct {
	bun.BaseModel `bun:"table:xwebhook_webhook_event_types,alias:xwet"`

	WebhookID   string `bun:"webhook_id,pk"`
	EventTypeID string `bun:"event_type_id,pk"`
}

type messageRecord struct {
	bun.BaseModel `bun:"table:xwebhook_messages,alias:xm"`

	ID          string         `bun:"id,pk"`
	AppUserID   string         `bun:"app_user_id,notnull"`
	EventTypeID string         `bun:"event_type_id,notnull"`
	Payload     map[string]any `bun:"payload,type:jsonb,notnull"`
	Status      string         `bun:"status,notnull"`
	DeliverAt   *time.Time     `bun:"deliver_at,nullzero"`
	CreatedAt   time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:xwebhook_webhook_deliveries,alias:xwd"`

	ID          string    `bun:"id,pk"`
	MessageID   string    `bun:"message_id,notnull"`
	WebhookID   string    `bun:"webhook_id,notnull"`
	StatusCode  int       `bun:"status_code,notnull"`
	Attempts    int       `bun:"attempts,notnull"`
	DeliveredAt time.Time `bun:"delivered_at,nullzero,notnull,default:current_timestamp"`
}

type throttleStateRecord struct {
	bun.BaseModel `bun:"table:xwebhook_webhook_throttle_states,alias:xwts"`

	WebhookID      string     `bun:"webhook_id,pk"`
	RetryAfterMS   *int64     `bun:"retry_after_ms"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	LastStatus     int        `bun:"last_status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
