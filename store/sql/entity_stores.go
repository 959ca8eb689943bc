package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shahreaz0/xwebhook/core"
	"github.com/uptrace/bun"
)

// EventTypeStore reads event types written by the management surface.
type EventTypeStore struct {
	db        *bun.DB
	onArchive []func(ctx context.Context, id string) error
}

// OnArchive registers fn to run after SetArchived changes a row, so read
// caches can drop the entry.
func (s *EventTypeStore) OnArchive(fn func(ctx context.Context, id string) error) {
	if s == nil || fn == nil {
		return
	}
	s.onArchive = append(s.onArchive, fn)
}

// IsArchived reads only the archive flag.
func (s *EventTypeStore) IsArchived(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: event type store is not configured")
	}
	var archived bool
	err := s.db.NewSelect().
		Model((*eventTypeRecord)(nil)).
		Column("archived").
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx, &archived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, core.ErrEventTypeNotFound
		}
		return false, err
	}
	return archived, nil
}

func NewEventTypeStore(db *bun.DB) (*EventTypeStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &EventTypeStore{db: db}, nil
}

func (s *EventTypeStore) GetEventType(ctx context.Context, id string) (core.EventType, error) {
	if s == nil || s.db == nil {
		return core.EventType{}, fmt.Errorf("sqlstore: event type store is not configured")
	}
	record := &eventTypeRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.EventType{}, core.ErrEventTypeNotFound
		}
		return core.EventType{}, err
	}
	return record.toDomain(), nil
}

// CreateEventType seeds an event type. Names must follow resource.action.
func (s *EventTypeStore) CreateEventType(ctx context.Context, eventType core.EventType) (core.EventType, error) {
	if s == nil || s.db == nil {
		return core.EventType{}, fmt.Errorf("sqlstore: event type store is not configured")
	}
	if err := core.ValidateEventTypeName(eventType.Name); err != nil {
		return core.EventType{}, err
	}
	if strings.TrimSpace(eventType.ApplicationID) == "" {
		return core.EventType{}, fmt.Errorf("sqlstore: application id is required")
	}
	now := time.Now().UTC()
	record := &eventTypeRecord{
		ID:            defaultID(eventType.ID),
		ApplicationID: strings.TrimSpace(eventType.ApplicationID),
		Name:          strings.TrimSpace(eventType.Name),
		Description:   eventType.Description,
		Archived:      eventType.Archived,
		Deprecated:    eventType.Deprecated,
		GroupName:     strings.TrimSpace(eventType.GroupName),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.EventType{}, err
	}
	return record.toDomain(), nil
}

// SetArchived flips the archive flag used by message intake.
func (s *EventTypeStore) SetArchived(ctx context.Context, id string, archived bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: event type store is not configured")
	}
	id = strings.TrimSpace(id)
	if _, err := s.db.NewUpdate().
		Model((*eventTypeRecord)(nil)).
		Set("archived = ?", archived).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx); err != nil {
		return err
	}
	for _, fn := range s.onArchive {
		if err := fn(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *eventTypeRecord) toDomain() core.EventType {
	if r == nil {
		return core.EventType{}
	}
	return core.EventType{
		ID:            r.ID,
		ApplicationID: r.ApplicationID,
		Name:          r.Name,
		Description:   r.Description,
		Archived:      r.Archived,
		Deprecated:    r.Deprecated,
		GroupName:     r.GroupName,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type AppUserStore struct {
	db *bun.DB
}

func NewAppUserStore(db *bun.DB) (*AppUserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &AppUserStore{db: db}, nil
}

func (s *AppUserStore) GetAppUser(ctx context.Context, id string) (core.AppUser, error) {
	if s == nil || s.db == nil {
		return core.AppUser{}, fmt.Errorf("sqlstore: app user store is not configured")
	}
	record := &appUserRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.AppUser{}, core.ErrAppUserNotFound
		}
		return core.AppUser{}, err
	}
	return core.AppUser{
		ID:            record.ID,
		ApplicationID: record.ApplicationID,
		Name:          record.Name,
		CreatedAt:     record.CreatedAt,
	}, nil
}

func (s *AppUserStore) CreateAppUser(ctx context.Context, appUser core.AppUser) (core.AppUser, error) {
	if s == nil || s.db == nil {
		return core.AppUser{}, fmt.Errorf("sqlstore: app user store is not configured")
	}
	if strings.TrimSpace(appUser.ApplicationID) == "" {
		return core.AppUser{}, fmt.Errorf("sqlstore: application id is required")
	}
	record := &appUserRecord{
		ID:            defaultID(appUser.ID),
		ApplicationID: strings.TrimSpace(appUser.ApplicationID),
		Name:          strings.TrimSpace(appUser.Name),
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.AppUser{}, err
	}
	return core.AppUser{
		ID:            record.ID,
		ApplicationID: record.ApplicationID,
		Name:          record.Name,
		CreatedAt:     record.CreatedAt,
	}, nil
}

type WebhookStore struct {
	db *bun.DB
}

func NewWebhookStore(db *bun.DB) (*WebhookStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &WebhookStore{db: db}, nil
}

// ListEligibleWebhooks joins subscriptions so only enabled webhooks
// subscribed to eventTypeID are returned. The archived flag belongs to the
// management layer and does not affect delivery.
func (s *WebhookStore) ListEligibleWebhooks(ctx context.Context, appUserID string, eventTypeID string) ([]core.Webhook, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook store is not configured")
	}
	appUserID = strings.TrimSpace(appUserID)
	eventTypeID = strings.TrimSpace(eventTypeID)
	if appUserID == "" || eventTypeID == "" {
		return nil, fmt.Errorf("sqlstore: app user id and event type id are required")
	}

	var records []webhookRecord
	err := s.db.NewSelect().
		Model(&records).
		Join("JOIN xwebhook_webhook_event_types AS xwet ON xwet.webhook_id = ?TableAlias.id").
		Where("?TableAlias.app_user_id = ?", appUserID).
		Where("xwet.event_type_id = ?", eventTypeID).
		Where("?TableAlias.disabled = ?", false).
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Webhook, 0, len(records))
	for i := range records {
		hook := records[i].toDomain()
		hook.SubscribedEventTypeIDs = []string{eventTypeID}
		out = append(out, hook)
	}
	return out, nil
}

// CreateWebhook stores the webhook and its event type subscriptions in one
// transaction.
func (s *WebhookStore) CreateWebhook(ctx context.Context, webhook core.Webhook) (core.Webhook, error) {
	if s == nil || s.db == nil {
		return core.Webhook{}, fmt.Errorf("sqlstore: webhook store is not configured")
	}
	if strings.TrimSpace(webhook.AppUserID) == "" {
		return core.Webhook{}, fmt.Errorf("sqlstore: app user id is required")
	}
	if strings.TrimSpace(webhook.URL) == "" {
		return core.Webhook{}, fmt.Errorf("sqlstore: webhook url is required")
	}
	if webhook.RateLimit != nil && *webhook.RateLimit < 0 {
		return core.Webhook{}, fmt.Errorf("sqlstore: webhook rate limit must not be negative")
	}
	now := time.Now().UTC()
	record := &webhookRecord{
		ID:        defaultID(webhook.ID),
		AppUserID: strings.TrimSpace(webhook.AppUserID),
		URL:       strings.TrimSpace(webhook.URL),
		Secret:    webhook.Secret,
		Disabled:  webhook.Disabled,
		Archived:  webhook.Archived,
		RateLimit: copyIntPointer(webhook.RateLimit),
		CreatedAt: now,
		UpdatedAt: now,
	}
	subscriptions := dedupeIDs(webhook.SubscribedEventTypeIDs)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return err
		}
		if len(subscriptions) == 0 {
			return nil
		}
		links := make([]webhookEventTypeRecord, 0, len(subscriptions))
		for _, eventTypeID := range subscriptions {
			links = append(links, webhookEventTypeRecord{WebhookID: record.ID, EventTypeID: eventTypeID})
		}
		_, err := tx.NewInsert().Model(&links).Exec(ctx)
		return err
	})
	if err != nil {
		return core.Webhook{}, err
	}
	out := record.toDomain()
	out.SubscribedEventTypeIDs = subscriptions
	return out, nil
}

func (s *WebhookStore) SetDisabled(ctx context.Context, id string, disabled bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*webhookRecord)(nil)).
		Set("disabled = ?", disabled).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

func (r *webhookRecord) toDomain() core.Webhook {
	if r == nil {
		return core.Webhook{}
	}
	return core.Webhook{
		ID:        r.ID,
		AppUserID: r.AppUserID,
		URL:       r.URL,
		Secret:    r.Secret,
		Disabled:  r.Disabled,
		Archived:  r.Archived,
		RateLimit: copyIntPointer(r.RateLimit),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func defaultID(id string) string {
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		return trimmed
	}
	return uuid.NewString()
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func copyIntPointer(input *int) *int {
	if input == nil {
		return nil
	}
	value := *input
	return &value
}
