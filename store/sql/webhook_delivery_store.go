package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/shahreaz0/xwebhook/core"
	"github.com/uptrace/bun"
)

// WebhookDeliveryStore is the per-webhook success ledger. A row exists only
// once a webhook accepted the message.
type WebhookDeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookDeliveryRecord]
}

func NewWebhookDeliveryStore(db *bun.DB) (*WebhookDeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookDeliveryRecord](db, webhookDeliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook delivery repository wiring: %w", err)
		}
	}
	return &WebhookDeliveryStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *WebhookDeliveryStore) Delivered(ctx context.Context, messageID string, webhookID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	return s.db.NewSelect().
		Model((*webhookDeliveryRecord)(nil)).
		Where("?TableAlias.message_id = ?", strings.TrimSpace(messageID)).
		Where("?TableAlias.webhook_id = ?", strings.TrimSpace(webhookID)).
		Exists(ctx)
}

// RecordDelivered is idempotent; a second record for the same pair keeps
// the first row.
func (s *WebhookDeliveryStore) RecordDelivered(ctx context.Context, record core.DeliveryRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	messageID := strings.TrimSpace(record.MessageID)
	webhookID := strings.TrimSpace(record.WebhookID)
	if messageID == "" || webhookID == "" {
		return fmt.Errorf("sqlstore: message id and webhook id are required")
	}
	deliveredAt := record.DeliveredAt.UTC()
	if record.DeliveredAt.IsZero() {
		deliveredAt = time.Now().UTC()
	}
	row := &webhookDeliveryRecord{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		WebhookID:   webhookID,
		StatusCode:  record.StatusCode,
		Attempts:    record.Attempts,
		DeliveredAt: deliveredAt,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

// ListByMessage returns ledger rows for a message in delivery order.
func (s *WebhookDeliveryStore) ListByMessage(ctx context.Context, messageID string) ([]core.DeliveryRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("message_id", "=", strings.TrimSpace(messageID)),
		repository.OrderBy("delivered_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeliveryRecord, 0, len(records))
	for _, record := range records {
		out = append(out, core.DeliveryRecord{
			MessageID:   record.MessageID,
			WebhookID:   record.WebhookID,
			StatusCode:  record.StatusCode,
			Attempts:    record.Attempts,
			DeliveredAt: record.DeliveredAt,
		})
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
