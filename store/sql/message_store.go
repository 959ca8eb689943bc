package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/shahreaz0/xwebhook/core"
	"github.com/uptrace/bun"
)

type MessageStore struct {
	db   *bun.DB
	repo repository.Repository[*messageRecord]
}

func NewMessageStore(db *bun.DB) (*MessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*messageRecord](db, messageHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid message repository wiring: %w", err)
		}
	}
	return &MessageStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *MessageStore) CreateMessage(ctx context.Context, in core.CreateMessageInput) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	in.AppUserID = strings.TrimSpace(in.AppUserID)
	in.EventTypeID = strings.TrimSpace(in.EventTypeID)
	if in.AppUserID == "" || in.EventTypeID == "" {
		return core.Message{}, fmt.Errorf("sqlstore: app user id and event type id are required")
	}
	if strings.TrimSpace(string(in.Status)) == "" {
		in.Status = core.MessageStatusPending
	}
	if !in.Status.Valid() {
		return core.Message{}, fmt.Errorf("%w: %q", core.ErrInvalidMessageStatus, in.Status)
	}
	createdAt := in.CreatedAt.UTC()
	if in.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	record := &messageRecord{
		ID:          uuid.NewString(),
		AppUserID:   in.AppUserID,
		EventTypeID: in.EventTypeID,
		Payload:     copyAnyMap(in.Payload),
		Status:      string(in.Status),
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.Message{}, err
	}
	return record.toDomain(), nil
}

func (s *MessageStore) GetMessage(ctx context.Context, id string) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	record, err := s.find(ctx, s.db, id)
	if err != nil {
		return core.Message{}, err
	}
	return record.toDomain(), nil
}

// UpdateMessageStatus writes status and deliver_at together so a
// DELIVERED row always carries its delivery time.
func (s *MessageStore) UpdateMessageStatus(
	ctx context.Context,
	id string,
	status core.MessageStatus,
	deliverAt *time.Time,
) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	if !status.Valid() {
		return core.Message{}, fmt.Errorf("%w: %q", core.ErrInvalidMessageStatus, status)
	}
	var out core.Message
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := s.find(ctx, tx, id)
		if err != nil {
			return err
		}
		record.Status = string(status)
		record.DeliverAt = copyTimePointer(deliverAt)
		record.UpdatedAt = time.Now().UTC()
		if _, err := tx.NewUpdate().
			Model(record).
			Column("status", "deliver_at", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.Message{}, err
	}
	return out, nil
}

func (s *MessageStore) PatchMessage(ctx context.Context, id string, patch core.MessagePatch) (core.Message, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	record, err := s.find(ctx, s.db, id)
	if err != nil {
		return core.Message{}, err
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return core.Message{}, fmt.Errorf("%w: %q", core.ErrInvalidMessageStatus, *patch.Status)
		}
		record.Status = string(*patch.Status)
	}
	if patch.Payload != nil {
		record.Payload = copyAnyMap(patch.Payload)
	}
	if patch.DeliverAt != nil {
		record.DeliverAt = copyTimePointer(patch.DeliverAt)
	}
	if patch.ClearDeliverAt {
		record.DeliverAt = nil
	}
	record.UpdatedAt = time.Now().UTC()
	updated, err := s.repo.Update(ctx, record, repository.UpdateByID(record.ID))
	if err != nil {
		return core.Message{}, err
	}
	if updated == nil {
		updated = record
	}
	return updated.toDomain(), nil
}

// ListMessages pages through an app user's messages, newest first.
func (s *MessageStore) ListMessages(ctx context.Context, filter core.MessageFilter) (core.MessagePage, error) {
	if s == nil || s.repo == nil {
		return core.MessagePage{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	filter = filter.Normalize()
	if filter.AppUserID == "" {
		return core.MessagePage{}, fmt.Errorf("sqlstore: app user id is required")
	}

	selectors := []repository.SelectCriteria{
		repository.SelectBy("app_user_id", "=", filter.AppUserID),
		repository.OrderBy("created_at DESC"),
		repository.OrderBy("id DESC"),
		repository.SelectPaginate(filter.Limit, filter.Offset),
	}
	if filter.EventTypeID != "" {
		selectors = append(selectors, repository.SelectBy("event_type_id", "=", filter.EventTypeID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.status IN (?)", bun.In(statuses))
		}))
	}
	if filter.DeliverAtFrom != nil {
		from := filter.DeliverAtFrom.UTC()
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deliver_at >= ?", from)
		}))
	}
	if filter.DeliverAtTo != nil {
		to := filter.DeliverAtTo.UTC()
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deliver_at <= ?", to)
		}))
	}

	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return core.MessagePage{}, err
	}
	items := make([]core.Message, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	hasMore := filter.Offset+len(items) < total
	nextOffset := 0
	if hasMore {
		nextOffset = filter.Offset + len(items)
	}
	return core.MessagePage{
		Items:      items,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		HasMore:    hasMore,
		NextOffset: nextOffset,
	}, nil
}

func (s *MessageStore) find(ctx context.Context, db bun.IDB, id string) (*messageRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, core.ErrMessageNotFound
	}
	record := &messageRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrMessageNotFound
		}
		return nil, err
	}
	return record, nil
}

func (r *messageRecord) toDomain() core.Message {
	if r == nil {
		return core.Message{}
	}
	return core.Message{
		ID:          r.ID,
		AppUserID:   r.AppUserID,
		EventTypeID: r.EventTypeID,
		Payload:     copyAnyMap(r.Payload),
		Status:      core.MessageStatus(r.Status),
		DeliverAt:   copyTimePointer(r.DeliverAt),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func copyTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
