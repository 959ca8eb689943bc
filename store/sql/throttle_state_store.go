package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/shahreaz0/xwebhook/ratelimit"
	"github.com/uptrace/bun"
)

// ThrottleStateStore persists learned throttle windows so every worker
// sees a webhook's Retry-After.
type ThrottleStateStore struct {
	db   *bun.DB
	repo repository.Repository[*throttleStateRecord]
}

func NewThrottleStateStore(db *bun.DB) (*ThrottleStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*throttleStateRecord](db, throttleStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid throttle state repository wiring: %w", err)
		}
	}
	return &ThrottleStateStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *ThrottleStateStore) Get(ctx context.Context, webhookID string) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: throttle state store is not configured")
	}
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return ratelimit.State{}, fmt.Errorf("sqlstore: webhook id is required")
	}
	record, err := findThrottleState(ctx, s.db, webhookID)
	if err != nil {
		return ratelimit.State{}, err
	}
	if record == nil {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return record.toDomain(), nil
}

func (s *ThrottleStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: throttle state store is not configured")
	}
	state.WebhookID = strings.TrimSpace(state.WebhookID)
	if state.WebhookID == "" {
		return fmt.Errorf("sqlstore: webhook id is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := findThrottleState(ctx, tx, state.WebhookID)
		if err != nil {
			return err
		}
		record := newThrottleStateRecord(state)
		if existing == nil {
			_, err := tx.NewInsert().Model(record).Exec(ctx)
			return err
		}
		_, err = tx.NewUpdate().
			Model(record).
			Where("webhook_id = ?", record.WebhookID).
			Exec(ctx)
		return err
	})
}

// ListThrottled returns webhooks whose throttle window is still open at now.
func (s *ThrottleStateStore) ListThrottled(ctx context.Context, now time.Time) ([]ratelimit.State, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: throttle state store is not configured")
	}
	now = now.UTC()
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.throttled_until > ?", now)
		}),
		repository.OrderBy("throttled_until ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]ratelimit.State, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findThrottleState(ctx context.Context, db bun.IDB, webhookID string) (*throttleStateRecord, error) {
	record := &throttleStateRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.webhook_id = ?", webhookID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func newThrottleStateRecord(state ratelimit.State) *throttleStateRecord {
	record := &throttleStateRecord{
		WebhookID:      state.WebhookID,
		ThrottledUntil: copyTimePointer(state.ThrottledUntil),
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		UpdatedAt:      state.UpdatedAt.UTC(),
	}
	if state.RetryAfter != nil && *state.RetryAfter > 0 {
		ms := state.RetryAfter.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		record.RetryAfterMS = &ms
	}
	return record
}

func (r *throttleStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	state := ratelimit.State{
		WebhookID:      r.WebhookID,
		ThrottledUntil: copyTimePointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.RetryAfterMS != nil && *r.RetryAfterMS > 0 {
		value := time.Duration(*r.RetryAfterMS) * time.Millisecond
		state.RetryAfter = &value
	}
	return state
}
