package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/shahreaz0/xwebhook/core"
	"github.com/shahreaz0/xwebhook/ratelimit"
)

const (
	eventTypeCacheKeyPrefix     = "xwebhook::event_type::v1"
	throttleStateCacheKeyPrefix = "xwebhook::throttle_state::v1"
)

// ArchiveChecker reads the current archive flag without the full row.
type ArchiveChecker interface {
	IsArchived(ctx context.Context, id string) (bool, error)
}

// CachedEventTypeStore serves intake lookups from cache. Misses, including
// not-found results, go to the base store every time. When the base store
// is an ArchiveChecker the archive flag is always read fresh, since event
// types can be archived by another process.
type CachedEventTypeStore struct {
	base  core.EventTypeStore
	cache repositorycache.CacheService
}

func NewCachedEventTypeStore(
	base core.EventTypeStore,
	cacheService repositorycache.CacheService,
) (*CachedEventTypeStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base event type store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: event type cache service is required")
	}
	return &CachedEventTypeStore{base: base, cache: cacheService}, nil
}

// EventTypeCacheKey is xwebhook::event_type::v1::<id> with the id
// URL-path escaped.
func EventTypeCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sqlstore: event type id is required")
	}
	return eventTypeCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (s *CachedEventTypeStore) GetEventType(ctx context.Context, id string) (core.EventType, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.EventType{}, fmt.Errorf("sqlstore: cached event type store is not configured")
	}
	cacheKey, err := EventTypeCacheKey(id)
	if err != nil {
		return core.EventType{}, err
	}
	eventType, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.EventType, error) {
		return s.base.GetEventType(ctx, strings.TrimSpace(id))
	})
	if err != nil {
		return core.EventType{}, err
	}
	checker, ok := s.base.(ArchiveChecker)
	if !ok {
		return eventType, nil
	}
	archived, err := checker.IsArchived(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, core.ErrEventTypeNotFound) {
			_ = s.cache.Delete(ctx, cacheKey)
		}
		return core.EventType{}, err
	}
	eventType.Archived = archived
	return eventType, nil
}

// Invalidate drops a cached event type, e.g. after it was archived.
func (s *CachedEventTypeStore) Invalidate(ctx context.Context, id string) error {
	if s == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached event type store is not configured")
	}
	cacheKey, err := EventTypeCacheKey(id)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

type CachedThrottleStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedThrottleStateStore(
	base ratelimit.StateStore,
	cacheService repositorycache.CacheService,
) (*CachedThrottleStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base throttle state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: throttle state cache service is required")
	}
	return &CachedThrottleStateStore{base: base, cache: cacheService}, nil
}

func ThrottleStateCacheKey(webhookID string) (string, error) {
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return "", fmt.Errorf("sqlstore: webhook id is required")
	}
	return throttleStateCacheKeyPrefix + "::" + url.PathEscape(webhookID), nil
}

func (s *CachedThrottleStateStore) Get(ctx context.Context, webhookID string) (ratelimit.State, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: cached throttle state store is not configured")
	}
	cacheKey, err := ThrottleStateCacheKey(webhookID)
	if err != nil {
		return ratelimit.State{}, err
	}
	state, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (ratelimit.State, error) {
		fetched, fetchErr := s.base.Get(ctx, strings.TrimSpace(webhookID))
		if fetchErr != nil {
			return ratelimit.State{}, fetchErr
		}
		return cloneThrottleState(fetched), nil
	})
	if err != nil {
		return ratelimit.State{}, err
	}
	return cloneThrottleState(state), nil
}

// Upsert writes through and evicts so the next Get reloads.
func (s *CachedThrottleStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached throttle state store is not configured")
	}
	cacheKey, err := ThrottleStateCacheKey(state.WebhookID)
	if err != nil {
		return err
	}
	if err := s.base.Upsert(ctx, state); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

// ListThrottled reads the base store directly.
func (s *CachedThrottleStateStore) ListThrottled(ctx context.Context, now time.Time) ([]ratelimit.State, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached throttle state store is not configured")
	}
	lister, ok := s.base.(ratelimit.ThrottledLister)
	if !ok {
		return nil, nil
	}
	return lister.ListThrottled(ctx, now)
}

func cloneThrottleState(state ratelimit.State) ratelimit.State {
	cloned := state
	cloned.ThrottledUntil = copyTimePointer(state.ThrottledUntil)
	if state.RetryAfter != nil {
		value := *state.RetryAfter
		cloned.RetryAfter = &value
	}
	return cloned
}

var (
	_ core.EventTypeStore       = (*CachedEventTypeStore)(nil)
	_ ratelimit.StateStore      = (*CachedThrottleStateStore)(nil)
	_ ratelimit.ThrottledLister = (*CachedThrottleStateStore)(nil)
	_ ratelimit.ThrottledLister = (*ThrottleStateStore)(nil)
	_ ArchiveChecker            = (*EventTypeStore)(nil)
)
