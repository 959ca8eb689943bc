package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shahreaz0/xwebhook/core"
	"golang.org/x/time/rate"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is the throttle window learned from a webhook's responses.
type State struct {
	WebhookID      string
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, webhookID string) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ThrottledLister is implemented by stores that can enumerate open
// throttle windows.
type ThrottledLister interface {
	ListThrottled(ctx context.Context, now time.Time) ([]State, error)
}

type ThrottledError struct {
	WebhookID  string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: webhook %q throttled for %s", strings.TrimSpace(e.WebhookID), e.RetryAfter)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{"webhook_id": strings.TrimSpace(e.WebhookID)}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ErrorRateLimited).
		WithMetadata(metadata)
}

// WebhookThrottle paces outbound calls per webhook. A configured rate limit
// is enforced with a token bucket; 429 responses open a throttle window
// that later calls wait out, up to MaxWait. Longer windows fail fast with
// ThrottledError so the job is retried by the queue instead. MaxWindow
// bounds any window, including a server-supplied Retry-After.
type WebhookThrottle struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxWait          time.Duration
	MaxWindow        time.Duration
	DefaultRetryHint time.Duration

	mu       sync.Mutex
	limiters map[string]*bucket
}

type bucket struct {
	perSecond int
	limiter   *rate.Limiter
}

func NewWebhookThrottle(store StateStore) *WebhookThrottle {
	return &WebhookThrottle{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		MaxWait:          5 * time.Second,
		MaxWindow:        time.Hour,
		DefaultRetryHint: 5 * time.Second,
		limiters:         map[string]*bucket{},
	}
}

// Wait blocks until the webhook may be called. perSecond <= 0 disables the
// token bucket. A throttle window longer than MaxWait fails fast.
func (t *WebhookThrottle) Wait(ctx context.Context, webhookID string, perSecond int) error {
	if t == nil {
		return nil
	}
	webhookID = strings.TrimSpace(webhookID)
	if remaining, err := t.throttledFor(ctx, webhookID); err != nil {
		return err
	} else if remaining > 0 {
		if remaining > t.maxWait() {
			return ThrottledError{WebhookID: webhookID, RetryAfter: remaining}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if perSecond <= 0 {
		return nil
	}
	return t.limiter(webhookID, perSecond).Wait(ctx)
}

// Throttled returns webhooks whose throttle window is open now. Stores that
// cannot enumerate windows yield nil.
func (t *WebhookThrottle) Throttled(ctx context.Context) ([]State, error) {
	if t == nil || t.Store == nil {
		return nil, nil
	}
	lister, ok := t.Store.(ThrottledLister)
	if !ok {
		return nil, nil
	}
	return lister.ListThrottled(ctx, t.now())
}

// Observe records a response so later calls respect Retry-After.
func (t *WebhookThrottle) Observe(ctx context.Context, webhookID string, statusCode int, headers http.Header) error {
	if t == nil || t.Store == nil {
		return nil
	}
	webhookID = strings.TrimSpace(webhookID)
	now := t.now()
	state, err := t.Store.Get(ctx, webhookID)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{WebhookID: webhookID}
	}
	state.LastStatus = statusCode
	state.UpdatedAt = now

	retryAfter, hasRetryAfter := parseRetryAfter(headers.Get("Retry-After"), now)
	if hasRetryAfter {
		state.RetryAfter = &retryAfter
	} else {
		state.RetryAfter = nil
	}

	if statusCode == http.StatusTooManyRequests || (statusCode == http.StatusServiceUnavailable && hasRetryAfter) {
		state.Attempts++
		delay := retryAfter
		if !hasRetryAfter {
			delay = t.nextBackoff(state.Attempts)
		}
		if maximum := t.maxWindow(); delay > maximum {
			delay = maximum
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return t.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return t.Store.Upsert(ctx, state)
}

func (t *WebhookThrottle) throttledFor(ctx context.Context, webhookID string) (time.Duration, error) {
	if t.Store == nil {
		return 0, nil
	}
	state, err := t.Store.Get(ctx, webhookID)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return 0, nil
		}
		return 0, err
	}
	now := t.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return until.Sub(now), nil
	}
	return 0, nil
}

func (t *WebhookThrottle) limiter(webhookID string, perSecond int) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limiters == nil {
		t.limiters = map[string]*bucket{}
	}
	existing, ok := t.limiters[webhookID]
	if ok && existing.perSecond == perSecond {
		return existing.limiter
	}
	created := &bucket{perSecond: perSecond, limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
	t.limiters[webhookID] = created
	return created.limiter
}

func (t *WebhookThrottle) now() time.Time {
	if t != nil && t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *WebhookThrottle) maxWait() time.Duration {
	if t.MaxWait > 0 {
		return t.MaxWait
	}
	return 5 * time.Second
}

func (t *WebhookThrottle) maxWindow() time.Duration {
	if t.MaxWindow > 0 {
		return t.MaxWindow
	}
	return time.Hour
}

func (t *WebhookThrottle) nextBackoff(attempt int) time.Duration {
	initial := t.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maximum := t.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	if attempt <= 0 {
		return initial
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay <= 0 {
		if t.DefaultRetryHint > 0 {
			return t.DefaultRetryHint
		}
		return 5 * time.Second
	}
	return delay
}

func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, webhookID string) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[strings.TrimSpace(webhookID)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.WebhookID = strings.TrimSpace(state.WebhookID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.WebhookID] = state
	return nil
}

func (s *MemoryStateStore) ListThrottled(_ context.Context, now time.Time) ([]State, error) {
	if s == nil {
		return nil, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]State, 0)
	for _, state := range s.items {
		if state.ThrottledUntil != nil && state.ThrottledUntil.After(now) {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ThrottledUntil.Before(*out[j].ThrottledUntil)
	})
	return out, nil
}
