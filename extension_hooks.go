package xwebhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shahreaz0/xwebhook/core"
)

// ExtensionHooks collects named worker hooks and dead-letter sinks that an
// embedding application contributes to Setup. Names are unique per kind and
// registration order does not matter; hooks run sorted by name.
type ExtensionHooks struct {
	mu sync.RWMutex

	workerHooks     map[string]core.JobWorkerHook
	deadLetterSinks map[string]core.DeadLetterPublisher
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		workerHooks:     map[string]core.JobWorkerHook{},
		deadLetterSinks: map[string]core.DeadLetterPublisher{},
	}
}

func (h *ExtensionHooks) RegisterWorkerHook(name string, hook core.JobWorkerHook) error {
	if h == nil {
		return fmt.Errorf("xwebhook: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("xwebhook: worker hook name is required")
	}
	if hook == nil {
		return fmt.Errorf("xwebhook: worker hook %q is nil", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.workerHooks[name]; exists {
		return fmt.Errorf("xwebhook: worker hook %q already registered", name)
	}
	h.workerHooks[name] = hook
	return nil
}

func (h *ExtensionHooks) RegisterDeadLetterSink(name string, publisher core.DeadLetterPublisher) error {
	if h == nil {
		return fmt.Errorf("xwebhook: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("xwebhook: dead letter sink name is required")
	}
	if publisher == nil {
		return fmt.Errorf("xwebhook: dead letter sink %q is nil", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.deadLetterSinks[name]; exists {
		return fmt.Errorf("xwebhook: dead letter sink %q already registered", name)
	}
	h.deadLetterSinks[name] = publisher
	return nil
}

func (h *ExtensionHooks) WorkerHooks() []core.JobWorkerHook {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]core.JobWorkerHook, 0, len(h.workerHooks))
	for _, name := range sortedKeys(h.workerHooks) {
		out = append(out, h.workerHooks[name])
	}
	return out
}

func (h *ExtensionHooks) DeadLetterSinkNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.deadLetterSinks)
}

// DeadLetterPublisher combines the registered sinks with base. It returns nil
// when there is nothing to publish to.
func (h *ExtensionHooks) DeadLetterPublisher(base core.DeadLetterPublisher) core.DeadLetterPublisher {
	sinks := deadLetterFanout{}
	if base != nil {
		sinks = append(sinks, namedSink{name: "default", publisher: base})
	}
	if h != nil {
		h.mu.RLock()
		for _, name := range sortedKeys(h.deadLetterSinks) {
			sinks = append(sinks, namedSink{name: name, publisher: h.deadLetterSinks[name]})
		}
		h.mu.RUnlock()
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0].publisher
	default:
		return sinks
	}
}

type namedSink struct {
	name      string
	publisher core.DeadLetterPublisher
}

// deadLetterFanout publishes to every sink; one failing sink does not stop
// the others.
type deadLetterFanout []namedSink

func (f deadLetterFanout) PublishDeadLetter(ctx context.Context, letter core.DeadLetter) error {
	var errs []error
	for _, sink := range f {
		if err := sink.publisher.PublishDeadLetter(ctx, letter); err != nil {
			errs = append(errs, fmt.Errorf("xwebhook: dead letter sink %q: %w", sink.name, err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](in map[string]V) []string {
	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
