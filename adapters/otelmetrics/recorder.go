// Package otelmetrics records core metrics through an OpenTelemetry meter.
package otelmetrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shahreaz0/xwebhook/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultInstrumentationName = "github.com/shahreaz0/xwebhook"

// Recorder lazily creates one instrument per metric name. Instrument
// creation errors are reported once through the optional error handler and
// the sample is dropped.
type Recorder struct {
	meter   metric.Meter
	onError func(name string, err error)

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

type Option func(*Recorder)

func WithErrorHandler(fn func(name string, err error)) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.onError = fn
		}
	}
}

// New uses the given meter, or the global meter provider when meter is nil.
func New(meter metric.Meter, opts ...Option) *Recorder {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(DefaultInstrumentationName)
	}
	r := &Recorder{
		meter:      meter,
		onError:    func(string, error) {},
		counters:   map[string]metric.Int64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func NewFromProvider(provider metric.MeterProvider, opts ...Option) *Recorder {
	if provider == nil {
		return New(nil, opts...)
	}
	return New(provider.Meter(DefaultInstrumentationName), opts...)
}

func (r *Recorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if r == nil {
		return
	}
	counter, ok := r.counter(name)
	if !ok {
		return
	}
	counter.Add(contextOrBackground(ctx), value, metric.WithAttributes(attributes(tags)...))
}

func (r *Recorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	histogram, ok := r.histogram(name)
	if !ok {
		return
	}
	histogram.Record(contextOrBackground(ctx), value, metric.WithAttributes(attributes(tags)...))
}

func (r *Recorder) counter(name string) (metric.Int64Counter, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	counter, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return counter, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, ok = r.counters[name]; ok {
		return counter, true
	}
	counter, err := r.meter.Int64Counter(name)
	if err != nil {
		r.onError(name, fmt.Errorf("otelmetrics: counter %q: %w", name, err))
		return nil, false
	}
	r.counters[name] = counter
	return counter, true
}

func (r *Recorder) histogram(name string) (metric.Float64Histogram, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	histogram, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return histogram, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if histogram, ok = r.histograms[name]; ok {
		return histogram, true
	}
	histogram, err := r.meter.Float64Histogram(name, metric.WithUnit("ms"))
	if err != nil {
		r.onError(name, fmt.Errorf("otelmetrics: histogram %q: %w", name, err))
		return nil, false
	}
	r.histograms[name] = histogram
	return histogram, true
}

// attributes sorts keys so identical tag sets map to the same attribute set.
func attributes(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		if strings.TrimSpace(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		attrs = append(attrs, attribute.String(key, tags[key]))
	}
	return attrs
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

var _ core.MetricsRecorder = (*Recorder)(nil)
