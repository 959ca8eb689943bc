package core

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

const metricPrefix = "xwebhook."

type logLevel uint8

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

// metricTagFields are the operation fields promoted to metric tags. Anything
// else stays in the log line only, to keep tag cardinality bounded.
var metricTagFields = []string{"event_name", "message_status", "tenant_id"}

func (s *Service) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if s == nil {
		return
	}
	operation = cmp.Or(normalizeOperation(operation), "unknown")
	elapsed := time.Since(startedAt)
	status := "success"
	if err != nil {
		status = "failure"
	}

	logged := cloneFields(fields)
	logged["operation"] = operation
	logged["status"] = status
	logged["duration_ms"] = elapsed.Milliseconds()

	tags := map[string]string{"operation": operation, "status": status}
	for _, key := range metricTagFields {
		if value, ok := logged[key]; ok && value != nil {
			if text := strings.TrimSpace(fmt.Sprint(value)); text != "" {
				tags[key] = text
			}
		}
	}
	s.recordCounter(ctx, metricPrefix+operation+".total", 1, tags)
	s.recordHistogram(ctx, metricPrefix+operation+".duration_ms", float64(elapsed.Milliseconds()), tags)

	if err == nil {
		s.logInfo(ctx, operation+" succeeded", logged)
		return
	}
	logged["error"] = err.Error()
	if mapped := MapError(err); mapped != nil {
		logged["error_code"] = mapped.TextCode
		logged["error_category"] = string(mapped.Category)
	}
	s.logError(ctx, operation+" failed", logged)
}

func (s *Service) logDebug(ctx context.Context, message string, fields map[string]any) {
	s.log(ctx, levelDebug, message, fields)
}

func (s *Service) logInfo(ctx context.Context, message string, fields map[string]any) {
	s.log(ctx, levelInfo, message, fields)
}

func (s *Service) logWarn(ctx context.Context, message string, fields map[string]any) {
	s.log(ctx, levelWarn, message, fields)
}

func (s *Service) logError(ctx context.Context, message string, fields map[string]any) {
	s.log(ctx, levelError, message, fields)
}

func (s *Service) log(ctx context.Context, level logLevel, message string, fields map[string]any) {
	if s == nil {
		return
	}
	logAt(ctx, s.logger, level, message, fields)
}

// logAt writes fields both through FieldsLogger, when the logger supports
// it, and as sorted key/value args.
func logAt(ctx context.Context, logger Logger, level logLevel, message string, fields map[string]any) {
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch level {
	case levelError:
		logger.Error(message, args...)
	case levelWarn:
		logger.Warn(message, args...)
	case levelDebug:
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (s *Service) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.IncCounter(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func (s *Service) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.ObserveHistogram(ctx, strings.TrimSpace(name), value, cloneTags(tags))
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return maps.Clone(fields)
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		args = append(args, key, fields[key])
	}
	return args
}

var operationReplacer = strings.NewReplacer(" ", "_", "-", "_")

func normalizeOperation(operation string) string {
	return operationReplacer.Replace(strings.ToLower(strings.TrimSpace(operation)))
}
