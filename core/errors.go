package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput       = "XWEBHOOK_BAD_INPUT"
	ErrorValidation     = "XWEBHOOK_VALIDATION"
	ErrorNotFound       = "XWEBHOOK_NOT_FOUND"
	ErrorConflict       = "XWEBHOOK_CONFLICT"
	ErrorRateLimited    = "XWEBHOOK_RATE_LIMITED"
	ErrorDeliveryFailed = "XWEBHOOK_DELIVERY_FAILED"
	ErrorJobFailed      = "XWEBHOOK_JOB_FAILED"
	ErrorJobFatal       = "XWEBHOOK_JOB_FATAL"
	ErrorInternal       = "XWEBHOOK_INTERNAL"
)

// DeliveryError is returned by a delivery client once local retries are spent.
type DeliveryError struct {
	WebhookID  string
	MessageID  string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return ""
	}
	detail := "delivery failed"
	if e.StatusCode > 0 {
		detail = fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	if e.Err != nil {
		detail = e.Err.Error()
	}
	return fmt.Sprintf(
		"core: webhook %s message %s: %s after %d attempt(s)",
		e.WebhookID,
		e.MessageID,
		detail,
		e.Attempts,
	)
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *DeliveryError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	return goerrors.Wrap(e, goerrors.CategoryExternal, "webhook delivery failed").
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorDeliveryFailed).
		WithMetadata(map[string]any{
			"webhook_id":  e.WebhookID,
			"message_id":  e.MessageID,
			"status_code": e.StatusCode,
			"attempts":    e.Attempts,
		})
}

// JobFailureError signals that no eligible webhook accepted the message and
// the queue should retry the whole job.
type JobFailureError struct {
	MessageID string
	Failures  []DeliveryOutcome
}

func (e *JobFailureError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("core: message %s delivery failed for all %d webhook(s)", e.MessageID, len(e.Failures))
}

func (e *JobFailureError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		if failure.Err != nil {
			out = append(out, failure.Err)
		}
	}
	return out
}

func (e *JobFailureError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	webhookIDs := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		webhookIDs = append(webhookIDs, failure.WebhookID)
	}
	return goerrors.Wrap(e, goerrors.CategoryExternal, "message delivery failed").
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorJobFailed).
		WithMetadata(map[string]any{
			"message_id":  e.MessageID,
			"webhook_ids": webhookIDs,
		})
}

// FatalJobError marks a job that must be discarded without retry.
type FatalJobError struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *FatalJobError) Error() string {
	if e == nil {
		return ""
	}
	reason := strings.TrimSpace(e.Reason)
	if reason == "" && e.Err != nil {
		reason = e.Err.Error()
	}
	return fmt.Sprintf("core: fatal job error for message %s: %s", e.MessageID, reason)
}

func (e *FatalJobError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *FatalJobError) ToServiceError() *goerrors.Error {
	if e == nil {
		return nil
	}
	return goerrors.Wrap(e, goerrors.CategoryInternal, "job discarded").
		WithCode(http.StatusUnprocessableEntity).
		WithTextCode(ErrorJobFatal).
		WithMetadata(map[string]any{"message_id": e.MessageID})
}

func IsFatalJobError(err error) bool {
	var fatal *FatalJobError
	return errors.As(err, &fatal)
}

func IsJobFailure(err error) bool {
	var failure *JobFailureError
	return errors.As(err, &failure)
}

// MapError converts any error into the xwebhook go-errors envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	// Job-level errors wrap per-webhook causes, so they are matched first.
	var fatalErr *FatalJobError
	if errors.As(err, &fatalErr) {
		return fatalErr.ToServiceError()
	}
	var failureErr *JobFailureError
	if errors.As(err, &failureErr) {
		return failureErr.ToServiceError()
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.ToServiceError()
	}

	switch {
	case errors.Is(err, ErrEventTypeNotFound),
		errors.Is(err, ErrAppUserNotFound),
		errors.Is(err, ErrMessageNotFound):
		return newError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case errors.Is(err, ErrEventTypeArchived):
		return newError(err.Error(), goerrors.CategoryValidation, ErrorValidation)
	case errors.Is(err, ErrInvalidMessageStatusTransition):
		return newError(err.Error(), goerrors.CategoryConflict, ErrorConflict)
	case errors.Is(err, ErrInvalidMessageStatus), errors.Is(err, ErrInvalidEventTypeName):
		return newError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if strings.Contains(msg, "required") || strings.Contains(msg, "invalid") {
		return newError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func validationError(field string, message string) error {
	return goerrors.NewValidation("core: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorValidation).
		WithSeverity(goerrors.SeverityError)
}

func notFoundError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryNotFound, message).
		WithCode(http.StatusNotFound).
		WithTextCode(ErrorNotFound)
}

func internalError(err error, message string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ErrorInternal)
}

func newError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput:
		return ErrorBadInput
	case goerrors.CategoryValidation:
		return ErrorValidation
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryExternal:
		return ErrorDeliveryFailed
	default:
		return ErrorInternal
	}
}

// HTTPStatus maps an error category onto a response status code.
func HTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
