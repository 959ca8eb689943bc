package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestMapError_Sentinels(t *testing.T) {
	cases := []struct {
		err      error
		textCode string
		status   int
	}{
		{fmt.Errorf("load: %w", ErrMessageNotFound), ErrorNotFound, http.StatusNotFound},
		{ErrEventTypeArchived, ErrorValidation, http.StatusBadRequest},
		{ErrInvalidMessageStatusTransition, ErrorConflict, http.StatusConflict},
		{ErrInvalidMessageStatus, ErrorBadInput, http.StatusBadRequest},
	}
	for _, tc := range cases {
		mapped := MapError(tc.err)
		if mapped == nil {
			t.Fatalf("expected mapping for %v", tc.err)
		}
		if mapped.TextCode != tc.textCode || mapped.Code != tc.status {
			t.Fatalf("expected %s/%d for %v, got %s/%d", tc.textCode, tc.status, tc.err, mapped.TextCode, mapped.Code)
		}
	}
}

func TestMapError_DeliveryErrors(t *testing.T) {
	failure := &JobFailureError{
		MessageID: "msg_1",
		Failures: []DeliveryOutcome{
			{WebhookID: "w1", Err: &DeliveryError{WebhookID: "w1", StatusCode: 500, Attempts: 3}},
		},
	}
	mapped := MapError(failure)
	if mapped.TextCode != ErrorJobFailed || mapped.Category != goerrors.CategoryExternal {
		t.Fatalf("expected job failure mapping, got %+v", mapped)
	}

	fatal := MapError(&FatalJobError{MessageID: "msg_1", Reason: "app user not found"})
	if fatal.TextCode != ErrorJobFatal {
		t.Fatalf("expected fatal mapping, got %s", fatal.TextCode)
	}
}

func TestMapError_JobErrorsWinOverWrappedCauses(t *testing.T) {
	transportErr := goerrors.Wrap(errors.New("connection refused"), goerrors.CategoryExternal, "transport: execute webhook request").
		WithTextCode(ErrorDeliveryFailed)
	failure := &JobFailureError{
		MessageID: "msg_1",
		Failures: []DeliveryOutcome{
			{WebhookID: "w1", Err: &DeliveryError{WebhookID: "w1", Attempts: 3, Err: transportErr}},
		},
	}
	mapped := MapError(fmt.Errorf("handle job: %w", failure))
	if mapped.TextCode != ErrorJobFailed {
		t.Fatalf("expected %s for a job failure over wrapped delivery causes, got %s", ErrorJobFailed, mapped.TextCode)
	}

	fatal := &FatalJobError{MessageID: "msg_1", Err: notFoundError(ErrAppUserNotFound, "app user not found")}
	if got := MapError(fatal).TextCode; got != ErrorJobFatal {
		t.Fatalf("expected %s for a fatal job error wrapping a not found, got %s", ErrorJobFatal, got)
	}

	single := MapError(&DeliveryError{WebhookID: "w1", StatusCode: 502, Attempts: 1})
	if single.TextCode != ErrorDeliveryFailed {
		t.Fatalf("expected a lone delivery error to keep its own code, got %s", single.TextCode)
	}
}

func TestDeliveryError_Message(t *testing.T) {
	err := &DeliveryError{WebhookID: "w1", MessageID: "msg_1", StatusCode: 503, Attempts: 3}
	want := "core: webhook w1 message msg_1: unexpected status 503 after 3 attempt(s)"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
	cause := errors.New("dial tcp: refused")
	wrapped := &DeliveryError{WebhookID: "w1", Err: cause}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected cause to unwrap")
	}
}

func TestHTTPStatus(t *testing.T) {
	if HTTPStatus(goerrors.CategoryNotFound) != http.StatusNotFound {
		t.Fatalf("expected 404 for not found")
	}
	if HTTPStatus(goerrors.CategoryInternal) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for internal")
	}
}
