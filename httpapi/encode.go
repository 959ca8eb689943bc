package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shahreaz0/xwebhook/core"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Meta    *pageMeta  `json:"meta,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type pageMeta struct {
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"hasMore"`
	NextOffset int  `json:"nextOffset"`
}

type errorBody struct {
	Category   string         `json:"category,omitempty"`
	TextCode   string         `json:"textCode"`
	Message    string         `json:"message"`
	Validation []fieldError   `json:"validation,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type messageView struct {
	ID          string         `json:"id"`
	AppUserID   string         `json:"appUserId"`
	EventTypeID string         `json:"eventTypeId"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	DeliverAt   *string        `json:"deliverAt"`
	CreatedAt   string         `json:"createdAt"`
	UpdatedAt   string         `json:"updatedAt"`
}

func toMessageView(m core.Message) messageView {
	view := messageView{
		ID:          m.ID,
		AppUserID:   m.AppUserID,
		EventTypeID: m.EventTypeID,
		Payload:     m.Payload,
		Status:      string(m.Status),
		CreatedAt:   formatTime(m.CreatedAt),
		UpdatedAt:   formatTime(m.UpdatedAt),
	}
	if view.Payload == nil {
		view.Payload = map[string]any{}
	}
	if m.DeliverAt != nil {
		formatted := formatTime(*m.DeliverAt)
		view.DeliverAt = &formatted
	}
	return view
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	mapped := core.MapError(err)
	if mapped == nil {
		mapped = core.MapError(goerrors.New("unknown error", goerrors.CategoryInternal))
	}
	body := &errorBody{
		Category: string(mapped.Category),
		TextCode: mapped.TextCode,
		Message:  mapped.Message,
		Metadata: mapped.Metadata,
	}
	for _, field := range mapped.AllValidationErrors() {
		body.Validation = append(body.Validation, fieldError{Field: field.Field, Message: field.Message})
	}
	status := mapped.Code
	if status < 400 || status > 599 {
		status = core.HTTPStatus(mapped.Category)
	}
	writeJSON(w, status, envelope{Error: body})
}

func badInput(field string, message string) error {
	return goerrors.NewValidation("httpapi: invalid request", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput)
}

func notFound(message string) error {
	return goerrors.New(message, goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(core.ErrorNotFound)
}
