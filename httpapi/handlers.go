package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/shahreaz0/xwebhook/core"
)

const maxBodyBytes = 1 << 20

// MessageAPI is served by the command bus in production.
type MessageAPI interface {
	CreateMessage(ctx context.Context, req core.CreateMessageRequest) (core.Message, error)
	GetMessage(ctx context.Context, appUserID string, messageID string) (core.Message, error)
	ListMessages(ctx context.Context, filter core.MessageFilter) (core.MessagePage, error)
	PatchMessage(ctx context.Context, appUserID string, messageID string, patch core.MessagePatch) (core.Message, error)
}

type Handlers struct {
	api    MessageAPI
	logger core.Logger
}

func NewHandlers(api MessageAPI, logger core.Logger) *Handlers {
	if logger == nil {
		logger = glog.Nop()
	}
	return &Handlers{api: api, logger: logger}
}

type createMessageBody struct {
	EventTypeID string         `json:"eventTypeId"`
	Payload     map[string]any `json:"payload"`
}

// patchMessageBody keeps deliverAt raw so an explicit null clears it.
type patchMessageBody struct {
	Status    *string         `json:"status"`
	Payload   map[string]any  `json:"payload"`
	DeliverAt json.RawMessage `json:"deliverAt"`
}

func (h *Handlers) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var body createMessageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Payload == nil {
		body.Payload = map[string]any{}
	}

	out, err := h.api.CreateMessage(r.Context(), core.CreateMessageRequest{
		AppUserID:   chi.URLParam(r, "appUserId"),
		EventTypeID: body.EventTypeID,
		Payload:     body.Payload,
		TenantContext: core.TenantContext{
			ID:   strings.TrimSpace(r.Header.Get(HeaderTenantID)),
			Name: strings.TrimSpace(r.Header.Get(HeaderTenantName)),
		},
	})
	if err != nil {
		h.fail(w, r, "create message failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: toMessageView(out)})
}

func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	out, err := h.api.GetMessage(r.Context(), chi.URLParam(r, "appUserId"), chi.URLParam(r, "messageId"))
	if err != nil {
		h.fail(w, r, "get message failed", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: toMessageView(out)})
}

func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(chi.URLParam(r, "appUserId"), r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.api.ListMessages(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list messages failed", err)
		return
	}
	items := make([]messageView, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, toMessageView(item))
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    items,
		Meta: &pageMeta{
			Total:      page.Total,
			Limit:      page.Limit,
			Offset:     page.Offset,
			HasMore:    page.HasMore,
			NextOffset: page.NextOffset,
		},
	})
}

func (h *Handlers) PatchMessage(w http.ResponseWriter, r *http.Request) {
	var body patchMessageBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	patch, err := body.toPatch()
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.api.PatchMessage(r.Context(), chi.URLParam(r, "appUserId"), chi.URLParam(r, "messageId"), patch)
	if err != nil {
		h.fail(w, r, "patch message failed", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: toMessageView(out)})
}

func (b patchMessageBody) toPatch() (core.MessagePatch, error) {
	var patch core.MessagePatch
	if b.Status != nil {
		status, err := core.ParseMessageStatus(*b.Status)
		if err != nil {
			return patch, badInput("status", "unknown message status")
		}
		patch.Status = &status
	}
	patch.Payload = b.Payload

	raw := bytes.TrimSpace(b.DeliverAt)
	switch {
	case len(raw) == 0:
	case bytes.Equal(raw, []byte("null")):
		patch.ClearDeliverAt = true
	default:
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return patch, badInput("deliverAt", "deliverAt must be an RFC3339 string or null")
		}
		when, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return patch, badInput("deliverAt", "deliverAt must be an RFC3339 string or null")
		}
		patch.DeliverAt = &when
	}
	return patch, nil
}

// parseFilter accepts status as repeated or comma separated values.
func parseFilter(appUserID string, r *http.Request) (core.MessageFilter, error) {
	query := r.URL.Query()
	filter := core.MessageFilter{
		AppUserID:   appUserID,
		EventTypeID: strings.TrimSpace(query.Get("eventTypeId")),
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := core.ParseMessageStatus(part)
			if err != nil {
				return filter, badInput("status", "unknown message status")
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	var err error
	if filter.DeliverAtFrom, err = parseTimeParam(query.Get("deliverAtFrom"), "deliverAtFrom"); err != nil {
		return filter, err
	}
	if filter.DeliverAtTo, err = parseTimeParam(query.Get("deliverAtTo"), "deliverAtTo"); err != nil {
		return filter, err
	}
	if filter.Limit, err = parseIntParam(query.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseIntParam(query.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeParam(value string, field string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, badInput(field, field+" must be RFC3339")
	}
	return &parsed, nil
}

func parseIntParam(value string, field string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, badInput(field, field+" must be an integer")
	}
	return parsed, nil
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badInput("body", "request body is required")
		}
		return badInput("body", "request body must be valid JSON")
	}
	return nil
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	mapped := core.MapError(err)
	if mapped != nil && mapped.Code >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).Error(msg,
			"error", err.Error(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	}
	writeError(w, err)
}

func (h *Handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.WithContext(r.Context()).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(startedAt).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
