package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/shahreaz0/xwebhook/core"
)

const (
	SecretHeader = "x-webhook-secret"

	defaultClientTimeout           = 30 * time.Second
	defaultResponseBodyLimit int64 = 10 << 20 // 10 MiB
	defaultMaxAttempts             = 3
	defaultRetryInterval           = 10 * time.Millisecond
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Throttle paces calls per webhook and learns from responses.
type Throttle interface {
	Wait(ctx context.Context, webhookID string, perSecond int) error
	Observe(ctx context.Context, webhookID string, statusCode int, headers http.Header) error
}

// Body is the outbound wire shape. It must stay stable for consumers.
type Body struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// WebhookClient POSTs messages to webhook endpoints with a short local
// retry. Retry n waits n*RetryInterval.
type WebhookClient struct {
	Client               HTTPDoer
	Throttle             Throttle
	MaxAttempts          int
	RetryInterval        time.Duration
	Timeout              time.Duration
	MaxResponseBodyBytes int64
	MessageIDHeader      string
	DefaultHeaders       map[string]string
}

func NewWebhookClient(client HTTPDoer, cfg core.DeliveryConfig) *WebhookClient {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &WebhookClient{
		Client:               client,
		MaxAttempts:          cfg.MaxAttempts,
		RetryInterval:        cfg.RetryInterval,
		Timeout:              cfg.Timeout,
		MaxResponseBodyBytes: cfg.MaxResponseBodyBytes,
		MessageIDHeader:      strings.TrimSpace(cfg.MessageIDHeader),
		DefaultHeaders:       map[string]string{},
	}
}

func (c *WebhookClient) Deliver(ctx context.Context, req core.DeliveryRequest) (core.DeliveryResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := time.Now().UTC()
	if c == nil || c.Client == nil {
		return core.DeliveryResponse{}, c.deliveryError(req, 0, 0, deliveryFailure(
			nil,
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			"transport: webhook client requires an http client",
			nil,
		))
	}

	target, err := url.Parse(strings.TrimSpace(req.Webhook.URL))
	if err != nil || target.Scheme == "" || target.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing scheme or host")
		}
		return core.DeliveryResponse{}, c.deliveryError(req, 0, 0, deliveryFailure(
			err,
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			"transport: invalid webhook url",
			webhookFields(req),
		))
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(Body{Event: req.EventName, Data: payload})
	if err != nil {
		return core.DeliveryResponse{}, c.deliveryError(req, 0, 0, deliveryFailure(
			err,
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			"transport: encode webhook body",
			webhookFields(req),
		))
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	// attempts counts issued HTTP requests. A throttle window longer than
	// the throttle's MaxWait ends the local retry without a call.
	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, time.Duration(attempt-1)*c.retryInterval()); err != nil {
				lastErr = err
				break
			}
		}
		if err := c.wait(ctx, req); err != nil {
			lastErr = err
			break
		}
		attempts++
		response, err := c.attempt(ctx, req, target.String(), body)
		if err == nil {
			response.Attempts = attempts
			response.Duration = time.Since(startedAt)
			return response, nil
		}
		lastErr = err
		if response.StatusCode != 0 {
			lastStatus = response.StatusCode
		}
		if ctx.Err() != nil {
			break
		}
	}

	return core.DeliveryResponse{
		StatusCode: lastStatus,
		Attempts:   attempts,
		Duration:   time.Since(startedAt),
	}, c.deliveryError(req, lastStatus, attempts, lastErr)
}

func (c *WebhookClient) wait(ctx context.Context, req core.DeliveryRequest) error {
	if c.Throttle == nil {
		return nil
	}
	perSecond := 0
	if req.Webhook.RateLimit != nil {
		perSecond = *req.Webhook.RateLimit
	}
	return c.Throttle.Wait(ctx, req.Webhook.ID, perSecond)
}

func (c *WebhookClient) attempt(ctx context.Context, req core.DeliveryRequest, target string, body []byte) (core.DeliveryResponse, error) {
	requestCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return core.DeliveryResponse{}, deliveryFailure(
			err,
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			"transport: create http request",
			webhookFields(req),
		)
	}
	for key, value := range c.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SecretHeader, req.Webhook.Secret)
	if c.MessageIDHeader != "" && strings.TrimSpace(req.MessageID) != "" {
		httpReq.Header.Set(c.MessageIDHeader, req.MessageID)
	}

	httpRes, err := c.Client.Do(httpReq)
	if err != nil {
		return core.DeliveryResponse{}, deliveryFailure(
			err,
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			"transport: execute webhook request",
			webhookFields(req),
		)
	}
	defer httpRes.Body.Close()

	if c.Throttle != nil {
		_ = c.Throttle.Observe(context.WithoutCancel(ctx), req.Webhook.ID, httpRes.StatusCode, httpRes.Header)
	}

	limit := c.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultResponseBodyLimit
	}
	responseBody, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	response := core.DeliveryResponse{StatusCode: httpRes.StatusCode}
	if err != nil {
		return response, deliveryFailure(
			err,
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			"transport: read response body",
			webhookFields(req, "status_code", httpRes.StatusCode),
		)
	}
	if int64(len(responseBody)) > limit {
		responseBody = responseBody[:limit]
	}
	response.Body = responseBody

	if httpRes.StatusCode < 200 || httpRes.StatusCode > 299 {
		return response, deliveryFailure(
			nil,
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			fmt.Sprintf("transport: webhook responded with status %d", httpRes.StatusCode),
			webhookFields(req, "status_code", httpRes.StatusCode),
		)
	}
	return response, nil
}

func (c *WebhookClient) retryInterval() time.Duration {
	if c.RetryInterval > 0 {
		return c.RetryInterval
	}
	return defaultRetryInterval
}

func (c *WebhookClient) deliveryError(req core.DeliveryRequest, statusCode int, attempts int, err error) error {
	return &core.DeliveryError{
		WebhookID:  req.Webhook.ID,
		MessageID:  req.MessageID,
		StatusCode: statusCode,
		Attempts:   attempts,
		Err:        err,
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ core.DeliveryClient = (*WebhookClient)(nil)
