// Package platform is the outbound call boundary to the messaging platform's
// Bot API. Every call waits for a permit from the credential's rate limiter
// and reports the outcome back to it.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"botfleet/internal/models"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 4 << 20

// Limiter is the part of ratelimit.AdaptiveLimiter the client needs.
type Limiter interface {
	AwaitPermit(ctx context.Context, credentialID string) error
	ReportOverload(credentialID string, retryAfter time.Duration)
	ReportSuccess(credentialID string)
}

// Client calls the Bot API with one credential.
type Client struct {
	baseURL        string
	credentialID   string
	token          string
	limiter        Limiter
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the traced default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client bound to one credential.
func NewClient(cfg models.PlatformConfig, cred *models.Credential, limiter Limiter, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		credentialID:   cred.ID,
		token:          cred.Secret,
		limiter:        limiter,
		requestTimeout: cfg.RequestTimeout,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "platform " + methodFromPath(r.URL.Path)
				}),
			),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CredentialID() string {
	return c.credentialID
}

// GetMe confirms the credential is accepted by the platform.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u, 0); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUpdates long-polls for updates after offset. The request deadline is
// extended by the poll timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates, timeout); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	params := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	var m Message
	if err := c.call(ctx, "sendMessage", params, &m, 0); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) call(ctx context.Context, method string, params, result any, extra time.Duration) error {
	if err := c.limiter.AwaitPermit(ctx, c.credentialID); err != nil {
		return fmt.Errorf("%s: waiting for permit: %w", method, err)
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout+extra)
		defer cancel()
	}

	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, body)
	if err != nil {
		return fmt.Errorf("%s: %w", method, c.redact(err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, c.redact(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", method, err)
	}

	var envelope apiResponse
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode == http.StatusTooManyRequests || envelope.ErrorCode == http.StatusTooManyRequests {
		retryAfter := retryAfterHint(resp.Header.Get("Retry-After"), envelope)
		c.limiter.ReportOverload(c.credentialID, retryAfter)
		return &OverloadError{Method: method, RetryAfter: retryAfter}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !envelope.OK {
		apiErr := &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   envelope.ErrorCode,
			Description: envelope.Description,
		}
		if apiErr.Description == "" {
			apiErr.Description = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("Platform call failed", "credential_id", c.credentialID, "method", method, "status", resp.StatusCode)
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: failed to decode response: %w", method, decodeErr)
	}

	c.limiter.ReportSuccess(c.credentialID)

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s: failed to decode result: %w", method, err)
		}
	}
	return nil
}

// redact strips the token from transport errors, which embed the request URL.
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, c.token, "<redacted>")
		return urlErr
	}
	return err
}

// retryAfterHint prefers the Retry-After header over the body parameter.
// Zero means the platform gave no hint.
func retryAfterHint(header string, envelope apiResponse) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
		return time.Duration(envelope.Parameters.RetryAfter) * time.Second
	}
	return 0
}

// methodFromPath keeps span names free of the token.
func methodFromPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
