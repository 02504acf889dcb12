package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"botfleet/internal/logger"
	"botfleet/internal/models"
	"botfleet/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123456:test-secret"

type recordingLimiter struct {
	mu        sync.Mutex
	permits   int
	successes int
	overloads []time.Duration
	permitErr error
}

func (l *recordingLimiter) AwaitPermit(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.permitErr != nil {
		return l.permitErr
	}
	l.permits++
	return nil
}

func (l *recordingLimiter) ReportOverload(id string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overloads = append(l.overloads, retryAfter)
}

func (l *recordingLimiter) ReportSuccess(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
}

func newTestClient(t *testing.T, handler http.HandlerFunc, limiter Limiter) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := models.NewDefaultConfig().Platform
	cfg.BaseURL = srv.URL
	cfg.RequestTimeout = 2 * time.Second

	cred := &models.Credential{ID: "bot-1", Secret: testToken}
	return NewClient(cfg, cred, limiter, WithHTTPClient(srv.Client()), WithLogger(logger.Discard())), srv
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestClient_GetMe(t *testing.T) {
	limiter := &recordingLimiter{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bot"+testToken+"/getMe", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"ok":true,"result":{"id":123456,"is_bot":true,"first_name":"Echo","username":"echo_bot"}}`)
	}, limiter)

	me, err := client.GetMe(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(123456), me.ID)
	assert.True(t, me.IsBot)
	assert.Equal(t, "echo_bot", me.Username)
	assert.Equal(t, "bot-1", client.CredentialID())

	assert.Equal(t, 1, limiter.permits)
	assert.Equal(t, 1, limiter.successes)
	assert.Empty(t, limiter.overloads)
}

func TestClient_GetUpdatesAndSendMessage(t *testing.T) {
	limiter := &recordingLimiter{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))

		switch {
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			assert.Equal(t, float64(42), params["offset"])
			assert.Equal(t, float64(1), params["timeout"])
			writeJSON(w, http.StatusOK, `{"ok":true,"result":[{"update_id":42,"message":{"message_id":7,"chat":{"id":99,"type":"private"},"date":1,"text":"hi"}}]}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.Equal(t, float64(99), params["chat_id"])
			assert.Equal(t, "hi", params["text"])
			writeJSON(w, http.StatusOK, `{"ok":true,"result":{"message_id":8,"chat":{"id":99,"type":"private"},"date":2,"text":"hi"}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}, limiter)

	updates, err := client.GetUpdates(t.Context(), 42, time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Message)
	assert.Equal(t, "hi", updates[0].Message.Text)

	sent, err := client.SendMessage(t.Context(), 99, "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(8), sent.MessageID)
	assert.Equal(t, 2, limiter.successes)
}

func TestClient_Overload(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantRetry time.Duration
	}{
		{
			name: "retry-after header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "3")
				writeJSON(w, http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`)
			},
			wantRetry: 3 * time.Second,
		},
		{
			name: "retry_after parameter",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`)
			},
			wantRetry: 5 * time.Second,
		},
		{
			name: "error code in body only",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, `{"ok":false,"error_code":429,"description":"Too Many Requests"}`)
			},
		},
		{
			name: "bare 429",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := &recordingLimiter{}
			client, _ := newTestClient(t, tt.handler, limiter)

			_, err := client.GetMe(t.Context())

			var overload *OverloadError
			require.ErrorAs(t, err, &overload)
			assert.Equal(t, "getMe", overload.Method)
			assert.Equal(t, tt.wantRetry, overload.RetryAfter)
			assert.Equal(t, []time.Duration{tt.wantRetry}, limiter.overloads)
			assert.Zero(t, limiter.successes)
		})
	}
}

func TestClient_APIError(t *testing.T) {
	limiter := &recordingLimiter{}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}, limiter)

	_, err := client.GetMe(t.Context())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Unauthorized", apiErr.Description)
	assert.False(t, apiErr.Temporary())
	assert.Empty(t, limiter.overloads)
	assert.Zero(t, limiter.successes)
}

func TestClient_TransportErrorRedactsToken(t *testing.T) {
	limiter := &recordingLimiter{}
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, limiter)
	srv.Close()

	_, err := client.GetMe(t.Context())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "test-secret")
	assert.Contains(t, err.Error(), "<redacted>")
}

func TestClient_PermitErrorSkipsRequest(t *testing.T) {
	called := false
	limiter := &recordingLimiter{permitErr: context.Canceled}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, limiter)

	_, err := client.GetMe(t.Context())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
}

func TestClient_OverloadThrottlesAdaptiveLimiter(t *testing.T) {
	limiter := ratelimit.NewAdaptiveLimiter(ratelimit.DefaultPolicy(), ratelimit.WithLogger(logger.Discard()))
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, `{"ok":false,"error_code":429}`)
	}, limiter)

	_, err := client.GetMe(t.Context())
	var overload *OverloadError
	require.ErrorAs(t, err, &overload)

	info := limiter.Info("bot-1")
	assert.Equal(t, 10.0, info.CurrentRate)
	assert.Equal(t, 1, info.ConsecutiveFailures)
	assert.True(t, info.InBackoff)
}

func TestMethodFromPath(t *testing.T) {
	assert.Equal(t, "getMe", methodFromPath("/bot123:abc/getMe"))
	assert.Equal(t, "plain", methodFromPath("plain"))
}
