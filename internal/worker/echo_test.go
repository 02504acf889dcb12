package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"botfleet/internal/logger"
	"botfleet/internal/models"
	"botfleet/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves scripted poll results, then blocks until the context ends.
type fakeAPI struct {
	mu      sync.Mutex
	meErr   error
	polls   []pollResult
	offsets []int64
	sent    []string
	sendErr error
}

type pollResult struct {
	updates []platform.Update
	err     error
}

func (f *fakeAPI) GetMe(ctx context.Context) (*platform.User, error) {
	if f.meErr != nil {
		return nil, f.meErr
	}
	return &platform.User{ID: 1, IsBot: true, Username: "echo_bot"}, nil
}

func (f *fakeAPI) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]platform.Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	if len(f.polls) > 0 {
		next := f.polls[0]
		f.polls = f.polls[1:]
		f.mu.Unlock()
		return next.updates, next.err
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID int64, text string) (*platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, text)
	return &platform.Message{Chat: platform.Chat{ID: chatID}, Text: text}, nil
}

func (f *fakeAPI) snapshot() ([]int64, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets...), append([]string(nil), f.sent...)
}

func textUpdate(id int64, text string) platform.Update {
	return platform.Update{UpdateID: id, Message: &platform.Message{MessageID: id, Chat: platform.Chat{ID: 99}, Text: text}}
}

func newTestRunner(api PlatformAPI, responder Responder) *EchoRunner {
	r := NewEchoRunner(api, responder, time.Second, logger.Discard())
	r.retryInterval = time.Millisecond
	return r
}

// runUntilIdle runs r until the fake has no scripted polls left, then cancels.
func runUntilIdle(t *testing.T, r *EchoRunner, api *fakeAPI, wantPolls int) error {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, func() {}) }()

	require.Eventually(t, func() bool {
		offsets, _ := api.snapshot()
		return len(offsets) >= wantPolls
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
		return nil
	}
}

func TestEchoRunner_Setup(t *testing.T) {
	ok := &fakeAPI{}
	require.NoError(t, newTestRunner(ok, nil).Setup(t.Context()))

	unauthorized := &fakeAPI{meErr: &platform.APIError{Method: "getMe", StatusCode: http.StatusUnauthorized}}
	var apiErr *platform.APIError
	assert.ErrorAs(t, newTestRunner(unauthorized, nil).Setup(t.Context()), &apiErr)
}

func TestEchoRunner_EchoesAndAdvancesOffset(t *testing.T) {
	api := &fakeAPI{polls: []pollResult{
		{updates: []platform.Update{textUpdate(10, "hello"), textUpdate(11, "world"), {UpdateID: 12}}},
	}}
	r := newTestRunner(api, nil)

	require.NoError(t, runUntilIdle(t, r, api, 2))

	offsets, sent := api.snapshot()
	assert.Equal(t, []string{"hello", "world"}, sent)
	assert.Equal(t, int64(0), offsets[0])
	assert.Equal(t, int64(13), offsets[1])
}

func TestEchoRunner_CustomResponder(t *testing.T) {
	api := &fakeAPI{polls: []pollResult{{updates: []platform.Update{
		textUpdate(1, "skip"), textUpdate(2, "fail"), textUpdate(3, "ping"),
	}}}}
	responder := ResponderFunc(func(_ context.Context, msg *platform.Message) (string, error) {
		switch msg.Text {
		case "skip":
			return "", nil
		case "fail":
			return "", errors.New("model unavailable")
		}
		return "pong", nil
	})

	require.NoError(t, runUntilIdle(t, newTestRunner(api, responder), api, 2))

	_, sent := api.snapshot()
	assert.Equal(t, []string{"pong"}, sent)
}

func TestEchoRunner_OverloadKeepsRunning(t *testing.T) {
	api := &fakeAPI{polls: []pollResult{
		{err: &platform.OverloadError{Method: "getUpdates", RetryAfter: time.Second}},
		{updates: []platform.Update{textUpdate(5, "after")}},
	}}

	require.NoError(t, runUntilIdle(t, newTestRunner(api, nil), api, 3))

	_, sent := api.snapshot()
	assert.Equal(t, []string{"after"}, sent)
}

func TestEchoRunner_TransientErrorsRetried(t *testing.T) {
	api := &fakeAPI{polls: []pollResult{
		{err: errors.New("connection reset")},
		{err: &platform.APIError{Method: "getUpdates", StatusCode: http.StatusBadGateway}},
		{updates: []platform.Update{textUpdate(1, "ok")}},
	}}

	require.NoError(t, runUntilIdle(t, newTestRunner(api, nil), api, 4))

	_, sent := api.snapshot()
	assert.Equal(t, []string{"ok"}, sent)
}

func TestEchoRunner_FatalErrorEndsLoop(t *testing.T) {
	fatal := &platform.APIError{Method: "getUpdates", StatusCode: http.StatusUnauthorized, Description: "Unauthorized"}
	api := &fakeAPI{polls: []pollResult{{err: fatal}}}

	ready := false
	err := newTestRunner(api, nil).Run(t.Context(), func() { ready = true })

	assert.True(t, ready)
	assert.ErrorIs(t, err, fatal)
}

func TestEchoRunner_RetriesExhausted(t *testing.T) {
	netErr := errors.New("no route to host")
	api := &fakeAPI{polls: []pollResult{{err: netErr}, {err: netErr}, {err: netErr}}}

	err := newTestRunner(api, nil).Run(t.Context(), func() {})
	assert.ErrorIs(t, err, netErr)
}

func TestEchoRunner_SendFailureDoesNotStopLoop(t *testing.T) {
	api := &fakeAPI{
		polls:   []pollResult{{updates: []platform.Update{textUpdate(1, "hi")}}},
		sendErr: &platform.APIError{Method: "sendMessage", StatusCode: http.StatusForbidden},
	}

	require.NoError(t, runUntilIdle(t, newTestRunner(api, nil), api, 2))
}

func TestTransient(t *testing.T) {
	assert.True(t, transient(errors.New("eof")))
	assert.True(t, transient(&platform.APIError{StatusCode: 500}))
	assert.False(t, transient(&platform.APIError{StatusCode: 400}))
	assert.False(t, transient(&platform.OverloadError{}))
	assert.False(t, transient(context.Canceled))
}

func TestEchoFactory(t *testing.T) {
	cfg := models.NewDefaultConfig().Platform
	factory := NewEchoFactory(cfg, nil, nil, logger.Discard())
	inst := newInstance()

	runner, err := factory.NewRunner(inst, &models.Credential{ID: "bot-1", Secret: "123456:abcdefg"})
	require.NoError(t, err)
	assert.IsType(t, &EchoRunner{}, runner)

	_, err = factory.NewRunner(inst, &models.Credential{ID: "bot-2", Secret: "bogus"})
	assert.ErrorContains(t, err, "invalid format")
}
