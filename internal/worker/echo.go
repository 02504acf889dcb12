package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"botfleet/internal/models"
	"botfleet/internal/platform"

	"github.com/cenkalti/backoff/v5"
)

// PlatformAPI is the subset of platform.Client a bot loop uses.
type PlatformAPI interface {
	GetMe(ctx context.Context) (*platform.User, error)
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]platform.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) (*platform.Message, error)
}

// Responder produces the reply to an incoming message. Conversational
// content lives outside the fleet; an empty reply sends nothing.
type Responder interface {
	Respond(ctx context.Context, msg *platform.Message) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, msg *platform.Message) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, msg *platform.Message) (string, error) {
	return f(ctx, msg)
}

// Echo replies with the incoming text.
var Echo = ResponderFunc(func(_ context.Context, msg *platform.Message) (string, error) {
	return msg.Text, nil
})

const defaultPollRetries = 3

// EchoRunner long-polls for messages and answers them through a Responder.
type EchoRunner struct {
	api           PlatformAPI
	responder     Responder
	pollTimeout   time.Duration
	retryInterval time.Duration
	maxTries      uint
	logger        *slog.Logger

	offset int64
}

// NewEchoRunner creates a runner. A nil responder echoes.
func NewEchoRunner(api PlatformAPI, responder Responder, pollTimeout time.Duration, logger *slog.Logger) *EchoRunner {
	if responder == nil {
		responder = Echo
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoRunner{
		api:           api,
		responder:     responder,
		pollTimeout:   pollTimeout,
		retryInterval: 500 * time.Millisecond,
		maxTries:      defaultPollRetries,
		logger:        logger,
	}
}

// Setup confirms the credential is accepted by the platform.
func (r *EchoRunner) Setup(ctx context.Context) error {
	me, err := r.api.GetMe(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("Credential verified", "bot_id", me.ID, "username", me.Username)
	return nil
}

// Run polls until ctx is cancelled. Overload signals are absorbed because the
// limiter already delays the next poll; other platform errors end the loop.
func (r *EchoRunner) Run(ctx context.Context, ready func()) error {
	ready()

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := r.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var overload *platform.OverloadError
			if errors.As(err, &overload) {
				r.logger.Debug("Poll throttled", "retry_after", overload.RetryAfter)
				continue
			}
			return err
		}

		for _, u := range updates {
			if u.UpdateID >= r.offset {
				r.offset = u.UpdateID + 1
			}
			r.handle(ctx, u)
		}
	}
}

// poll retries transient failures with exponential backoff.
func (r *EchoRunner) poll(ctx context.Context) ([]platform.Update, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInterval
	b.MaxInterval = 10 * r.retryInterval

	return backoff.Retry(ctx, func() ([]platform.Update, error) {
		updates, err := r.api.GetUpdates(ctx, r.offset, r.pollTimeout)
		if err == nil {
			return updates, nil
		}
		if !transient(err) {
			return nil, backoff.Permanent(err)
		}
		r.logger.Warn("Transient poll failure, retrying", "error", err)
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxTries))
}

func (r *EchoRunner) handle(ctx context.Context, u platform.Update) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return
	}

	reply, err := r.responder.Respond(ctx, msg)
	if err != nil {
		r.logger.Warn("Responder failed", "update_id", u.UpdateID, "error", err)
		return
	}
	if reply == "" {
		return
	}

	// A failed reply drops that message only; the loop keeps running.
	if _, err := r.api.SendMessage(ctx, msg.Chat.ID, reply); err != nil && ctx.Err() == nil {
		r.logger.Warn("Failed to send reply", "chat_id", msg.Chat.ID, "update_id", u.UpdateID, "error", err)
	}
}

// transient reports whether a retry may succeed. Overloads are not retried
// here since the limiter owns that delay.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var overload *platform.OverloadError
	if errors.As(err, &overload) {
		return false
	}
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// NewEchoFactory builds an EchoRunner backed by a platform client for each
// instance's credential.
func NewEchoFactory(cfg models.PlatformConfig, limiter platform.Limiter, responder Responder, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return FactoryFunc(func(inst *Instance, cred *models.Credential) (Runner, error) {
		if !models.ValidTokenFormat(cred.Secret) {
			return nil, errors.New("credential token has an invalid format")
		}
		l := logger.With("instance_id", inst.ID, "credential_id", cred.ID)
		client := platform.NewClient(cfg, cred, limiter, platform.WithLogger(l))
		return NewEchoRunner(client, responder, cfg.PollTimeout, l), nil
	})
}
