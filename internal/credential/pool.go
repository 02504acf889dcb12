// Package credential owns the pool of platform tokens. It is the single
// source of truth for which credentials exist and which are free.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"botfleet/internal/models"
	"botfleet/internal/storage"

	"github.com/cenkalti/backoff/v5"
)

const releaseTries = 3

// Metrics receives pool events.
type Metrics interface {
	ObservePoolExhausted()
}

// Pool hands out credentials in configuration order. Allocation marks a
// credential assigned and persists the assignment inside one critical
// section, so concurrent callers never receive the same credential.
type Pool struct {
	mu    sync.Mutex
	order []string
	creds map[string]*models.Credential
	added int

	// holders maps an assigned credential id to the instance holding it.
	holders map[string]string

	// orphaned credentials are free in memory but their persisted
	// assignment could not be deleted; Allocate overwrites the stale row.
	orphaned map[string]bool

	store         storage.Storage
	metrics       Metrics
	logger        *slog.Logger
	now           func() time.Time
	retryInterval time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

func WithMetrics(m Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithRetryInterval sets the initial delay between attempts to delete a
// persisted assignment on release.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Pool) { p.retryInterval = d }
}

// NewPool builds a pool from configured sources. Every token must have the
// platform's "<bot id>:<secret>" shape and ids must be unique.
func NewPool(sources []models.CredentialSource, store storage.Storage, opts ...Option) (*Pool, error) {
	p := &Pool{
		creds:         make(map[string]*models.Credential, len(sources)),
		holders:       make(map[string]string),
		orphaned:      make(map[string]bool),
		store:         store,
		logger:        slog.Default(),
		now:           time.Now,
		retryInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}

	secrets := make(map[string]struct{}, len(sources))
	for i, src := range sources {
		id := strings.TrimSpace(src.ID)
		if id == "" {
			return nil, fmt.Errorf("credential %d: id is required", i+1)
		}
		if _, dup := p.creds[id]; dup {
			return nil, fmt.Errorf("credential %s: %w", id, ErrDuplicateCredential)
		}
		if !models.ValidTokenFormat(src.Token) {
			return nil, fmt.Errorf("credential %s: %w", id, ErrInvalidToken)
		}
		if _, dup := secrets[src.Token]; dup {
			return nil, fmt.Errorf("credential %s: %w", id, ErrDuplicateCredential)
		}
		secrets[src.Token] = struct{}{}

		p.order = append(p.order, id)
		p.creds[id] = &models.Credential{ID: id, Secret: src.Token, Status: models.CredentialFree}
	}

	return p, nil
}

// Allocate claims the first free credential for owner on behalf of
// instanceID. A credential with a persisted assignment is skipped even when
// it is free in memory, since another process may hold it, unless this pool
// itself left that row behind on a failed release.
func (p *Pool) Allocate(ctx context.Context, owner, instanceID string) (*models.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		cred := p.creds[id]
		if cred.Status != models.CredentialFree {
			continue
		}

		if !p.orphaned[id] {
			_, err := p.store.GetAssignment(ctx, id)
			if err == nil {
				p.logger.Debug("Skipping credential with persisted assignment", "credential_id", id)
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("failed to check assignment for %s: %w", id, err)
			}
		}

		now := p.now()
		if err := p.store.SaveAssignment(ctx, &models.Assignment{
			CredentialID: id,
			Owner:        owner,
			InstanceID:   instanceID,
			AssignedAt:   now,
		}); err != nil {
			return nil, fmt.Errorf("failed to persist assignment for %s: %w", id, err)
		}

		delete(p.orphaned, id)
		p.assign(cred, owner, instanceID, now)
		p.logger.Info("Credential allocated", "credential_id", id, "owner", owner, "instance_id", instanceID)
		return copyCredential(cred), nil
	}

	if p.metrics != nil {
		p.metrics.ObservePoolExhausted()
	}
	p.logger.Warn("Credential pool exhausted", "total", len(p.order), "owner", owner)
	return nil, ErrPoolExhausted
}

// Release returns a credential to the pool on behalf of instanceID.
// Releasing a free credential is a no-op, as is releasing a credential that
// has since been handed to a different instance. An empty instanceID
// releases regardless of holder.
//
// A failed delete of the persisted assignment is retried. If it keeps
// failing the credential is still freed in memory and the error returned;
// the stale row is overwritten by the next allocation.
func (p *Pool) Release(ctx context.Context, credentialID, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[credentialID]
	if !ok {
		return fmt.Errorf("credential %s: %w", credentialID, ErrCredentialNotFound)
	}
	if cred.Status == models.CredentialFree {
		return nil
	}
	if holder := p.holders[credentialID]; instanceID != "" && holder != "" && holder != instanceID {
		p.logger.Debug("Ignoring release from non-holder",
			"credential_id", credentialID, "instance_id", instanceID, "holder", holder)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInterval
	b.MaxInterval = 10 * p.retryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.store.DeleteAssignment(ctx, credentialID)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(releaseTries))

	cred.Status = models.CredentialFree
	cred.Owner = ""
	cred.AssignedAt = nil
	delete(p.holders, credentialID)

	if err != nil {
		p.orphaned[credentialID] = true
		p.logger.Error("Credential released with stale persisted assignment",
			"credential_id", credentialID, "error", err)
		return fmt.Errorf("failed to delete assignment for %s: %w", credentialID, err)
	}
	p.logger.Info("Credential released", "credential_id", credentialID)
	return nil
}

// Record marks credentialID as held by owner and persists the mapping. It is
// used when an assignment is established outside Allocate, such as when a
// worker record is rehydrated after a restart.
func (p *Pool) Record(ctx context.Context, credentialID, owner, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[credentialID]
	if !ok {
		return fmt.Errorf("credential %s: %w", credentialID, ErrCredentialNotFound)
	}

	now := p.now()
	if err := p.store.SaveAssignment(ctx, &models.Assignment{
		CredentialID: credentialID,
		Owner:        owner,
		InstanceID:   instanceID,
		AssignedAt:   now,
	}); err != nil {
		return fmt.Errorf("failed to persist assignment for %s: %w", credentialID, err)
	}

	delete(p.orphaned, credentialID)
	p.assign(cred, owner, instanceID, now)
	return nil
}

// Lookup returns the credential most recently assigned to owner.
func (p *Pool) Lookup(ctx context.Context, owner string) (*models.Credential, error) {
	a, err := p.store.GetAssignmentByOwner(ctx, owner)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("owner %s: %w", owner, ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("failed to look up assignment: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cred, ok := p.creds[a.CredentialID]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", a.CredentialID, ErrCredentialNotFound)
	}
	return copyCredential(cred), nil
}

// Restore marks credentials assigned according to persisted assignments and
// returns how many were restored. Assignments for credentials that are no
// longer configured are logged and left alone.
func (p *Pool) Restore(ctx context.Context) (int, error) {
	assignments, err := p.store.ListAssignments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list assignments: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	restored := 0
	for _, a := range assignments {
		cred, ok := p.creds[a.CredentialID]
		if !ok {
			p.logger.Warn("Persisted assignment references unknown credential", "credential_id", a.CredentialID, "owner", a.Owner)
			continue
		}
		p.assign(cred, a.Owner, a.InstanceID, a.AssignedAt)
		restored++
	}
	return restored, nil
}

// Add validates and appends a new credential, returning its id.
func (p *Pool) Add(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if !models.ValidTokenFormat(secret) {
		return "", ErrInvalidToken
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, cred := range p.creds {
		if cred.Secret == secret {
			return "", fmt.Errorf("credential %s: %w", cred.ID, ErrDuplicateCredential)
		}
	}

	var id string
	for {
		p.added++
		id = fmt.Sprintf("added-%d", p.added)
		if _, taken := p.creds[id]; !taken {
			break
		}
	}

	p.order = append(p.order, id)
	p.creds[id] = &models.Credential{ID: id, Secret: secret, Status: models.CredentialFree}
	p.logger.Info("Credential added", "credential_id", id, "hint", models.SecretHint(secret))
	return id, nil
}

// Remove drops a free credential from the pool.
func (p *Pool) Remove(credentialID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[credentialID]
	if !ok {
		return fmt.Errorf("credential %s: %w", credentialID, ErrCredentialNotFound)
	}
	if cred.Status == models.CredentialAssigned {
		return fmt.Errorf("credential %s: %w", credentialID, ErrCredentialInUse)
	}

	delete(p.creds, credentialID)
	delete(p.orphaned, credentialID)
	for i, id := range p.order {
		if id == credentialID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.logger.Info("Credential removed", "credential_id", credentialID)
	return nil
}

// Get returns a copy of one credential, secret included.
func (p *Pool) Get(credentialID string) (*models.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[credentialID]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", credentialID, ErrCredentialNotFound)
	}
	return copyCredential(cred), nil
}

// List returns redacted views in allocation order.
func (p *Pool) List() []models.CredentialView {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.CredentialView, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.creds[id].Redacted())
	}
	return out
}

func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := models.PoolStats{Total: len(p.order)}
	for _, cred := range p.creds {
		if cred.Status == models.CredentialAssigned {
			stats.Assigned++
		}
	}
	stats.Free = stats.Total - stats.Assigned
	return stats
}

// assign updates in-memory state. Caller holds p.mu.
func (p *Pool) assign(cred *models.Credential, owner, instanceID string, at time.Time) {
	p.holders[cred.ID] = instanceID
	cred.Status = models.CredentialAssigned
	cred.Owner = owner
	cred.AssignedAt = &at
}

func copyCredential(c *models.Credential) *models.Credential {
	out := *c
	if c.AssignedAt != nil {
		at := *c.AssignedAt
		out.AssignedAt = &at
	}
	return &out
}
