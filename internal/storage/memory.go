package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"botfleet/internal/models"
)

// MemoryStorage keeps records in maps. State is lost on restart, so a fleet
// backed by it cannot reconcile after a crash; use it for development and tests.
type MemoryStorage struct {
	mu          sync.RWMutex
	workers     map[string]*models.WorkerRecord
	assignments map[string]*models.Assignment // keyed by credential id
}

// NewMemoryStorage creates a new memory-based storage instance
func NewMemoryStorage(config Config) (*MemoryStorage, error) {
	return &MemoryStorage{
		workers:     make(map[string]*models.WorkerRecord),
		assignments: make(map[string]*models.Assignment),
	}, nil
}

func (m *MemoryStorage) SaveWorker(ctx context.Context, rec *models.WorkerRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid worker record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Store a copy to prevent external modification
	recCopy := *rec
	m.workers[rec.InstanceID] = &recCopy
	return nil
}

func (m *MemoryStorage) GetWorker(ctx context.Context, instanceID string) (*models.WorkerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.workers[instanceID]
	if !exists {
		return nil, fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
	}
	recCopy := *rec
	return &recCopy, nil
}

func (m *MemoryStorage) ListWorkers(ctx context.Context, owner string) ([]*models.WorkerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.WorkerRecord, 0, len(m.workers))
	for _, rec := range m.workers {
		if owner != "" && rec.Owner != owner {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
	}
	sortWorkers(out)
	return out, nil
}

func (m *MemoryStorage) DeleteWorker(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[instanceID]; !exists {
		return fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
	}
	delete(m.workers, instanceID)
	return nil
}

func (m *MemoryStorage) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	if a.CredentialID == "" {
		return fmt.Errorf("assignment requires a credential id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	aCopy := *a
	m.assignments[a.CredentialID] = &aCopy
	return nil
}

func (m *MemoryStorage) GetAssignment(ctx context.Context, credentialID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.assignments[credentialID]
	if !exists {
		return nil, fmt.Errorf("assignment for %s: %w", credentialID, ErrNotFound)
	}
	aCopy := *a
	return &aCopy, nil
}

func (m *MemoryStorage) GetAssignmentByOwner(ctx context.Context, owner string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *models.Assignment
	for _, a := range m.assignments {
		if a.Owner != owner {
			continue
		}
		if latest == nil || a.AssignedAt.After(latest.AssignedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("assignment for owner %s: %w", owner, ErrNotFound)
	}
	aCopy := *latest
	return &aCopy, nil
}

func (m *MemoryStorage) DeleteAssignment(ctx context.Context, credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.assignments, credentialID)
	return nil
}

func (m *MemoryStorage) ListAssignments(ctx context.Context) ([]*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Assignment, 0, len(m.assignments))
	for _, a := range m.assignments {
		aCopy := *a
		out = append(out, &aCopy)
	}
	sortAssignments(out)
	return out, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage
func (m *MemoryStorage) Close() error {
	return nil
}

// sortWorkers orders by creation time, then id, so listings are stable.
func sortWorkers(recs []*models.WorkerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].InstanceID < recs[j].InstanceID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func sortAssignments(as []*models.Assignment) {
	sort.Slice(as, func(i, j int) bool {
		return as[i].CredentialID < as[j].CredentialID
	})
}
