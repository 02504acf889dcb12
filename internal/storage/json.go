package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"botfleet/internal/models"
)

// JSONStorage persists records to a single JSON document. Reads are served
// from an in-memory copy that is refreshed when the file changes on disk;
// every write rewrites the file atomically.
type JSONStorage struct {
	filePath     string
	cacheTTL     time.Duration
	mu           sync.RWMutex
	data         *JSONData
	lastModified time.Time
	cacheExpiry  time.Time
}

// JSONData represents the structure of data stored in JSON format
type JSONData struct {
	Workers     []*models.WorkerRecord `json:"workers"`
	Assignments []*models.Assignment   `json:"assignments"`
	LastUpdated time.Time              `json:"last_updated"`
}

// NewJSONStorage creates a new JSON-based storage instance. The "cache_ttl"
// option (a duration string) controls how often the file is re-checked.
func NewJSONStorage(config Config) (*JSONStorage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for JSON storage")
	}

	cacheTTL := 5 * time.Second
	if raw, ok := config.Options["cache_ttl"].(string); ok && raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cacheTTL = d
		}
	}

	storage := &JSONStorage{
		filePath: config.Path,
		cacheTTL: cacheTTL,
	}

	if err := storage.ensureFileExists(); err != nil {
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}

	if err := storage.loadData(); err != nil {
		return nil, fmt.Errorf("failed to load initial data: %w", err)
	}

	return storage, nil
}

func (j *JSONStorage) ensureFileExists() error {
	if _, err := os.Stat(j.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(j.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return j.saveData(&JSONData{
			Workers:     []*models.WorkerRecord{},
			Assignments: []*models.Assignment{},
		})
	}
	return nil
}

// loadData refreshes the cached document. It uses double-checked locking: a
// read-lock fast path for cache hits and a write-lock slow path that
// re-validates before touching the file.
func (j *JSONStorage) loadData() error {
	j.mu.RLock()
	if j.data != nil && time.Now().Before(j.cacheExpiry) {
		j.mu.RUnlock()
		return nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.data != nil && time.Now().Before(j.cacheExpiry) {
		return nil
	}

	info, err := os.Stat(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if j.data != nil && !info.ModTime().After(j.lastModified) {
		j.cacheExpiry = time.Now().Add(j.cacheTTL)
		return nil
	}

	fileData, err := os.ReadFile(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var data JSONData
	if err := json.Unmarshal(fileData, &data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	j.data = &data
	j.lastModified = info.ModTime()
	j.cacheExpiry = time.Now().Add(j.cacheTTL)
	return nil
}

// saveData writes to a temp file and renames it over the original. Callers
// hold j.mu for writing (or own j exclusively during construction).
func (j *JSONStorage) saveData(data *JSONData) error {
	data.LastUpdated = time.Now().UTC()

	fileData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmp := j.filePath + ".tmp"
	if err := os.WriteFile(tmp, fileData, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, j.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	if info, err := os.Stat(j.filePath); err == nil {
		j.lastModified = info.ModTime()
	}
	return nil
}

func (j *JSONStorage) SaveWorker(ctx context.Context, rec *models.WorkerRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid worker record: %w", err)
	}
	if err := j.loadData(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	recCopy := *rec
	for i, existing := range j.data.Workers {
		if existing.InstanceID == rec.InstanceID {
			j.data.Workers[i] = &recCopy
			return j.saveData(j.data)
		}
	}
	j.data.Workers = append(j.data.Workers, &recCopy)
	return j.saveData(j.data)
}

func (j *JSONStorage) GetWorker(ctx context.Context, instanceID string) (*models.WorkerRecord, error) {
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	for _, rec := range j.data.Workers {
		if rec.InstanceID == instanceID {
			recCopy := *rec
			return &recCopy, nil
		}
	}
	return nil, fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
}

func (j *JSONStorage) ListWorkers(ctx context.Context, owner string) ([]*models.WorkerRecord, error) {
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]*models.WorkerRecord, 0, len(j.data.Workers))
	for _, rec := range j.data.Workers {
		if owner != "" && rec.Owner != owner {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
	}
	sortWorkers(out)
	return out, nil
}

func (j *JSONStorage) DeleteWorker(ctx context.Context, instanceID string) error {
	if err := j.loadData(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for i, rec := range j.data.Workers {
		if rec.InstanceID == instanceID {
			j.data.Workers = append(j.data.Workers[:i], j.data.Workers[i+1:]...)
			return j.saveData(j.data)
		}
	}
	return fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
}

func (j *JSONStorage) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	if a.CredentialID == "" {
		return fmt.Errorf("assignment requires a credential id")
	}
	if err := j.loadData(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	aCopy := *a
	for i, existing := range j.data.Assignments {
		if existing.CredentialID == a.CredentialID {
			j.data.Assignments[i] = &aCopy
			return j.saveData(j.data)
		}
	}
	j.data.Assignments = append(j.data.Assignments, &aCopy)
	return j.saveData(j.data)
}

func (j *JSONStorage) GetAssignment(ctx context.Context, credentialID string) (*models.Assignment, error) {
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	for _, a := range j.data.Assignments {
		if a.CredentialID == credentialID {
			aCopy := *a
			return &aCopy, nil
		}
	}
	return nil, fmt.Errorf("assignment for %s: %w", credentialID, ErrNotFound)
}

func (j *JSONStorage) GetAssignmentByOwner(ctx context.Context, owner string) (*models.Assignment, error) {
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	var latest *models.Assignment
	for _, a := range j.data.Assignments {
		if a.Owner == owner && (latest == nil || a.AssignedAt.After(latest.AssignedAt)) {
			latest = a
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("assignment for owner %s: %w", owner, ErrNotFound)
	}
	aCopy := *latest
	return &aCopy, nil
}

func (j *JSONStorage) DeleteAssignment(ctx context.Context, credentialID string) error {
	if err := j.loadData(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for i, a := range j.data.Assignments {
		if a.CredentialID == credentialID {
			j.data.Assignments = append(j.data.Assignments[:i], j.data.Assignments[i+1:]...)
			return j.saveData(j.data)
		}
	}
	return nil
}

func (j *JSONStorage) ListAssignments(ctx context.Context) ([]*models.Assignment, error) {
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]*models.Assignment, 0, len(j.data.Assignments))
	for _, a := range j.data.Assignments {
		aCopy := *a
		out = append(out, &aCopy)
	}
	sortAssignments(out)
	return out, nil
}

// Ping checks that the backing file is still readable.
func (j *JSONStorage) Ping(ctx context.Context) error {
	if _, err := os.Stat(j.filePath); err != nil {
		return fmt.Errorf("json storage unavailable: %w", err)
	}
	return nil
}

// Close is a no-op; every write is already flushed.
func (j *JSONStorage) Close() error {
	return nil
}
