package storage

import (
	"context"

	"botfleet/internal/models"
)

// Storage persists worker status records and credential assignments. The
// supervisor rewrites a worker record on every lifecycle transition and the
// credential pool consults assignments before handing out a credential, so
// implementations must be safe for concurrent use.
type Storage interface {
	// SaveWorker inserts or replaces the record keyed by InstanceID.
	SaveWorker(ctx context.Context, rec *models.WorkerRecord) error

	// GetWorker returns ErrNotFound when no record exists.
	GetWorker(ctx context.Context, instanceID string) (*models.WorkerRecord, error)

	// ListWorkers returns records ordered by creation time. An empty owner
	// lists every record.
	ListWorkers(ctx context.Context, owner string) ([]*models.WorkerRecord, error)

	// DeleteWorker returns ErrNotFound when no record exists.
	DeleteWorker(ctx context.Context, instanceID string) error

	// SaveAssignment inserts or replaces the assignment keyed by CredentialID.
	SaveAssignment(ctx context.Context, a *models.Assignment) error

	// GetAssignment returns ErrNotFound when the credential is unassigned.
	GetAssignment(ctx context.Context, credentialID string) (*models.Assignment, error)

	// GetAssignmentByOwner returns the most recent assignment held by owner.
	GetAssignmentByOwner(ctx context.Context, owner string) (*models.Assignment, error)

	// DeleteAssignment is idempotent: removing a missing assignment is not an error.
	DeleteAssignment(ctx context.Context, credentialID string) error

	ListAssignments(ctx context.Context) ([]*models.Assignment, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases connections and file handles.
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type
	Type string `json:"type" yaml:"type"`

	// Path is used for file-based storage backends
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// MaxOpenConns bounds the database connection pool; zero keeps the driver default.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`

	// Additional options for specific backends
	Options map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}
