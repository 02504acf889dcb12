package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"botfleet/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workers (
	instance_id   TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL,
	owner         TEXT NOT NULL,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	last_updated  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_workers_owner ON workers(owner);
CREATE TABLE IF NOT EXISTS credential_assignments (
	credential_id TEXT PRIMARY KEY,
	owner         TEXT NOT NULL,
	instance_id   TEXT NOT NULL DEFAULT '',
	assigned_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_owner ON credential_assignments(owner);
`

// SQLiteStorage stores records in a SQLite database through the pure-Go
// modernc driver, so the binary builds with CGO_ENABLED=0.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens the database at config.ConnectionString and creates
// the schema if needed.
func NewSQLiteStorage(config Config) (*SQLiteStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serialises writers; SQLite would otherwise return SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (ss *SQLiteStorage) SaveWorker(ctx context.Context, rec *models.WorkerRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid worker record: %w", err)
	}

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO workers (instance_id, credential_id, owner, name, status, last_error, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			credential_id = excluded.credential_id,
			owner         = excluded.owner,
			name          = excluded.name,
			status        = excluded.status,
			last_error    = excluded.last_error,
			last_updated  = excluded.last_updated`,
		rec.InstanceID, rec.CredentialID, rec.Owner, rec.Name, rec.Status, rec.LastError,
		formatTime(rec.CreatedAt), lastUpdatedText(rec),
	)
	if err != nil {
		return fmt.Errorf("failed to save worker %s: %w", rec.InstanceID, err)
	}
	return nil
}

func lastUpdatedText(rec *models.WorkerRecord) string {
	if rec.LastUpdated.IsZero() {
		return ""
	}
	return formatTime(rec.LastUpdated)
}

const sqliteWorkerColumns = `instance_id, credential_id, owner, name, status, last_error, created_at, last_updated`

func (ss *SQLiteStorage) GetWorker(ctx context.Context, instanceID string) (*models.WorkerRecord, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT `+sqliteWorkerColumns+` FROM workers WHERE instance_id = ?`, instanceID)

	rec, err := scanSQLiteWorker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return rec, nil
}

func (ss *SQLiteStorage) ListWorkers(ctx context.Context, owner string) ([]*models.WorkerRecord, error) {
	query := `SELECT ` + sqliteWorkerColumns + ` FROM workers`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at, instance_id`

	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	out := []*models.WorkerRecord{}
	for rows.Next() {
		rec, err := scanSQLiteWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (ss *SQLiteStorage) DeleteWorker(ctx context.Context, instanceID string) error {
	res, err := ss.db.ExecContext(ctx, `DELETE FROM workers WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", instanceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
	}
	return nil
}

func (ss *SQLiteStorage) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	if a.CredentialID == "" {
		return fmt.Errorf("assignment requires a credential id")
	}

	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO credential_assignments (credential_id, owner, instance_id, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(credential_id) DO UPDATE SET
			owner       = excluded.owner,
			instance_id = excluded.instance_id,
			assigned_at = excluded.assigned_at`,
		a.CredentialID, a.Owner, a.InstanceID, formatTime(a.AssignedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save assignment for %s: %w", a.CredentialID, err)
	}
	return nil
}

func (ss *SQLiteStorage) GetAssignment(ctx context.Context, credentialID string) (*models.Assignment, error) {
	row := ss.db.QueryRowContext(ctx, `
		SELECT credential_id, owner, instance_id, assigned_at
		FROM credential_assignments WHERE credential_id = ?`, credentialID)

	a, err := scanSQLiteAssignment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("assignment for %s: %w", credentialID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func (ss *SQLiteStorage) GetAssignmentByOwner(ctx context.Context, owner string) (*models.Assignment, error) {
	row := ss.db.QueryRowContext(ctx, `
		SELECT credential_id, owner, instance_id, assigned_at
		FROM credential_assignments WHERE owner = ?
		ORDER BY assigned_at DESC LIMIT 1`, owner)

	a, err := scanSQLiteAssignment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("assignment for owner %s: %w", owner, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func (ss *SQLiteStorage) DeleteAssignment(ctx context.Context, credentialID string) error {
	if _, err := ss.db.ExecContext(ctx,
		`DELETE FROM credential_assignments WHERE credential_id = ?`, credentialID); err != nil {
		return fmt.Errorf("failed to delete assignment for %s: %w", credentialID, err)
	}
	return nil
}

func (ss *SQLiteStorage) ListAssignments(ctx context.Context) ([]*models.Assignment, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT credential_id, owner, instance_id, assigned_at
		FROM credential_assignments ORDER BY credential_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	out := []*models.Assignment{}
	for rows.Next() {
		a, err := scanSQLiteAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorker(row rowScanner) (*models.WorkerRecord, error) {
	var (
		rec                 models.WorkerRecord
		created, lastUpdate string
	)
	if err := row.Scan(&rec.InstanceID, &rec.CredentialID, &rec.Owner, &rec.Name,
		&rec.Status, &rec.LastError, &created, &lastUpdate); err != nil {
		return nil, err
	}

	var err error
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if rec.LastUpdated, err = parseTime(lastUpdate); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanSQLiteAssignment(row rowScanner) (*models.Assignment, error) {
	var (
		a        models.Assignment
		assigned string
	)
	if err := row.Scan(&a.CredentialID, &a.Owner, &a.InstanceID, &assigned); err != nil {
		return nil, err
	}
	t, err := parseTime(assigned)
	if err != nil {
		return nil, err
	}
	a.AssignedAt = t
	return &a, nil
}
