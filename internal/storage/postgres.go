package storage

import (
	"context"
	"errors"
	"fmt"

	"botfleet/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workers (
	instance_id   TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL,
	owner         TEXT NOT NULL,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL,
	last_error    TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	last_updated  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_workers_owner ON workers(owner);
CREATE TABLE IF NOT EXISTS credential_assignments (
	credential_id TEXT PRIMARY KEY,
	owner         TEXT NOT NULL,
	instance_id   TEXT,
	assigned_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_owner ON credential_assignments(owner);
`

// PostgresStorage implements Storage on a pgx connection pool. Several
// supervisors may share one database; each one only touches the rows of the
// credentials it was configured with.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects, pings and creates the schema if needed.
func NewPostgresStorage(config Config) (*PostgresStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

func (ps *PostgresStorage) SaveWorker(ctx context.Context, rec *models.WorkerRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid worker record: %w", err)
	}

	_, err := ps.pool.Exec(ctx, `
		INSERT INTO workers (instance_id, credential_id, owner, name, status, last_error, created_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instance_id) DO UPDATE SET
			credential_id = EXCLUDED.credential_id,
			owner         = EXCLUDED.owner,
			name          = EXCLUDED.name,
			status        = EXCLUDED.status,
			last_error    = EXCLUDED.last_error,
			last_updated  = EXCLUDED.last_updated`,
		rec.InstanceID, rec.CredentialID, rec.Owner, rec.Name, rec.Status,
		textToPg(rec.LastError), rec.CreatedAt, timeToPg(rec.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to save worker %s: %w", rec.InstanceID, err)
	}
	return nil
}

const pgWorkerColumns = `instance_id, credential_id, owner, name, status, last_error, created_at, last_updated`

func (ps *PostgresStorage) GetWorker(ctx context.Context, instanceID string) (*models.WorkerRecord, error) {
	row := ps.pool.QueryRow(ctx, `SELECT `+pgWorkerColumns+` FROM workers WHERE instance_id = $1`, instanceID)

	rec, err := scanPgWorker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return rec, nil
}

func (ps *PostgresStorage) ListWorkers(ctx context.Context, owner string) ([]*models.WorkerRecord, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT `+pgWorkerColumns+` FROM workers
		WHERE $1::text = '' OR owner = $1::text
		ORDER BY created_at, instance_id`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	out := []*models.WorkerRecord{}
	for rows.Next() {
		rec, err := scanPgWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (ps *PostgresStorage) DeleteWorker(ctx context.Context, instanceID string) error {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM workers WHERE instance_id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", instanceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", instanceID, ErrNotFound)
	}
	return nil
}

func (ps *PostgresStorage) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	if a.CredentialID == "" {
		return fmt.Errorf("assignment requires a credential id")
	}

	_, err := ps.pool.Exec(ctx, `
		INSERT INTO credential_assignments (credential_id, owner, instance_id, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (credential_id) DO UPDATE SET
			owner       = EXCLUDED.owner,
			instance_id = EXCLUDED.instance_id,
			assigned_at = EXCLUDED.assigned_at`,
		a.CredentialID, a.Owner, textToPg(a.InstanceID), a.AssignedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save assignment for %s: %w", a.CredentialID, err)
	}
	return nil
}

func (ps *PostgresStorage) GetAssignment(ctx context.Context, credentialID string) (*models.Assignment, error) {
	row := ps.pool.QueryRow(ctx, `
		SELECT credential_id, owner, instance_id, assigned_at
		FROM credential_assignments WHERE credential_id = $1`, credentialID)

	a, err := scanPgAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("assignment for %s: %w", credentialID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func (ps *PostgresStorage) GetAssignmentByOwner(ctx context.Context, owner string) (*models.Assignment, error) {
	row := ps.pool.QueryRow(ctx, `
		SELECT credential_id, owner, instance_id, assigned_at
		FROM credential_assignments WHERE owner = $1
		ORDER BY assigned_at DESC LIMIT 1`, owner)

	a, err := scanPgAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("assignment for owner %s: %w", owner, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func (ps *PostgresStorage) DeleteAssignment(ctx context.Context, credentialID string) error {
	if _, err := ps.pool.Exec(ctx,
		`DELETE FROM credential_assignments WHERE credential_id = $1`, credentialID); err != nil {
		return fmt.Errorf("failed to delete assignment for %s: %w", credentialID, err)
	}
	return nil
}

func (ps *PostgresStorage) ListAssignments(ctx context.Context) ([]*models.Assignment, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT credential_id, owner, instance_id, assigned_at
		FROM credential_assignments ORDER BY credential_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	out := []*models.Assignment{}
	for rows.Next() {
		a, err := scanPgAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}

func scanPgWorker(row pgx.Row) (*models.WorkerRecord, error) {
	var (
		rec         models.WorkerRecord
		lastError   pgtype.Text
		created     pgtype.Timestamptz
		lastUpdated pgtype.Timestamptz
	)
	if err := row.Scan(&rec.InstanceID, &rec.CredentialID, &rec.Owner, &rec.Name,
		&rec.Status, &lastError, &created, &lastUpdated); err != nil {
		return nil, err
	}
	rec.LastError = pgToText(lastError)
	rec.CreatedAt = pgToTime(created)
	rec.LastUpdated = pgToTime(lastUpdated)
	return &rec, nil
}

func scanPgAssignment(row pgx.Row) (*models.Assignment, error) {
	var (
		a          models.Assignment
		instanceID pgtype.Text
		assigned   pgtype.Timestamptz
	)
	if err := row.Scan(&a.CredentialID, &a.Owner, &instanceID, &assigned); err != nil {
		return nil, err
	}
	a.InstanceID = pgToText(instanceID)
	a.AssignedAt = pgToTime(assigned)
	return &a, nil
}
