package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/babyshoot/api/internal/model"
	"github.com/babyshoot/api/internal/store/migrations"
)

const sessionColumns = `id, owner_id, child_id, status, training_job_id, generation_job_id, model_id, missing_ref_checks, created_at, updated_at`

// PostgresStore implements Store against the Supabase Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens a pgx connection pool for databaseURL.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies any embedded migration not yet recorded in
// schema_migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return fmt.Errorf("store: check migration %s: %w", file, err)
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit(ctx)
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, session *model.Session) error {
	if session.Status == "" {
		session.Status = model.SessionStatusPending
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := p.pool.Exec(ctx, `
INSERT INTO sessions (id, owner_id, child_id, status, training_job_id, generation_job_id, model_id, missing_ref_checks, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		session.ID, session.OwnerID, session.ChildID, session.Status,
		session.TrainingJobID, session.GenerationJobID, session.ModelID,
		session.MissingRefChecks, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	return session, nil
}

func (p *PostgresStore) ListSessionsByOwner(ctx context.Context, ownerID string) ([]model.Session, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions for owner: %w", err)
	}
	return collectSessions(rows)
}

func (p *PostgresStore) ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]model.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	rows, err := p.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = ANY($1) ORDER BY updated_at ASC`, values)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions by status: %w", err)
	}
	return collectSessions(rows)
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, sessionID string, from, to model.SessionStatus, patch *model.SessionPatch) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}

	var modelID, generationJobID *string
	if patch != nil {
		modelID = patch.ModelID
		generationJobID = patch.GenerationJobID
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE sessions
SET status = $3,
    model_id = COALESCE($4, model_id),
    generation_job_id = COALESCE($5, generation_job_id),
    missing_ref_checks = 0,
    updated_at = NOW()
WHERE id = $1 AND status = $2`,
		sessionID, from, to, modelID, generationJobID,
	)
	if err != nil {
		return false, fmt.Errorf("store: transition session %s: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) IncrementMissingRefChecks(ctx context.Context, sessionID string, status model.SessionStatus) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
UPDATE sessions
SET missing_ref_checks = missing_ref_checks + 1,
    updated_at = NOW()
WHERE id = $1 AND status = $2
RETURNING missing_ref_checks`,
		sessionID, status,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: increment missing ref checks: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM generated_images WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("store: delete artifacts: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

const artifactColumns = `id, session_id, source_url, storage_url, storage_key, status, created_at`

func (p *PostgresStore) ListArtifacts(ctx context.Context, sessionID string) ([]model.Artifact, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+artifactColumns+` FROM generated_images WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	return collectArtifacts(rows)
}

func (p *PostgresStore) ListArtifactsByStatus(ctx context.Context, statuses ...model.ArtifactStatus) ([]model.Artifact, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	rows, err := p.pool.Query(ctx, `SELECT `+artifactColumns+` FROM generated_images WHERE status = ANY($1) ORDER BY created_at ASC`, values)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts by status: %w", err)
	}
	return collectArtifacts(rows)
}

func collectArtifacts(rows pgx.Rows) ([]model.Artifact, error) {
	defer rows.Close()

	var artifacts []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.SessionID, &a.SourceURL, &a.StorageURL, &a.StorageKey, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func (p *PostgresStore) InsertArtifact(ctx context.Context, artifact *model.Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx, `
INSERT INTO generated_images (id, session_id, source_url, storage_url, storage_key, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, source_url) DO NOTHING`,
		artifact.ID, artifact.SessionID, artifact.SourceURL, artifact.StorageURL,
		artifact.StorageKey, artifact.Status, artifact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *PostgresStore) UpdateArtifact(ctx context.Context, artifact *model.Artifact) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE generated_images
SET storage_url = $2, storage_key = $3, status = $4
WHERE id = $1`,
		artifact.ID, artifact.StorageURL, artifact.StorageKey, artifact.Status,
	)
	if err != nil {
		return fmt.Errorf("store: update artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	if err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.ChildID,
		&s.Status,
		&s.TrainingJobID,
		&s.GenerationJobID,
		&s.ModelID,
		&s.MissingRefChecks,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]model.Session, error) {
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
