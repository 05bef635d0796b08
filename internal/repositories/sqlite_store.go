package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sceneforge/internal/models"
	"sceneforge/internal/ports"
)

// SQLiteStore keeps batch history in a local SQLite file. It backs CLI runs,
// which have no PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

var _ ports.BatchStore = (*SQLiteStore)(nil)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
  id              TEXT PRIMARY KEY,
  scene_id        TEXT NOT NULL,
  status          TEXT NOT NULL,
  policy          TEXT NOT NULL,
  request_json    JSON,
  total           INTEGER NOT NULL DEFAULT 0,
  succeeded       INTEGER NOT NULL DEFAULT 0,
  failed          INTEGER NOT NULL DEFAULT 0,
  bundle_key      TEXT NOT NULL DEFAULT '',
  bundle_name     TEXT NOT NULL DEFAULT '',
  bundle_size     INTEGER NOT NULL DEFAULT 0,
  bundle_checksum TEXT NOT NULL DEFAULT '',
  error_code      TEXT NOT NULL DEFAULT '',
  error_text      TEXT NOT NULL DEFAULT '',
  created_at      TEXT NOT NULL,
  started_at      TEXT,
  finished_at     TEXT
);`,
	`CREATE TABLE IF NOT EXISTS batch_outcomes (
  batch_id     TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
  position     INTEGER NOT NULL,
  variation_id TEXT NOT NULL,
  status       TEXT NOT NULL,
  reason       TEXT NOT NULL DEFAULT '',
  exit_code    INTEGER NOT NULL DEFAULT 0,
  signal       TEXT NOT NULL DEFAULT '',
  stderr       TEXT NOT NULL DEFAULT '',
  output_name  TEXT NOT NULL DEFAULT '',
  duration_ms  INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (batch_id, position)
);`,
	`CREATE INDEX IF NOT EXISTS batches_created_at_idx ON batches(created_at);`,
}

// OpenSQLite opens (and creates if needed) the history database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{"PRAGMA foreign_keys = ON;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateBatch(ctx context.Context, b *models.Batch) error {
	if b.Status == "" {
		b.Status = models.BatchQueued
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, scene_id, status, policy, request_json, total, created_at)
		VALUES (?,?,?,?,?,?,?)
	`, b.ID, b.SceneID, string(b.Status), b.Policy, string(b.Request), b.Total, formatTime(b.CreatedAt))
	return err
}

const sqliteBatchColumns = `id, scene_id, status, policy, COALESCE(request_json,''), total, succeeded, failed,
	bundle_key, bundle_name, bundle_size, bundle_checksum, error_code, error_text, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBatch(row scanner) (*models.Batch, error) {
	var (
		b                 models.Batch
		status, req       string
		created           string
		started, finished sql.NullString
	)
	err := row.Scan(&b.ID, &b.SceneID, &status, &b.Policy, &req, &b.Total, &b.Succeeded, &b.Failed,
		&b.BundleKey, &b.BundleName, &b.BundleSize, &b.BundleChecksum, &b.ErrorCode, &b.ErrorText,
		&created, &started, &finished)
	if err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	if req != "" {
		b.Request = []byte(req)
	}
	b.CreatedAt = parseTime(created)
	if started.Valid {
		t := parseTime(started.String)
		b.StartedAt = &t
	}
	if finished.Valid {
		t := parseTime(finished.String)
		b.FinishedAt = &t
	}
	return &b, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	b, err := scanSQLiteBatch(s.db.QueryRowContext(ctx, `SELECT `+sqliteBatchColumns+` FROM batches WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	return b, err
}

func (s *SQLiteStore) ListBatches(ctx context.Context, limit int) ([]models.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteBatchColumns+` FROM batches ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Batch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status='RUNNING', started_at=?, finished_at=NULL, error_code='', error_text=''
		WHERE id=?
	`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (s *SQLiteStore) Finish(ctx context.Context, b *models.Batch, outcomes []models.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_outcomes WHERE batch_id=?`, b.ID); err != nil {
		return err
	}
	for _, o := range outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_outcomes (batch_id, position, variation_id, status, reason, exit_code, signal, stderr, output_name, duration_ms)
			VALUES (?,?,?,?,?,?,?,?,?,?)
		`, b.ID, o.Position, o.VariationID, o.Status, o.Reason, o.ExitCode, o.Signal, o.Stderr, o.OutputName, o.DurationMS)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	b.FinishedAt = &now
	res, err := tx.ExecContext(ctx, `
		UPDATE batches
		SET status=?, total=?, succeeded=?, failed=?, bundle_key=?, bundle_name=?, bundle_size=?, bundle_checksum=?,
		    error_code=?, error_text=?, finished_at=?
		WHERE id=?
	`, string(b.Status), b.Total, b.Succeeded, b.Failed, b.BundleKey, b.BundleName, b.BundleSize, b.BundleChecksum,
		b.ErrorCode, b.ErrorText, formatTime(now), b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBatchNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, batchID string) ([]models.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, variation_id, status, reason, exit_code, signal, stderr, output_name, duration_ms
		FROM batch_outcomes WHERE batch_id=? ORDER BY position
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		o := models.Outcome{BatchID: batchID}
		if err := rows.Scan(&o.Position, &o.VariationID, &o.Status, &o.Reason, &o.ExitCode, &o.Signal,
			&o.Stderr, &o.OutputName, &o.DurationMS); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
