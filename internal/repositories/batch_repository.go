package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sceneforge/internal/httpkit"
	"sceneforge/internal/models"
	"sceneforge/internal/ports"
)

var ErrSceneNotFound = errors.New("scene not found")
var ErrBatchNotFound = errors.New("batch not found")
var ErrBatchExists = errors.New("batch already exists")

// BatchRepository stores scenes, batches and outcomes in PostgreSQL.
type BatchRepository struct {
	db *pgxpool.Pool
}

var (
	_ ports.BatchStore = (*BatchRepository)(nil)
	_ ports.SceneStore = (*BatchRepository)(nil)
)

func NewBatchRepository(db *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) CreateScene(ctx context.Context, s *models.Scene) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO scenes (id, name, provider, object_key, mime, size_bytes)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, s.ID, s.Name, s.Provider, s.ObjectKey, s.Mime, s.SizeBytes).Scan(&s.CreatedAt)
}

func (r *BatchRepository) GetScene(ctx context.Context, id string) (*models.Scene, error) {
	var s models.Scene
	err := r.db.QueryRow(ctx, `
		SELECT id, name, provider, object_key, mime, size_bytes, created_at, deleted_at
		FROM scenes
		WHERE id=$1 AND deleted_at IS NULL
	`, id).Scan(&s.ID, &s.Name, &s.Provider, &s.ObjectKey, &s.Mime, &s.SizeBytes, &s.CreatedAt, &s.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSceneNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *BatchRepository) DeleteScene(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE scenes
		SET deleted_at=now()
		WHERE id=$1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrSceneNotFound
	}
	return nil
}

func (r *BatchRepository) CreateBatch(ctx context.Context, b *models.Batch) error {
	if b.Status == "" {
		b.Status = models.BatchQueued
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO batches (id, scene_id, status, policy, request_json, total)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at
	`, b.ID, b.SceneID, string(b.Status), b.Policy, []byte(b.Request), b.Total).Scan(&b.CreatedAt)
	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return ErrBatchExists
		}
		return err
	}
	return nil
}

const batchColumns = `id, scene_id, status, policy, request_json, total, succeeded, failed,
	COALESCE(bundle_key,''), COALESCE(bundle_name,''), COALESCE(bundle_size,0), COALESCE(bundle_checksum,''),
	COALESCE(error_code,''), COALESCE(error_text,''), created_at, started_at, finished_at`

func scanBatch(row pgx.Row) (*models.Batch, error) {
	var (
		b      models.Batch
		status string
		req    []byte
	)
	err := row.Scan(&b.ID, &b.SceneID, &status, &b.Policy, &req, &b.Total, &b.Succeeded, &b.Failed,
		&b.BundleKey, &b.BundleName, &b.BundleSize, &b.BundleChecksum,
		&b.ErrorCode, &b.ErrorText, &b.CreatedAt, &b.StartedAt, &b.FinishedAt)
	if err != nil {
		return nil, err
	}
	b.Status = models.BatchStatus(status)
	b.Request = req
	return &b, nil
}

func (r *BatchRepository) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	b, err := scanBatch(r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	return b, err
}

func (r *BatchRepository) ListBatches(ctx context.Context, limit int) ([]models.Batch, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *BatchRepository) MarkRunning(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE batches
		SET status='RUNNING', started_at=now(), finished_at=NULL, error_code=NULL, error_text=NULL
		WHERE id=$1
	`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// Finish replaces the batch's outcomes and stores its terminal state in one
// transaction.
func (r *BatchRepository) Finish(ctx context.Context, b *models.Batch, outcomes []models.Outcome) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM batch_outcomes WHERE batch_id=$1`, b.ID); err != nil {
			return err
		}

		var batch pgx.Batch
		for _, o := range outcomes {
			batch.Queue(`
				INSERT INTO batch_outcomes (batch_id, position, variation_id, status, reason, exit_code, signal, stderr, output_name, duration_ms)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, b.ID, o.Position, o.VariationID, o.Status, nullIfEmpty(o.Reason), o.ExitCode,
				nullIfEmpty(o.Signal), nullIfEmpty(o.Stderr), nullIfEmpty(o.OutputName), o.DurationMS)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, &batch).Close(); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		b.FinishedAt = &now
		cmd, err := tx.Exec(ctx, `
			UPDATE batches
			SET status=$2, total=$3, succeeded=$4, failed=$5,
			    bundle_key=$6, bundle_name=$7, bundle_size=$8, bundle_checksum=$9,
			    error_code=$10, error_text=$11, finished_at=$12
			WHERE id=$1
		`, b.ID, string(b.Status), b.Total, b.Succeeded, b.Failed,
			nullIfEmpty(b.BundleKey), nullIfEmpty(b.BundleName), b.BundleSize, nullIfEmpty(b.BundleChecksum),
			nullIfEmpty(b.ErrorCode), nullIfEmpty(b.ErrorText), now)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ErrBatchNotFound
		}
		return nil
	})
}

func (r *BatchRepository) ListOutcomes(ctx context.Context, batchID string) ([]models.Outcome, error) {
	rows, err := r.db.Query(ctx, `
		SELECT position, variation_id, status, COALESCE(reason,''), exit_code, COALESCE(signal,''),
		       COALESCE(stderr,''), COALESCE(output_name,''), duration_ms
		FROM batch_outcomes
		WHERE batch_id=$1
		ORDER BY position
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

// ErrSchemaMissing is returned by Ping when the tables have not been
// migrated.
var ErrSchemaMissing = errors.New("batch schema missing")

// Ping checks the connection and that the schema is in place.
func (r *BatchRepository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `SELECT 1 FROM batches LIMIT 1`)
	if httpkit.IsUndefinedTable(err) {
		return ErrSchemaMissing
	}
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Stat returns the pool statistics.
func (r *BatchRepository) Stat() *pgxpool.Stat {
	return r.db.Stat()
}
