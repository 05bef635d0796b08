package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS scenes (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		provider    TEXT NOT NULL,
		object_key  TEXT NOT NULL,
		mime        TEXT NOT NULL,
		size_bytes  BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at  TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		id              TEXT PRIMARY KEY,
		scene_id        TEXT NOT NULL REFERENCES scenes(id),
		status          TEXT NOT NULL,
		policy          TEXT NOT NULL,
		request_json    JSONB NOT NULL,
		total           INT NOT NULL DEFAULT 0,
		succeeded       INT NOT NULL DEFAULT 0,
		failed          INT NOT NULL DEFAULT 0,
		bundle_key      TEXT,
		bundle_name     TEXT,
		bundle_size     BIGINT,
		bundle_checksum TEXT,
		error_code      TEXT,
		error_text      TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at      TIMESTAMPTZ,
		finished_at     TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS batch_outcomes (
		batch_id     TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
		position     INT NOT NULL,
		variation_id TEXT NOT NULL,
		status       TEXT NOT NULL,
		reason       TEXT,
		exit_code    INT NOT NULL DEFAULT 0,
		signal       TEXT,
		stderr       TEXT,
		output_name  TEXT,
		duration_ms  BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (batch_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS batches_created_at_idx ON batches (created_at DESC)`,
}

// Migrate creates the tables used by BatchRepository when missing.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range postgresSchema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
