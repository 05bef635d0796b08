package ports

import (
	"context"

	"sceneforge/internal/models"
)

// SceneStore persists uploaded base scenes.
type SceneStore interface {
	CreateScene(ctx context.Context, s *models.Scene) error
	GetScene(ctx context.Context, id string) (*models.Scene, error)
	DeleteScene(ctx context.Context, id string) error
}

// BatchStore persists batches and their per-variation outcomes.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	ListBatches(ctx context.Context, limit int) ([]models.Batch, error)
	MarkRunning(ctx context.Context, id string) error
	// Finish stores the terminal status, counters, bundle fields and error
	// of b together with its outcomes.
	Finish(ctx context.Context, b *models.Batch, outcomes []models.Outcome) error
	ListOutcomes(ctx context.Context, batchID string) ([]models.Outcome, error)
}
