package worker

import (
	"context"

	"sceneforge/internal/config"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/ports"
	"sceneforge/internal/worker/queue"
)

type Deps struct {
	Config config.Config
	Queue  Popper
	Store  ports.BatchStore
	Scenes ports.SceneStore
	SP     ports.StorageProvider
	Log    *logger.Logger
}

// Popper yields queued batch IDs. An empty ID with no error means nothing
// arrived before the wait ended.
type Popper interface {
	Pop(ctx context.Context) (string, error)
}

var _ Popper = (*queue.RedisQueue)(nil)
