package handlers

import (
	"context"
	"net/http"

	"github.com/redis/go-redis/v9"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/pkg/middleware"
	"sceneforge/internal/ports"
	"sceneforge/internal/repositories"
	"sceneforge/internal/worker/processor"
)

// Pusher enqueues batch IDs for the workers.
type Pusher interface {
	Push(ctx context.Context, batchID string) error
}

// Pinger is a dependency the deep health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Scenes  ports.SceneStore
	Batches ports.BatchStore
	Queue   Pusher
	SP      ports.StorageProvider
	// Processor serves POST /export; the endpoint answers 503 without it.
	Processor *processor.Processor

	DB  Pinger
	RDB *redis.Client
	// EnginePath is reported by the deep health check in process mode.
	EnginePath string

	MaxUploadBytes int64
	Log            *logger.Logger
}

type Handler struct {
	scenes    ports.SceneStore
	batches   ports.BatchStore
	queue     Pusher
	sp        ports.StorageProvider
	processor *processor.Processor

	db         Pinger
	rdb        *redis.Client
	enginePath string

	maxUpload int64
	log       *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	maxUpload := d.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 512 << 20
	}
	return &Handler{
		scenes:     d.Scenes,
		batches:    d.Batches,
		queue:      d.Queue,
		sp:         d.SP,
		processor:  d.Processor,
		db:         d.DB,
		rdb:        d.RDB,
		enginePath: d.EnginePath,
		maxUpload:  maxUpload,
		log:        log.WithComponent("httpapi"),
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	middleware.HandleError(w, r, h.log, err)
}

// storeErr gives repository sentinels their API codes.
func storeErr(err error, op string) error {
	switch {
	case errors.Is(err, repositories.ErrSceneNotFound):
		return errors.WrapWithCode(err, errors.CodeNotFound, op, "scene not found")
	case errors.Is(err, repositories.ErrBatchNotFound):
		return errors.WrapWithCode(err, errors.CodeNotFound, op, "batch not found")
	case errors.Is(err, repositories.ErrBatchExists):
		return errors.WrapWithCode(err, errors.CodeAlreadyExists, op, "batch already exists")
	default:
		return errors.Wrap(err, op, "store failure")
	}
}
