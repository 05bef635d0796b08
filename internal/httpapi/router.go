package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sceneforge/internal/httpapi/handlers"
	"sceneforge/internal/httpkit"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/pkg/middleware"
)

type Deps struct {
	Handlers       handlers.Deps
	AllowedOrigins []string
	// RequestTimeout bounds every request, including synchronous exports.
	RequestTimeout time.Duration
	Log            *logger.Logger
}

var defaultOrigins = []string{
	"http://localhost:8081",
	"http://localhost:5173",
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}

	// ---- CORS ----
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{handlers.HeaderOutcomes, handlers.HeaderBatchID, "Content-Disposition"},
		AllowCredentials: false,
		MaxAgeSeconds:    600,
	}))

	h := handlers.New(d.Handlers)

	// ---- HEALTH ----
	r.Get("/health", h.Health)

	// ---- SCENES ----
	r.Post("/scenes", h.PostScene)
	r.Get("/scenes/{sceneId}", h.GetScene)
	r.Get("/scenes/{sceneId}/content", h.StreamScene)
	r.Delete("/scenes/{sceneId}", h.DeleteScene)

	// ---- EXPORT ----
	r.Post("/export", h.Export)

	// ---- BATCHES ----
	r.Post("/batches", h.PostBatch)
	r.Get("/batches", h.ListBatches)
	r.Get("/batches/{batchId}", h.GetBatch)
	r.Get("/batches/{batchId}/bundle", h.GetBatchBundle)

	return r
}
