package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/listing_images/internal/telemetry"
)

// NewRouter mounts the image API under /v1 next to the health and metrics
// endpoints. tel may be nil.
func NewRouter(images *ImagesHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/v1", images.Routes())

	return r
}
