package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/listing_images/internal/cache"
	"github.com/italolelis/listing_images/internal/downloader"
	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/storage"
)

// maxRequestBody caps the size of a product request body.
const maxRequestBody = 1 << 20

// ImageService is the part of the downloader exposed over HTTP.
type ImageService interface {
	ProcessProductImages(ctx context.Context, req downloader.ProductImageRequest) (*downloader.Result, error)
	Cleanup(ctx context.Context) (downloader.CleanupReport, error)
	RetryFailed(ctx context.Context, limit int) (downloader.RetryReport, error)
}

// CacheLister lists the committed cache entries.
type CacheLister interface {
	Entries() []cache.Entry
}

// ProductRequest is the body of POST /v1/products/images. Slots take
// precedence over Record when both are set.
type ProductRequest struct {
	ProductID string            `json:"product_id"`
	Record    map[string]any    `json:"record,omitempty"`
	Slots     []downloader.Slot `json:"slots,omitempty"`
}

type errorResponse struct {
	Error    string               `json:"error"`
	Message  string               `json:"message"`
	Failures []downloader.Failure `json:"failures,omitempty"`
}

type ImagesHandler struct {
	username string
	password string
	images   ImageService
	cache    CacheLister
	failures storage.FailureReadRepository
}

// NewImagesHandler returns the collaborator API. failures may be nil. Basic
// auth is enforced only when username is set.
func NewImagesHandler(
	username, password string,
	images ImageService,
	cache CacheLister,
	failures storage.FailureReadRepository,
) *ImagesHandler {
	return &ImagesHandler{
		username: username,
		password: password,
		images:   images,
		cache:    cache,
		failures: failures,
	}
}

func (h *ImagesHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/products/images", h.HandleProductImages)
	r.Post("/cleanup", h.HandleCleanup)
	r.Get("/cache", h.HandleCache)
	r.Get("/failures", h.HandleFailures)
	r.Post("/failures/retry", h.HandleRetry)

	return r
}

// HandleProductImages processes every image slot of one product record.
func (h *ImagesHandler) HandleProductImages(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var body ProductRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		logger.Warn("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)

		return
	}

	if body.ProductID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "product_id is required", nil)

		return
	}

	req := downloader.RequestFromRecord(body.ProductID, body.Record)
	if len(body.Slots) > 0 {
		req = downloader.ProductImageRequest{ProductID: body.ProductID, Slots: body.Slots}
	}

	result, err := h.images.ProcessProductImages(r.Context(), req)

	switch {
	case errors.Is(err, downloader.ErrNoImages):
		writeError(w, http.StatusBadRequest, "no_images", err.Error(), nil)
	case errors.Is(err, downloader.ErrAllDownloadsFailed):
		var failures []downloader.Failure
		if result != nil {
			failures = result.Failures
		}

		writeError(w, http.StatusUnprocessableEntity, "all_downloads_failed", err.Error(), failures)
	case err != nil:
		logger.Error("failed to process product images", "product_id", body.ProductID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to process product images", nil)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleCleanup clears the scratch area and purges the whole cache.
func (h *ImagesHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.images.Cleanup(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("cleanup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "cleanup_failed", err.Error(), nil)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

// HandleCache lists the committed cache entries.
func (h *ImagesHandler) HandleCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.cache.Entries()})
}

// HandleFailures lists the failure ledger, newest first.
func (h *ImagesHandler) HandleFailures(w http.ResponseWriter, r *http.Request) {
	if h.failures == nil {
		writeError(w, http.StatusServiceUnavailable, "no_ledger", downloader.ErrNoLedger.Error(), nil)

		return
	}

	records, err := h.failures.GetFailures(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list failures", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list failures", nil)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"failures": records})
}

// HandleRetry re-runs pending failures. The optional limit query parameter
// caps how many are retried.
func (h *ImagesHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer", nil)

			return
		}

		limit = n
	}

	report, err := h.images.RetryFailed(r.Context(), limit)
	if err != nil {
		if errors.Is(err, downloader.ErrNoLedger) {
			writeError(w, http.StatusServiceUnavailable, "no_ledger", err.Error(), nil)

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to retry failures", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to retry failures", nil)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *ImagesHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="listing_images"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, code, message string, failures []downloader.Failure) {
	writeJSON(w, status, errorResponse{Error: code, Message: message, Failures: failures})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
