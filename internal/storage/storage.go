package storage

import (
	"context"
	"errors"
	"time"
)

// Failure statuses.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
)

// ErrNotFound is returned when no failure exists for a source URL.
var ErrNotFound = errors.New("failure not found")

// FailureRecord is one source URL that could not be turned into a cached
// image. Repeated failures of the same URL bump Attempts.
type FailureRecord struct {
	SourceURL  string    `json:"source_url"`
	ProductID  string    `json:"product_id"`
	Slot       string    `json:"slot"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
	Status     string    `json:"status"`
	RecordedBy string    `json:"recorded_by"`
}

// FailureReadRepository reads the failure ledger.
type FailureReadRepository interface {
	GetFailures(ctx context.Context) ([]FailureRecord, error)
	GetPendingFailures(ctx context.Context, limit int) ([]FailureRecord, error)
}

// FailureWriteRepository writes the failure ledger.
type FailureWriteRepository interface {
	TrackFailure(ctx context.Context, record FailureRecord) error
	ResolveFailure(ctx context.Context, sourceURL string) error
}

// FailureRepository is the full ledger.
type FailureRepository interface {
	FailureReadRepository
	FailureWriteRepository
}
