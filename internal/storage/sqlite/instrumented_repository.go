package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/listing_images/internal/storage"
	"github.com/italolelis/listing_images/internal/telemetry"
)

// InstrumentedFailureRepository wraps FailureRepository with telemetry.
type InstrumentedFailureRepository struct {
	repo      *FailureRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFailureRepository creates a new instrumented failure repository.
func NewInstrumentedFailureRepository(dbConn *sql.DB, instanceID string, tel *telemetry.Telemetry) *InstrumentedFailureRepository {
	return &InstrumentedFailureRepository{
		repo:      NewFailureRepository(dbConn, instanceID),
		telemetry: tel,
	}
}

// TrackFailure records a failure with telemetry.
func (r *InstrumentedFailureRepository) TrackFailure(ctx context.Context, record storage.FailureRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_failure", func(ctx context.Context) error {
		return r.repo.TrackFailure(ctx, record)
	})
}

// ResolveFailure resolves a failure with telemetry.
func (r *InstrumentedFailureRepository) ResolveFailure(ctx context.Context, sourceURL string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "resolve_failure", func(ctx context.Context) error {
		return r.repo.ResolveFailure(ctx, sourceURL)
	})
}

// GetFailures retrieves all failures with telemetry.
func (r *InstrumentedFailureRepository) GetFailures(ctx context.Context) ([]storage.FailureRecord, error) {
	var result []storage.FailureRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_failures", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetFailures(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetPendingFailures retrieves pending failures with telemetry.
func (r *InstrumentedFailureRepository) GetPendingFailures(ctx context.Context, limit int) ([]storage.FailureRecord, error) {
	var result []storage.FailureRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_pending_failures", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetPendingFailures(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

var _ storage.FailureRepository = (*InstrumentedFailureRepository)(nil)
