package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/listing_images/internal/storage"
)

// timeLayout has a fixed width so failed_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const selectFailures = `SELECT source_url, product_id, slot, reason, attempts, failed_at, status, recorded_by FROM failed_downloads`

// FailureRepository stores failed downloads in SQLite.
type FailureRepository struct {
	db         *sql.DB
	instanceID string
	now        func() time.Time
}

// NewFailureRepository returns a repository tagging its rows with instanceID.
func NewFailureRepository(dbConn *sql.DB, instanceID string) *FailureRepository {
	return &FailureRepository{db: dbConn, instanceID: instanceID, now: time.Now}
}

// TrackFailure inserts a pending failure or, for a known URL, bumps its
// attempt count and moves it back to pending.
func (r *FailureRepository) TrackFailure(ctx context.Context, record storage.FailureRecord) error {
	failedAt := record.FailedAt
	if failedAt.IsZero() {
		failedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failed_downloads (source_url, product_id, slot, reason, attempts, failed_at, status, recorded_by)
		VALUES (?, ?, ?, ?, 1, ?, 'pending', ?)
		ON CONFLICT(source_url) DO UPDATE SET
			product_id = excluded.product_id,
			slot = excluded.slot,
			reason = excluded.reason,
			attempts = failed_downloads.attempts + 1,
			failed_at = excluded.failed_at,
			status = 'pending',
			recorded_by = excluded.recorded_by
	`, record.SourceURL, record.ProductID, record.Slot, record.Reason, failedAt.UTC().Format(timeLayout), r.instanceID)
	if err != nil {
		return fmt.Errorf("failed to track failure: %w", err)
	}

	return nil
}

// ResolveFailure marks the failure of sourceURL as resolved.
func (r *FailureRepository) ResolveFailure(ctx context.Context, sourceURL string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE failed_downloads SET status = 'resolved' WHERE source_url = ?`, sourceURL)
	if err != nil {
		return fmt.Errorf("failed to resolve failure: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve failure: %w", err)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// GetFailures returns every failure, newest first.
func (r *FailureRepository) GetFailures(ctx context.Context) ([]storage.FailureRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectFailures+` ORDER BY failed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}

	return scanFailures(rows)
}

// GetPendingFailures returns up to limit pending failures, oldest first.
// A non-positive limit returns all of them.
func (r *FailureRepository) GetPendingFailures(ctx context.Context, limit int) ([]storage.FailureRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, selectFailures+` WHERE status = 'pending' ORDER BY failed_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending failures: %w", err)
	}

	return scanFailures(rows)
}

func scanFailures(rows *sql.Rows) ([]storage.FailureRecord, error) {
	defer rows.Close()

	var failures []storage.FailureRecord

	for rows.Next() {
		var (
			record                          storage.FailureRecord
			productID, slot, reason, byWhom sql.NullString
			failedAt                        string
		)

		err := rows.Scan(&record.SourceURL, &productID, &slot, &reason, &record.Attempts, &failedAt, &record.Status, &byWhom)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}

		record.ProductID = productID.String
		record.Slot = slot.String
		record.Reason = reason.String
		record.RecordedBy = byWhom.String

		record.FailedAt, err = time.Parse(timeLayout, failedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse failed_at %q: %w", failedAt, err)
		}

		failures = append(failures, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failures: %w", err)
	}

	return failures, nil
}
