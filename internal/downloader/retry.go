package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/storage"
)

// RetryReport summarises a RetryFailed call.
type RetryReport struct {
	Attempted    int `json:"attempted"`
	Resolved     int `json:"resolved"`
	StillFailing int `json:"still_failing"`
}

// RetryFailed re-runs up to limit pending ledger entries through the normal
// cache-then-download path. Successes are marked resolved; failures bump
// the attempt count. A non-positive limit retries every pending entry.
// Like ProcessProductImages it runs to completion once started.
func (d *Downloader) RetryFailed(ctx context.Context, limit int) (RetryReport, error) {
	if d.ledger == nil {
		return RetryReport{}, ErrNoLedger
	}

	ctx = context.WithoutCancel(ctx)
	logger := logctx.LoggerFromContext(ctx)

	d.scratch.RLock()
	defer d.scratch.RUnlock()

	pending, err := d.ledger.GetPendingFailures(ctx, limit)
	if err != nil {
		return RetryReport{}, fmt.Errorf("failed to load pending failures: %w", err)
	}

	var resolved, stillFailing atomic.Int32

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.MaxParallel)

	for _, rec := range pending {
		g.Go(func() error {
			ctx := logctx.WithProductID(ctx, rec.ProductID)

			outcome := d.resolveSlot(ctx, Slot{Name: rec.Slot, URL: rec.SourceURL})
			if !outcome.Accepted() {
				stillFailing.Add(1)

				rec.Reason = outcome.Reason
				rec.FailedAt = time.Time{}

				if err := d.ledger.TrackFailure(ctx, rec); err != nil {
					logger.ErrorContext(ctx, "failed to record failed retry", "url", rec.SourceURL, "err", err)
				}

				return nil
			}

			resolved.Add(1)

			if err := d.ledger.ResolveFailure(ctx, rec.SourceURL); err != nil && !errors.Is(err, storage.ErrNotFound) {
				logger.ErrorContext(ctx, "failed to resolve failure", "url", rec.SourceURL, "err", err)
			}

			return nil
		})
	}

	_ = g.Wait()

	report := RetryReport{
		Attempted:    len(pending),
		Resolved:     int(resolved.Load()),
		StillFailing: int(stillFailing.Load()),
	}

	logger.InfoContext(ctx, "retried failed downloads",
		"attempted", report.Attempted,
		"resolved", report.Resolved,
		"still_failing", report.StillFailing,
	)

	return report, nil
}
