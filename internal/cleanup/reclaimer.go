// Package cleanup reclaims expired cache entries in the background.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/telemetry"
)

// Purger removes expired entries and reports how many and how many bytes.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, int64, error)
}

// Reclaimer periodically purges expired cache entries. A failed pass never
// stops the loop; the next pass is scheduled after retryDelay instead.
type Reclaimer struct {
	store      Purger
	interval   time.Duration
	retryDelay time.Duration
	tel        *telemetry.Telemetry
}

// NewReclaimer returns a Reclaimer. A non-positive retryDelay falls back to
// interval.
func NewReclaimer(store Purger, interval, retryDelay time.Duration, tel *telemetry.Telemetry) *Reclaimer {
	if retryDelay <= 0 {
		retryDelay = interval
	}

	return &Reclaimer{
		store:      store,
		interval:   interval,
		retryDelay: retryDelay,
		tel:        tel,
	}
}

// ReclaimOnce runs a single pass. A panic inside the store is returned as an
// error.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) (count int, freed int64, err error) {
	logger := logctx.LoggerFromContext(ctx)

	err = r.tel.InstrumentReclaim(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("reclaim pass panicked: %v", p)
			}
		}()

		count, freed, err = r.store.PurgeExpired(ctx)

		return err
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to reclaim expired cache entries", "err", err)

		return count, freed, err
	}

	if count > 0 {
		logger.InfoContext(ctx, "reclaimed expired cache entries",
			"entries", count,
			"freed", humanize.Bytes(uint64(freed)),
		)
	} else {
		logger.DebugContext(ctx, "no expired cache entries")
	}

	return count, freed, nil
}

// Run reclaims once at startup and then every interval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	timer := time.NewTimer(r.pass(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reclaimer shutting down")

			return
		case <-timer.C:
			timer.Reset(r.pass(ctx))
		}
	}
}

// pass runs one reclaim and returns the delay until the next one.
func (r *Reclaimer) pass(ctx context.Context) time.Duration {
	if _, _, err := r.ReclaimOnce(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Warn("reclaim pass failed, retrying later", "retry_in", r.retryDelay.String())

		return r.retryDelay
	}

	return r.interval
}

// Start runs the loop in a goroutine. The returned channel is closed once
// the loop has stopped.
func (r *Reclaimer) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		r.Run(ctx)
	}()

	return done
}
