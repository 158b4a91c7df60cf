package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/italolelis/listing_images/internal/cache"
	"github.com/italolelis/listing_images/internal/fetch"
	"github.com/italolelis/listing_images/internal/imaging"
	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/progress"
	"github.com/italolelis/listing_images/internal/storage"
	"github.com/italolelis/listing_images/internal/telemetry"
)

const (
	dirPerm = 0o755

	productFailedBuffer = 16
)

// Cache is the part of the cache store the downloader needs.
type Cache interface {
	Lookup(ctx context.Context, key string) (cache.Entry, bool)
	Put(ctx context.Context, key, sourceURL, stagedPath string) (cache.Entry, error)
	PurgeAll(ctx context.Context) (int, int64, error)
}

// Fetcher downloads one URL to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dest string) fetch.Outcome
}

// Validator checks and normalises a downloaded image in place.
type Validator interface {
	Validate(ctx context.Context, path string) (imaging.Result, error)
}

// Config holds orchestration settings.
type Config struct {
	// DownloadDir is the scratch area for in-flight downloads. It must be on
	// the same filesystem as the cache directory.
	DownloadDir string
	// MaxParallel caps concurrent slots per request.
	MaxParallel int
	// PreserveSlotOrder returns paths in slot order instead of completion order.
	PreserveSlotOrder bool
}

// Downloader turns product image slots into validated, cached local files.
type Downloader struct {
	cache     Cache
	fetcher   Fetcher
	validator Validator
	ledger    storage.FailureRepository
	cfg       Config
	tel       *telemetry.Telemetry

	flight singleflight.Group

	// Requests hold the read side, Cleanup and Close the write side, so the
	// scratch area is never wiped under an in-flight download.
	scratch sync.RWMutex
	closed  bool // guarded by scratch

	// OnProductFailed receives request-level failures. Sends never block.
	OnProductFailed chan ProductFailure

	// OnProgress, when set, receives a snapshot after every finished slot.
	// Sends never block.
	OnProgress chan progress.Snapshot
}

// NewDownloader returns a Downloader. ledger may be nil.
func NewDownloader(
	store Cache,
	fetcher Fetcher,
	validator Validator,
	ledger storage.FailureRepository,
	cfg Config,
	tel *telemetry.Telemetry,
) *Downloader {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = MaxSlots
	}

	return &Downloader{
		cache:           store,
		fetcher:         fetcher,
		validator:       validator,
		ledger:          ledger,
		cfg:             cfg,
		tel:             tel,
		OnProductFailed: make(chan ProductFailure, productFailedBuffer),
	}
}

// Close waits for in-flight requests and closes OnProductFailed. Failures
// of later requests are no longer published.
func (d *Downloader) Close() {
	d.scratch.Lock()
	defer d.scratch.Unlock()

	if d.closed {
		return
	}

	d.closed = true
	close(d.OnProductFailed)
}

// ProcessProductImages resolves every non-blank slot of req through the
// cache, downloading and validating misses. All slots run to completion
// before it returns. Cancelling ctx does not abort the call; only the
// per-attempt download timeout bounds it. Slot failures are reported in the
// result; only ErrNoImages and ErrAllDownloadsFailed are returned as errors,
// the latter together with a result listing the failures.
func (d *Downloader) ProcessProductImages(ctx context.Context, req ProductImageRequest) (*Result, error) {
	ctx = logctx.WithProductID(context.WithoutCancel(ctx), req.ProductID)
	logger := logctx.LoggerFromContext(ctx)

	d.scratch.RLock()
	defer d.scratch.RUnlock()

	var result *Result

	err := d.tel.InstrumentProduct(ctx, func(ctx context.Context) error {
		slots := req.imageSlots()
		if len(slots) == 0 {
			return ErrNoImages
		}

		logger.InfoContext(ctx, "processing product images", "slots", len(slots))

		var opts []progress.Option
		if d.OnProgress != nil {
			opts = append(opts, progress.WithEvents(d.OnProgress))
		}

		tracker := progress.NewTracker(len(slots), opts...)

		var (
			mu        sync.Mutex
			outcomes  = make(map[string]SlotOutcome, len(slots))
			completed = make([]string, 0, len(slots))
		)

		g := new(errgroup.Group)
		g.SetLimit(d.cfg.MaxParallel)

		for _, slot := range slots {
			g.Go(func() error {
				outcome := d.resolveSlot(ctx, slot)

				mu.Lock()
				outcomes[slot.Name] = outcome
				completed = append(completed, slot.Name)
				mu.Unlock()

				if outcome.Accepted() {
					tracker.RecordSuccess(ctx)
				} else {
					tracker.RecordFailure(ctx)
				}

				return nil
			})
		}

		_ = g.Wait()

		order := completed
		if d.cfg.PreserveSlotOrder {
			order = make([]string, 0, len(slots))
			for _, s := range slots {
				order = append(order, s.Name)
			}
		}

		result = buildResult(req.ProductID, order, outcomes, tracker.Snapshot())
		d.trackFailures(ctx, req.ProductID, result.Failures)

		if len(result.Paths) == 0 {
			return ErrAllDownloadsFailed
		}

		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "product images failed", "err", err)
		d.publishFailure(ProductFailure{ProductID: req.ProductID, Err: err, Failures: failuresOf(result)})

		return result, err
	}

	logger.InfoContext(ctx, "product images ready",
		"accepted", len(result.Paths),
		"failed", len(result.Failures),
	)

	return result, nil
}

// resolveSlot never fails: every error becomes a rejected outcome.
func (d *Downloader) resolveSlot(ctx context.Context, slot Slot) SlotOutcome {
	logger := logctx.LoggerFromContext(ctx).With("slot", slot.Name, "url", slot.URL)
	ctx = logctx.WithLogger(ctx, logger)

	outcome := SlotOutcome{Slot: slot.Name, URL: slot.URL}
	key := cache.Key(slot.URL)

	if entry, ok := d.cache.Lookup(ctx, key); ok {
		logger.DebugContext(ctx, "cache hit", "cache_key", key)

		outcome.Status = outcomeAccepted
		outcome.Path = entry.LocalPath
		outcome.CacheHit = true

		return outcome
	}

	// Slots sharing a URL, within or across requests, share one download.
	v, err, _ := d.flight.Do(key, func() (any, error) {
		return d.acquire(ctx, key, slot.URL)
	})
	if err != nil {
		var perr *cache.PersistenceError
		if errors.As(err, &perr) {
			logger.ErrorContext(ctx, "failed to commit image to cache", "err", err)
		} else {
			logger.WarnContext(ctx, "image rejected", "err", err)
		}

		outcome.Status = outcomeRejected
		outcome.Reason = failureReason(err)

		return outcome
	}

	entry := v.(cache.Entry)
	outcome.Status = outcomeAccepted
	outcome.Path = entry.LocalPath

	return outcome
}

// acquire downloads, validates and commits one URL. The staged file is
// always removed on failure.
func (d *Downloader) acquire(ctx context.Context, key, sourceURL string) (cache.Entry, error) {
	// Another flight may have committed the key since our lookup.
	if entry, ok := d.cache.Lookup(ctx, key); ok {
		return entry, nil
	}

	if err := os.MkdirAll(d.cfg.DownloadDir, dirPerm); err != nil {
		return cache.Entry{}, &cache.PersistenceError{Op: "stage", Key: key, Err: err}
	}

	staged, err := os.CreateTemp(d.cfg.DownloadDir, key+"-*.part")
	if err != nil {
		return cache.Entry{}, &cache.PersistenceError{Op: "stage", Key: key, Err: err}
	}

	stagedPath := staged.Name()
	_ = staged.Close()

	out := d.fetcher.Fetch(ctx, sourceURL, stagedPath)
	if out.Status != fetch.Accepted {
		_ = os.Remove(stagedPath)

		if out.Err == nil {
			return cache.Entry{}, &fetch.NetworkError{URL: sourceURL, Reason: out.Reason}
		}

		return cache.Entry{}, out.Err
	}

	img, err := d.validator.Validate(ctx, stagedPath)
	if err != nil {
		_ = os.Remove(stagedPath)

		return cache.Entry{}, err
	}

	entry, err := d.cache.Put(ctx, key, sourceURL, stagedPath)
	if err != nil {
		_ = os.Remove(stagedPath)

		return cache.Entry{}, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "image cached",
		"cache_key", key,
		"size", humanize.Bytes(uint64(img.Size)),
		"dimensions", fmt.Sprintf("%dx%d", img.Width, img.Height),
		"reencoded", img.Reencoded,
	)

	return entry, nil
}

func (d *Downloader) trackFailures(ctx context.Context, productID string, failures []Failure) {
	if d.ledger == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	for _, f := range failures {
		err := d.ledger.TrackFailure(ctx, storage.FailureRecord{
			SourceURL: f.URL,
			ProductID: productID,
			Slot:      f.Slot,
			Reason:    f.Reason,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to record failed download", "url", f.URL, "err", err)
		}
	}
}

// publishFailure must be called with scratch held.
func (d *Downloader) publishFailure(failure ProductFailure) {
	if d.closed {
		return
	}

	select {
	case d.OnProductFailed <- failure:
	default:
	}
}

func buildResult(productID string, order []string, outcomes map[string]SlotOutcome, snap progress.Snapshot) *Result {
	result := &Result{
		ProductID: productID,
		Outcomes:  outcomes,
		Progress:  snap,
	}

	for _, name := range order {
		o := outcomes[name]
		if o.Accepted() {
			result.Paths = append(result.Paths, o.Path)
		}
	}

	// Failures are always listed in slot order.
	for _, name := range sortedSlotNames(outcomes) {
		o := outcomes[name]
		if !o.Accepted() {
			result.Failures = append(result.Failures, Failure{Slot: o.Slot, URL: o.URL, Reason: o.Reason})
		}
	}

	return result
}

func failuresOf(r *Result) []Failure {
	if r == nil {
		return nil
	}

	return r.Failures
}

// CleanupReport summarises a Cleanup call.
type CleanupReport struct {
	ScratchFilesRemoved int   `json:"scratch_files_removed"`
	EntriesPurged       int   `json:"entries_purged"`
	BytesFreed          int64 `json:"bytes_freed"`
}

// Cleanup empties the scratch area and purges the whole cache. It waits
// for in-flight requests to finish.
func (d *Downloader) Cleanup(ctx context.Context) (CleanupReport, error) {
	logger := logctx.LoggerFromContext(ctx)

	d.scratch.Lock()
	defer d.scratch.Unlock()

	var report CleanupReport

	removed, err := clearDir(d.cfg.DownloadDir)
	report.ScratchFilesRemoved = removed

	if err != nil {
		logger.ErrorContext(ctx, "failed to clear download dir", "dir", d.cfg.DownloadDir, "err", err)

		return report, fmt.Errorf("failed to clear download dir: %w", err)
	}

	count, freed, err := d.cache.PurgeAll(ctx)
	report.EntriesPurged = count
	report.BytesFreed = freed

	if err != nil {
		logger.ErrorContext(ctx, "failed to purge cache", "err", err)

		return report, fmt.Errorf("failed to purge cache: %w", err)
	}

	logger.InfoContext(ctx, "cleanup completed",
		"scratch_files_removed", removed,
		"entries_purged", count,
		"freed", humanize.Bytes(uint64(freed)),
	)

	return report, nil
}

// clearDir removes the regular files directly inside dir. A missing dir is
// already clean.
func clearDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, err
	}

	var (
		removed int
		errs    []error
	)

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}

		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)

			continue
		}

		removed++
	}

	return removed, errors.Join(errs...)
}
