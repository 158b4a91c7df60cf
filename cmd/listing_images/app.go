package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/italolelis/listing_images/internal/cache"
	"github.com/italolelis/listing_images/internal/config"
	"github.com/italolelis/listing_images/internal/downloader"
	"github.com/italolelis/listing_images/internal/fetch"
	"github.com/italolelis/listing_images/internal/imaging"
	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/storage"
	"github.com/italolelis/listing_images/internal/storage/sqlite"
	"github.com/italolelis/listing_images/internal/telemetry"
)

// app holds the long-lived components shared by every command.
type app struct {
	cfg        *config.Config
	tel        *telemetry.Telemetry
	store      *cache.Store
	db         *sql.DB
	ledger     *sqlite.InstrumentedFailureRepository
	downloader *downloader.Downloader
}

// newApp wires the pipeline. The returned context carries the final logger.
func newApp(ctx context.Context, cfg *config.Config) (context.Context, *app, error) {
	instanceID := storage.GenerateInstanceID()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		InstanceID:     instanceID,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		DiskPath:       cfg.CacheDir,
	})
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if lp := tel.LoggerProvider(); lp != nil {
		logger := newLogger(os.Stdout, cfg.SlogLevel(), lp)
		slog.SetDefault(logger)

		ctx = logctx.WithLogger(ctx, logger)
	}

	a := &app{cfg: cfg, tel: tel}

	// =========================================================================
	// Start Cache
	a.store, err = cache.Open(ctx, cfg.CacheDir, cfg.CacheTTL, tel)
	if err != nil {
		return ctx, nil, errors.Join(fmt.Errorf("failed to open cache: %w", err), tel.Shutdown(ctx))
	}

	// =========================================================================
	// Start Database
	a.db, err = sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return ctx, nil, errors.Join(fmt.Errorf("failed to open failure ledger: %w", err), tel.Shutdown(ctx))
	}

	a.ledger = sqlite.NewInstrumentedFailureRepository(a.db, instanceID, tel)

	// =========================================================================
	// Start Downloader
	fetcher := fetch.New(fetch.NewHTTPClient(cfg.SourceToken), fetch.Config{
		Timeout:     cfg.AttemptTimeout,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		ChunkSize:   cfg.ChunkSize,
		RateLimit:   cfg.FetchRateLimit,
		RateBurst:   cfg.FetchRateBurst,
	}, tel)

	validator := imaging.NewValidator(imaging.Config{
		MinWidth:       cfg.MinWidth,
		MinHeight:      cfg.MinHeight,
		MaxBytes:       cfg.MaxImageBytes,
		MaxPixels:      cfg.MaxPixels,
		Quality:        cfg.JPEGQuality,
		AllowedFormats: cfg.AllowedFormats,
	}, tel)

	a.downloader = downloader.NewDownloader(a.store, fetcher, validator, a.ledger, downloader.Config{
		DownloadDir:       cfg.DownloadDir,
		MaxParallel:       cfg.MaxParallel,
		PreserveSlotOrder: cfg.PreserveSlotOrder,
	}, tel)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "pipeline ready",
		"cache_dir", a.store.Dir(),
		"cached_entries", a.store.Len(),
		"download_dir", cfg.DownloadDir,
		"cache_ttl", cfg.CacheTTL.String(),
		"instance_id", instanceID,
	)

	return ctx, a, nil
}

// Close releases everything newApp opened. It waits for in-flight requests.
func (a *app) Close(ctx context.Context) error {
	a.downloader.Close()

	var errs []error

	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	if err := a.tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown telemetry: %w", err))
	}

	return errors.Join(errs...)
}
