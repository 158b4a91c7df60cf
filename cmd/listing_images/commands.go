package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/listing_images/internal/cleanup"
	"github.com/italolelis/listing_images/internal/config"
	"github.com/italolelis/listing_images/internal/downloader"
	"github.com/italolelis/listing_images/internal/http/rest"
	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/notifier"
	"github.com/italolelis/listing_images/internal/progress"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "listing_images",
		Short:         "Download, validate and cache product listing images",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	rootCmd.AddCommand(
		newServeCmd(cfg),
		newFetchCmd(cfg),
		newCleanupCmd(cfg),
		newRetryFailedCmd(cfg),
	)

	return rootCmd
}

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(ctx context.Context, cfg *config.Config, fn func(ctx context.Context, a *app) error) error {
	ctx, a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	return errors.Join(runErr, a.Close(shutdownCtx))
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the cache reclaimer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cfg, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier
	if a.cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: a.cfg.DiscordWebhookURL}
	}

	go notifier.Forward(ctx, a.downloader.OnProductFailed, notif)

	// =========================================================================
	// Start Reclaimer
	reclaimDone := cleanup.NewReclaimer(a.store, a.cfg.CleanupInterval, a.cfg.CleanupRetryDelay, a.tel).Start(ctx)
	defer func() {
		cancel()
		<-reclaimDone
	}()

	// =========================================================================
	// Start API Service

	// Buffered so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := newServer(ctx, a)

	go func() {
		logger.Info("initializing API support", "host", a.cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Web.ShutdownTimeout)
		defer cancelShutdown()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// newServer prepares the handlers and services to create the http rest server.
func newServer(ctx context.Context, a *app) *http.Server {
	images := rest.NewImagesHandler(a.cfg.Web.Username, a.cfg.Web.Password, a.downloader, a.store, a.ledger)

	return &http.Server{
		Addr:         a.cfg.Web.BindAddress,
		ReadTimeout:  a.cfg.Web.ReadTimeout,
		WriteTimeout: a.cfg.Web.WriteTimeout,
		IdleTimeout:  a.cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(rest.NewRouter(images, a.tel), "listing_images"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func newFetchCmd(cfg *config.Config) *cobra.Command {
	var recordPath, productID string

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Process the images of one product record and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readRecord(recordPath, productID)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				events := make(chan progress.Snapshot, downloader.MaxSlots)
				a.downloader.OnProgress = events

				printed := make(chan struct{})

				go func() {
					defer close(printed)

					printProgress(cmd.ErrOrStderr(), events)
				}()

				result, err := a.downloader.ProcessProductImages(ctx, req)

				close(events)
				<-printed

				if result != nil {
					if encErr := printJSON(cmd.OutOrStdout(), result); encErr != nil {
						return encErr
					}
				}

				return err
			})
		},
	}

	cmd.Flags().StringVarP(&recordPath, "record", "r", "", "Path to a JSON product record with \"Image 1\"..\"Image 17\" keys")
	cmd.Flags().StringVarP(&productID, "product-id", "p", "", "Product id, defaults to the record's product_id or the file name")
	_ = cmd.MarkFlagRequired("record")

	return cmd
}

func newCleanupCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Clear the download area and purge the whole cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				report, err := a.downloader.Cleanup(ctx)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newRetryFailedCmd(cfg *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Retry pending failed downloads from the failure ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
				report, err := a.downloader.RetryFailed(ctx, limit)
				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Maximum number of failures to retry, 0 retries all")

	return cmd
}

// readRecord loads a product record. The product id comes from productID,
// the record's "product_id" key or the file name, in that order.
func readRecord(path, productID string) (downloader.ProductImageRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return downloader.ProductImageRequest{}, fmt.Errorf("failed to read record: %w", err)
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return downloader.ProductImageRequest{}, fmt.Errorf("failed to decode record %s: %w", path, err)
	}

	if productID == "" {
		productID, _ = record["product_id"].(string)
	}

	if productID == "" {
		productID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return downloader.RequestFromRecord(productID, record), nil
}

func printProgress(w io.Writer, events <-chan progress.Snapshot) {
	for snap := range events {
		fmt.Fprintf(w, "%d/%d done (%d failed)\n", snap.Done(), snap.Total, snap.Failed)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
