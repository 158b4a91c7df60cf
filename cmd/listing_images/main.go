package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/italolelis/listing_images/internal/config"
	"github.com/italolelis/listing_images/internal/logctx"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(os.Stdout, cfg.SlogLevel(), nil)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd(cfg).ExecuteContext(logctx.WithLogger(ctx, logger))
}

// newLogger builds the JSON logger. When lp is set, records are also
// exported through the OpenTelemetry log bridge.
func newLogger(w io.Writer, level slog.Level, lp otellog.LoggerProvider) *slog.Logger {
	var h slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})

	if lp != nil {
		h = slogmulti.Fanout(h, otelslog.NewHandler("listing_images", otelslog.WithLoggerProvider(lp)))
	}

	return slog.New(logctx.NewTraceHandler(h))
}
