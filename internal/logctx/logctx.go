package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	productIDKey contextKey = "product_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithProductID tags the context with the product whose images are being processed.
// Handlers wrapped by TraceHandler add it to every record logged with this context.
func WithProductID(ctx context.Context, productID string) context.Context {
	if productID == "" {
		return ctx
	}
	return context.WithValue(ctx, productIDKey, productID)
}

// ProductIDFromContext returns the product id set by WithProductID, or "".
func ProductIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(productIDKey).(string); ok {
		return id
	}
	return ""
}
