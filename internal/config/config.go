package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	CacheDir          string        `envconfig:"CACHE_DIR" default:"image_cache"`
	DownloadDir       string        `envconfig:"DOWNLOAD_DIR" default:"download"`
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`
	CleanupRetryDelay time.Duration `envconfig:"CLEANUP_RETRY_DELAY" default:"1h"`

	MinWidth       int      `envconfig:"MIN_WIDTH" default:"800"`
	MinHeight      int      `envconfig:"MIN_HEIGHT" default:"800"`
	MaxImageBytes  int64    `envconfig:"MAX_IMAGE_BYTES" default:"5000000"`
	MaxPixels      int64    `envconfig:"MAX_PIXELS" default:"89478485"`
	JPEGQuality    int      `envconfig:"JPEG_QUALITY" default:"85"`
	AllowedFormats []string `envconfig:"ALLOWED_FORMATS" default:"jpeg,png"`

	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	AttemptTimeout time.Duration `envconfig:"ATTEMPT_TIMEOUT" default:"30s"`
	RetryDelay     time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
	ChunkSize      int           `envconfig:"CHUNK_SIZE" default:"8192"`
	FetchRateLimit float64       `envconfig:"FETCH_RATE_LIMIT" default:"0"`
	FetchRateBurst int           `envconfig:"FETCH_RATE_BURST" default:"17"`
	SourceToken    string        `envconfig:"SOURCE_TOKEN"`

	MaxParallel       int  `envconfig:"MAX_PARALLEL" default:"17"`
	PreserveSlotOrder bool `envconfig:"PRESERVE_SLOT_ORDER" default:"true"`

	DBPath            string `envconfig:"DB_PATH" default:"failures.db"`
	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"listing_images"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"5m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every setting that would make the pipeline unusable.
func (c *Config) Validate() error {
	var errs []error

	if c.CacheDir == "" {
		errs = append(errs, errors.New("CACHE_DIR must not be empty"))
	}

	if c.DownloadDir == "" {
		errs = append(errs, errors.New("DOWNLOAD_DIR must not be empty"))
	}

	positiveDurations := map[string]time.Duration{
		"CACHE_TTL":           c.CacheTTL,
		"CLEANUP_INTERVAL":    c.CleanupInterval,
		"CLEANUP_RETRY_DELAY": c.CleanupRetryDelay,
		"ATTEMPT_TIMEOUT":     c.AttemptTimeout,
	}
	for name, d := range positiveDurations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("RETRY_DELAY must not be negative, got %s", c.RetryDelay))
	}

	positiveInts := map[string]int64{
		"MIN_WIDTH":       int64(c.MinWidth),
		"MIN_HEIGHT":      int64(c.MinHeight),
		"MAX_IMAGE_BYTES": c.MaxImageBytes,
		"MAX_ATTEMPTS":    int64(c.MaxAttempts),
		"CHUNK_SIZE":      int64(c.ChunkSize),
		"MAX_PARALLEL":    int64(c.MaxParallel),
	}
	for name, v := range positiveInts {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("JPEG_QUALITY must be within 1..100, got %d", c.JPEGQuality))
	}

	if c.MaxPixels < 0 {
		errs = append(errs, fmt.Errorf("MAX_PIXELS must not be negative, got %d", c.MaxPixels))
	}

	if len(c.AllowedFormats) == 0 {
		errs = append(errs, errors.New("ALLOWED_FORMATS must list at least one format"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
