package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/italolelis/listing_images/internal/logctx"
	"github.com/italolelis/listing_images/internal/progress"
	"github.com/italolelis/listing_images/internal/telemetry"
)

const (
	userAgent = "listing_images/1.0"

	// progress is logged every this many chunks.
	chunksPerReport = 64
)

// Status classifies the result of a fetch.
type Status int

const (
	Accepted Status = iota
	Rejected
	Retryable
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Retryable:
		return "retryable"
	default:
		return "unknown"
	}
}

// Outcome is the result of Fetch. Fetch never returns Retryable: that
// status only exists between attempts.
type Outcome struct {
	Status   Status
	Path     string
	Bytes    int64
	Attempts int
	Reason   string
	Err      error
}

// Config controls download behaviour.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	ChunkSize   int
	// RateLimit is the number of requests per second across all downloads.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Fetcher downloads one URL to a local file with bounded retries.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
	tel     *telemetry.Telemetry
}

// New returns a Fetcher.
func New(client *http.Client, cfg Config, tel *telemetry.Telemetry) *Fetcher {
	if client == nil {
		client = NewHTTPClient("")
	}

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 8192
	}

	f := &Fetcher{client: client, cfg: cfg, tel: tel}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}

		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return f
}

// Fetch downloads rawURL into dest. Every attempt rewrites dest from the
// start. A Rejected outcome leaves no file at dest.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) Outcome {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return Outcome{
			Status: Rejected,
			Reason: ReasonInvalidURL,
			Err:    &NetworkError{URL: rawURL, Reason: ReasonInvalidURL, Err: err},
		}
	}

	// The caller's logger already names the source URL.
	logger := logctx.LoggerFromContext(ctx)
	if target != rawURL {
		logger = logger.With("target", target)
		ctx = logctx.WithLogger(ctx, logger)
	}

	var (
		attempts int
		written  int64
	)

	err = f.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		op := func() (int64, error) {
			attempts++

			out := f.attempt(ctx, target, dest)
			if out.Status == Accepted {
				return out.Bytes, nil
			}

			if out.Status == Rejected {
				return 0, backoff.Permanent(out.Err)
			}

			return 0, out.Err
		}

		var err error

		written, err = backoff.Retry(ctx, op,
			backoff.WithBackOff(backoff.NewConstantBackOff(f.cfg.RetryDelay)),
			backoff.WithMaxTries(uint(f.cfg.MaxAttempts)),
			backoff.WithNotify(func(err error, next time.Duration) {
				logger.WarnContext(ctx, "download attempt failed, retrying",
					"attempt", attempts,
					"max_attempts", f.cfg.MaxAttempts,
					"retry_in", next,
					"err", err,
				)
			}),
		)

		return err
	})
	if err != nil {
		_ = os.Remove(dest)

		logger.ErrorContext(ctx, "download failed", "attempts", attempts, "err", err)

		return Outcome{Status: Rejected, Attempts: attempts, Reason: reasonOf(err), Err: err}
	}

	logger.DebugContext(ctx, "download completed", "attempts", attempts, "size", humanize.Bytes(uint64(written)))

	return Outcome{Status: Accepted, Path: dest, Bytes: written, Attempts: attempts}
}

// attempt performs a single download. Failures are Retryable unless the
// caller's context is done.
func (f *Fetcher) attempt(ctx context.Context, target, dest string) Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	fail := func(nerr *NetworkError) Outcome {
		if ctx.Err() != nil {
			nerr.Reason = ReasonCanceled
			nerr.Err = ctx.Err()

			return Outcome{Status: Rejected, Reason: nerr.Reason, Err: nerr}
		}

		if attemptCtx.Err() != nil || isTimeout(nerr.Err) {
			nerr.Reason = ReasonTimeout
		}

		return Outcome{Status: Retryable, Reason: nerr.Reason, Err: nerr}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(attemptCtx); err != nil {
			return fail(&NetworkError{URL: target, Reason: ReasonTimeout, Err: err})
		}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		nerr := &NetworkError{URL: target, Reason: ReasonInvalidURL, Err: err}

		return Outcome{Status: Rejected, Reason: nerr.Reason, Err: nerr}
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fail(&NetworkError{URL: target, Reason: ReasonConnection, Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		return fail(&NetworkError{URL: target, StatusCode: resp.StatusCode, Reason: ReasonStatus})
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fail(&NetworkError{URL: target, Reason: ReasonWrite, Err: err})
	}

	logger := logctx.LoggerFromContext(ctx)
	body := progress.NewReader(resp.Body, resp.ContentLength, int64(f.cfg.ChunkSize)*chunksPerReport, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"progress", humanize.Bytes(uint64(read))+" / "+humanize.Bytes(uint64(total)))

			return
		}

		logger.DebugContext(ctx, "download progress", "progress", humanize.Bytes(uint64(read)))
	})

	// The wrapper hides ReadFrom so the body is copied chunk by chunk.
	n, copyErr := io.CopyBuffer(struct{ io.Writer }{out}, body, make([]byte, f.cfg.ChunkSize))
	closeErr := out.Close()

	switch {
	case copyErr != nil:
		return fail(&NetworkError{URL: target, Reason: ReasonBody, Err: copyErr})
	case closeErr != nil:
		return fail(&NetworkError{URL: target, Reason: ReasonWrite, Err: closeErr})
	case resp.ContentLength > 0 && n != resp.ContentLength:
		return fail(&NetworkError{
			URL:    target,
			Reason: ReasonBody,
			Err:    fmt.Errorf("read %d of %d bytes", n, resp.ContentLength),
		})
	}

	return Outcome{Status: Accepted, Path: dest, Bytes: n}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

func reasonOf(err error) string {
	var nerr *NetworkError
	if errors.As(err, &nerr) {
		return nerr.Reason
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCanceled
	}

	return ReasonConnection
}
