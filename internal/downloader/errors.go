package downloader

import (
	"errors"
	"fmt"

	"github.com/italolelis/listing_images/internal/cache"
	"github.com/italolelis/listing_images/internal/fetch"
	"github.com/italolelis/listing_images/internal/imaging"
)

var (
	// ErrNoImages is returned when a request has no non-blank image slot.
	ErrNoImages = errors.New("no images")

	// ErrAllDownloadsFailed is returned when no slot produced an image.
	ErrAllDownloadsFailed = errors.New("all downloads failed")

	// ErrNoLedger is returned by RetryFailed without a failure repository.
	ErrNoLedger = errors.New("failure ledger is not configured")
)

// ProductFailure is published on OnProductFailed when a request fails as a whole.
type ProductFailure struct {
	ProductID string
	Err       error
	Failures  []Failure
}

// failureReason flattens a slot error into "<stage>:<reason>".
func failureReason(err error) string {
	var (
		nerr *fetch.NetworkError
		verr *imaging.ValidationError
		perr *cache.PersistenceError
	)

	switch {
	case errors.As(err, &nerr):
		if nerr.StatusCode != 0 {
			return fmt.Sprintf("network:%s:%d", nerr.Reason, nerr.StatusCode)
		}

		return "network:" + nerr.Reason
	case errors.As(err, &verr):
		return "validation:" + verr.Reason
	case errors.As(err, &perr):
		return "persistence:" + perr.Op
	default:
		return "internal"
	}
}
