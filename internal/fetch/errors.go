package fetch

import (
	"fmt"
)

// Failure reasons carried by NetworkError.
const (
	ReasonTimeout    = "timeout"
	ReasonStatus     = "bad_status"
	ReasonConnection = "connection"
	ReasonBody       = "body"
	ReasonWrite      = "write"
	ReasonInvalidURL = "invalid_url"
	ReasonCanceled   = "canceled"
)

// NetworkError describes one failed download attempt.
type NetworkError struct {
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the attempt exceeded its time limit.
func (e *NetworkError) Timeout() bool {
	return e.Reason == ReasonTimeout
}
