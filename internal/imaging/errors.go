package imaging

import "fmt"

// Rejection reasons reported by the validator.
const (
	ReasonUnreadable       = "unreadable"
	ReasonFormatNotAllowed = "format_not_allowed"
	ReasonTooSmall         = "too_small"
	ReasonTooLarge         = "too_large"
	ReasonReencodeFailed   = "reencode_failed"
)

// ValidationError reports a content defect. It is never retried.
type ValidationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("image %s rejected: %s", e.Path, e.Reason)
	}

	return fmt.Sprintf("image %s rejected: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
