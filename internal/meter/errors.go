package meter

import "errors"

var (
	// ErrInvalidUsage rejects events with negative token counts or cost.
	ErrInvalidUsage = errors.New("invalid usage event")
	// ErrAlreadyClosed rejects resets that target immutable history.
	ErrAlreadyClosed = errors.New("period already closed")
	// ErrStorageUnavailable marks transient counter-store failures that are
	// safe to retry.
	ErrStorageUnavailable = errors.New("counter store unavailable")
)
