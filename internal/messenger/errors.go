package messenger

import "errors"

var (
	// ErrInvalidState is returned when a command is invoked in the wrong
	// login phase.
	ErrInvalidState = errors.New("invalid session state for this operation")

	// ErrResourceClosed is returned for operations submitted after the
	// session resource was shut down.
	ErrResourceClosed = errors.New("session resource is closed")

	// ErrExtractionEmpty means no strategy matched anything on the page.
	// Non-fatal during polling; the tick is skipped.
	ErrExtractionEmpty = errors.New("no matching structure found")

	// ErrOperationTimeout means a submitted operation exceeded its bound.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrSendFailed means no usable composer/submit affordance was found.
	ErrSendFailed = errors.New("message send failed")

	// ErrAuthenticationFailed means the remote rejected the credentials or
	// second-factor code.
	ErrAuthenticationFailed = errors.New("authentication rejected")
)
