package sequencer

import "errors"

// Error types
var (
	// ErrInvariantViolation marks conditions the sequencer must not continue
	// past: non-monotonic timestamps, records that are required to exist but
	// do not, and a previous batch that never gets sealed. It is never retried.
	ErrInvariantViolation = errors.New("sequencing invariant violated")

	ErrInvalidArgument = errors.New("invalid argument")
)

// IsFatal reports whether err requires the sequencer to stop advancing the chain
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
