package channel

import "errors"

// Sentinel errors for channel operations. Callers match with errors.Is;
// wrapped messages carry the channel name and variant.
var (
	// ErrEmptyChannel reports a Get on a channel that was never written
	// and has no default.
	ErrEmptyChannel = errors.New("channel is empty")

	// ErrInvalidUpdate reports an update batch the variant cannot apply.
	ErrInvalidUpdate = errors.New("invalid channel update")

	// ErrSerialization reports a checkpoint or restore failure.
	ErrSerialization = errors.New("channel serialization failed")

	// ErrInvalidOperation reports a variant-specific operation invoked on
	// the wrong variant, or an invalid construction.
	ErrInvalidOperation = errors.New("invalid channel operation")
)
