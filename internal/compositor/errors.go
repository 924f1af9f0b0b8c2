package compositor

import "errors"

var (
	// ErrDuplicateTile is returned when a view role was already merged into
	// the frame. The tile is dropped and the frame is left untouched.
	ErrDuplicateTile = errors.New("duplicate tile")

	// ErrUnknownViewRole is returned for a role outside the configured layout.
	ErrUnknownViewRole = errors.New("unknown view role")

	// ErrIncompleteFrameTimeout is the reason a frame is abandoned after
	// waiting longer than MaxFrameAge for its remaining roles.
	ErrIncompleteFrameTimeout = errors.New("incomplete frame timeout")

	// ErrCapacityExceeded is the reason a frame is abandoned to stay within
	// MaxInFlight.
	ErrCapacityExceeded = errors.New("in-flight capacity exceeded")

	// ErrConfigurationMismatch is returned for a tile whose buffer does not
	// match the configured source resolution.
	ErrConfigurationMismatch = errors.New("configuration mismatch")

	// ErrLateTile is returned for a tile whose frame index was already
	// delivered or abandoned.
	ErrLateTile = errors.New("late tile")

	// ErrFrameClosed is returned when the frame was abandoned while the tile
	// waited to be merged.
	ErrFrameClosed = errors.New("frame closed")

	// ErrAbandoned is the reason for frames dropped by an explicit reset.
	ErrAbandoned = errors.New("abandoned")

	// ErrClosed is returned once the compositor has been closed.
	ErrClosed = errors.New("compositor closed")
)
