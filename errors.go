package bootswap

import "errors"

// Error classification for the trailer codec and public API.
//
// Panic is not a Go panic: it is a SwapType value the decision engine
// returns when it cannot obtain a coherent reading of either slot. Callers
// above the core may translate these sentinels into richer error types.
var (
	// ErrFlash indicates an underlying flash operation failed, or that the
	// backend reported a zero write alignment.
	ErrFlash = errors.New("bootswap: flash operation failed")

	// ErrBadImage indicates a trailer was observed in the Bad state when an
	// operation expected it to be coherent.
	ErrBadImage = errors.New("bootswap: bad image trailer")

	// ErrBadVector indicates set_confirmed found magic == Bad on the primary.
	ErrBadVector = errors.New("bootswap: bad vector table")

	// ErrInvalid indicates the caller asked to write more bytes than the
	// trailer field's aligned block can hold.
	ErrInvalid = errors.New("bootswap: invalid argument")
)
