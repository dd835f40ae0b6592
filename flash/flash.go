// Package flash defines the storage capability the bootswap core depends on
// and the image-pair-to-slot-id resolver the decision engine
// and public API use to turn an image_index into concrete flash areas.
package flash

import "errors"

// ErrUnknownID is returned by Area backends (and Opener implementations)
// when the requested flash-area id is not known to the backend.
var ErrUnknownID = errors.New("flash: unknown area id")

// ErrSlotUnreachable is returned by Opener.Open when the backend can
// identify the id as a valid secondary slot that is simply not present or
// provisioned on this device (e.g. a single-image board queried for an
// image pair it doesn't have). The bootswap decision engine treats this,
// and only this, as "substitute the canonical empty SwapState" rather than
// a hard failure.
var ErrSlotUnreachable = errors.New("flash: slot unreachable")

// Area is a handle to one open flash region, borrowed from the backend for
// the duration of a single caller operation. Ownership never escapes: every
// successful Opener.Open must be paired with exactly one Close.
type Area interface {
	// ID returns the stable identifier this area was opened with.
	ID() int

	// Size returns the total usable bytes of the region.
	Size() (uint32, error)

	// Align returns the minimum write granularity in bytes. 0 is an error
	// sentinel: callers must treat Align() == 0 as ErrFlash-worthy.
	Align() (uint32, error)

	// ErasedVal returns the byte value unprogrammed flash reads back as.
	ErasedVal() (byte, error)

	// BaseOff returns the absolute device offset of this region, for
	// diagnostics only; the core never uses it to compute trailer offsets.
	BaseOff() (uint32, error)

	// Read copies len(buf) bytes starting at off into buf.
	Read(off uint32, buf []byte) error

	// Write programs len(buf) bytes starting at off. len(buf) must be a
	// multiple of Align(), and off must be aligned.
	Write(off uint32, buf []byte) error

	// Erase erases a region of n bytes starting at off. Granularity beyond
	// "some backend-defined block size" is the backend's concern.
	Erase(off uint32, n uint32) error

	// Close releases the handle. Must be safe to call after any other op on
	// this Area has failed.
	Close() error
}

// Opener obtains Area handles by id.
type Opener interface {
	// Open returns a handle to the region named by id, or ErrUnknownID /
	// ErrSlotUnreachable / a backend-specific error.
	Open(id int) (Area, error)
}
