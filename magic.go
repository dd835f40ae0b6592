// Package bootswap implements the image-trailer state machine and
// swap-decision engine for a dual-slot firmware updater: given the observable
// trailer state of a primary and secondary flash slot, it answers what swap
// operation (if any) the bootloader must perform, and exposes the two
// operations application firmware uses to request and accept an update.
//
// The package depends on nothing but the standard library. Flash I/O is
// abstracted behind the flash.Area interface (see the flash package) so the
// decision engine and trailer codec are fully host-testable without real
// hardware.
package bootswap

import "encoding/binary"

// MagicLen is the size in bytes of the trailer magic field.
const MagicLen = 16

// magicWords are the four little-endian 32-bit words that make up the
// trailer magic constant, in on-flash order.
var magicWords = [4]uint32{
	0xf395c277,
	0x7fefd260,
	0x0f505235,
	0x8079b62c,
}

// magicBytes is magicWords encoded to its 16-byte on-flash form, computed
// once at init.
var magicBytes [MagicLen]byte

func init() {
	for i, w := range magicWords {
		binary.LittleEndian.PutUint32(magicBytes[i*4:], w)
	}
}

// Magic classifies the 16-byte magic field of a trailer.
type Magic uint8

const (
	MagicGood  Magic = iota // bytes equal magicBytes
	MagicUnset              // bytes equal the erased value
	MagicBad                // anything else
)

func (m Magic) String() string {
	switch m {
	case MagicGood:
		return "good"
	case MagicUnset:
		return "unset"
	case MagicBad:
		return "bad"
	default:
		return "unknown"
	}
}

// magicPattern is a Magic value as it appears in a SwapTable row, including
// the two wildcard forms.
type magicPattern uint8

const (
	patMagicAny magicPattern = iota
	patMagicGood
	patMagicUnset
	patMagicBad
	patMagicNotGood
)

// matches reports whether a decoded Magic satisfies this pattern.
func (p magicPattern) matches(m Magic) bool {
	switch p {
	case patMagicAny:
		return true
	case patMagicNotGood:
		return m != MagicGood
	case patMagicGood:
		return m == MagicGood
	case patMagicUnset:
		return m == MagicUnset
	case patMagicBad:
		return m == MagicBad
	}
	return false
}

// Flag classifies a one-byte trailer flag (image-ok or copy-done).
type Flag uint8

const (
	FlagSet   Flag = iota // byte equals the programmed-set constant
	FlagUnset             // byte equals the erased value
	FlagBad               // anything else
)

// FlagSetValue is the single byte value that represents a programmed,
// set flag. Any other non-erased byte is Bad.
const FlagSetValue byte = 0x01

func (f Flag) String() string {
	switch f {
	case FlagSet:
		return "set"
	case FlagUnset:
		return "unset"
	case FlagBad:
		return "bad"
	default:
		return "unknown"
	}
}

// flagPattern is a Flag value as it appears in a SwapTable row.
type flagPattern uint8

const (
	patFlagAny flagPattern = iota
	patFlagSet
	patFlagUnset
	patFlagBad
)

func (p flagPattern) matches(f Flag) bool {
	switch p {
	case patFlagAny:
		return true
	case patFlagSet:
		return f == FlagSet
	case patFlagUnset:
		return f == FlagUnset
	case patFlagBad:
		return f == FlagBad
	}
	return false
}

// SwapType is the engine's classification of what operation the bootloader
// must perform. None, Test, Perm, and Revert are persisted in the swap-info
// byte; Fail and Panic are engine-only and never written to flash.
type SwapType uint8

const (
	SwapNone SwapType = iota
	SwapTest
	SwapPerm
	SwapRevert

	// SwapFail is reserved for a resumable-swap validation failure. No row
	// in the decision table currently produces it; it is
	// carried as a named value so a future table extension (tracking a
	// partially-completed swap) has somewhere to put that outcome without
	// renumbering the persisted values above.
	SwapFail

	// SwapPanic means the engine could not obtain a coherent reading of
	// either slot, or the matched table row named a swap type outside
	// {Test, Perm, Revert}. Never persisted.
	SwapPanic
)

func (s SwapType) String() string {
	switch s {
	case SwapNone:
		return "none"
	case SwapTest:
		return "test"
	case SwapPerm:
		return "perm"
	case SwapRevert:
		return "revert"
	case SwapFail:
		return "fail"
	case SwapPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// maxSwapInfoType is the largest swap-type value recognised when decoding a
// swap-info byte; anything larger normalises to SwapNone.
const maxSwapInfoType = SwapRevert
