package bootswap

import (
	"bytes"

	"openenterprise/bootswap/flash"
)

// SwapState is the decoded snapshot of one slot's trailer.
type SwapState struct {
	Magic    Magic
	SwapType SwapType
	CopyDone Flag
	ImageOk  Flag
	ImageNum uint8
}

// emptyState is the canonical decode of a fully-erased slot.
var emptyState = SwapState{
	Magic:    MagicUnset,
	SwapType: SwapNone,
	CopyDone: FlagUnset,
	ImageOk:  FlagUnset,
	ImageNum: 0,
}

// MaxAlign is the platform's maximum write alignment used to lay out every
// slot's trailer. It must be a power of two and must stay the same for the
// lifetime of a device's flash layout. It is a package variable: the
// firmware sets it from config.MaxAlign() and the host CLI's local
// subcommand from its layout file, before any trailer is read or written.
//
// 8 matches the reference board this repo targets (RP2350's flash write
// granularity).
var MaxAlign uint32 = 8

// ReadSwapState reads and decodes the trailer of an already-open area.
// Any underlying read error surfaces as ErrFlash; the returned SwapState is
// never partially populated on error.
func ReadSwapState(area flash.Area) (SwapState, error) {
	g, err := readGeometry(area, MaxAlign)
	if err != nil {
		return SwapState{}, err
	}

	var magicBuf [MagicLen]byte
	if err := area.Read(g.off.magic, magicBuf[:]); err != nil {
		return SwapState{}, ErrFlash
	}

	var magic Magic
	switch {
	case bufferIsFilled(magicBuf[:], g.erasedVal, len(magicBuf)):
		magic = MagicUnset
	case bytes.Equal(magicBuf[:], magicBytes[:]):
		magic = MagicGood
	default:
		magic = MagicBad
	}

	var infoBuf [1]byte
	if err := area.Read(g.off.swapInfo, infoBuf[:]); err != nil {
		return SwapState{}, ErrFlash
	}
	swapType, imageNum := decodeSwapInfo(infoBuf[0], g.erasedVal)

	copyDone, err := g.readFlag(g.off.copyDone)
	if err != nil {
		return SwapState{}, err
	}

	imageOk, err := g.readFlag(g.off.imageOk)
	if err != nil {
		return SwapState{}, err
	}

	return SwapState{
		Magic:    magic,
		SwapType: swapType,
		CopyDone: copyDone,
		ImageOk:  imageOk,
		ImageNum: imageNum,
	}, nil
}

// ReadSwapStateByID opens the slot identified by id, reads its SwapState,
// and closes it on every exit path.
func ReadSwapStateByID(opener flash.Opener, id int) (SwapState, error) {
	area, err := opener.Open(id)
	if err != nil {
		return SwapState{}, ErrFlash
	}
	defer area.Close()

	return ReadSwapState(area)
}
