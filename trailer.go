package bootswap

import (
	"openenterprise/bootswap/flash"
)

// offsets holds the four trailer field offsets for one slot, computed from
// its size and the platform's maximum write alignment.
type offsets struct {
	magic    uint32
	imageOk  uint32
	copyDone uint32
	swapInfo uint32
}

// computeOffsets returns the trailer field offsets for a slot of the given
// size, given maxAlign (the platform's compile-time maximum write
// alignment, a power of two). Offsets are strictly decreasing from the end
// of the slot:
//
//	magicOff    = size - 16
//	imageOkOff  = magicOff    - maxAlign
//	copyDoneOff = imageOkOff  - maxAlign
//	swapInfoOff = copyDoneOff - maxAlign
func computeOffsets(size, maxAlign uint32) offsets {
	magicOff := size - MagicLen
	imageOkOff := magicOff - maxAlign
	copyDoneOff := imageOkOff - maxAlign
	swapInfoOff := copyDoneOff - maxAlign
	return offsets{
		magic:    magicOff,
		imageOk:  imageOkOff,
		copyDone: copyDoneOff,
		swapInfo: swapInfoOff,
	}
}

// TrailerSize returns the total trailer size for a platform whose maximum
// write alignment is maxAlign: 16 + 3*maxAlign.
func TrailerSize(maxAlign uint32) uint32 {
	return MagicLen + 3*maxAlign
}

// slotGeometry holds an already-open area's size, actual write alignment,
// and erased value, gathered in one place by readGeometry so every codec
// operation shares one failure path (ErrFlash).
type slotGeometry struct {
	area      flash.Area
	size      uint32
	maxAlign  uint32
	align     uint32
	erasedVal byte
	off       offsets
}

// readGeometry queries area for size/align/erasedVal and computes offsets
// using maxAlign as the platform's fixed layout constant. align (the
// backend's actual, possibly-smaller write granularity) is queried
// separately because write_trailer rounds to it, not to maxAlign.
func readGeometry(area flash.Area, maxAlign uint32) (slotGeometry, error) {
	size, err := area.Size()
	if err != nil {
		return slotGeometry{}, ErrFlash
	}
	align, err := area.Align()
	if err != nil || align == 0 {
		return slotGeometry{}, ErrFlash
	}
	erasedVal, err := area.ErasedVal()
	if err != nil {
		return slotGeometry{}, ErrFlash
	}
	return slotGeometry{
		area:      area,
		size:      size,
		maxAlign:  maxAlign,
		align:     align,
		erasedVal: erasedVal,
		off:       computeOffsets(size, maxAlign),
	}, nil
}

// writeTrailer rounds len(payload) up to the slot's actual write alignment,
// refuses (ErrInvalid) if that rounded length exceeds maxAlign, copies the
// payload into a maxAlign-sized buffer filled with the erased value for the
// remainder, and writes the buffer at off.
func (g slotGeometry) writeTrailer(off uint32, payload []byte) error {
	rounded := roundUp(uint32(len(payload)), g.align)
	if rounded > g.maxAlign {
		return ErrInvalid
	}
	buf := make([]byte, g.maxAlign)
	for i := range buf {
		buf[i] = g.erasedVal
	}
	copy(buf, payload)
	if err := g.area.Write(off, buf); err != nil {
		return ErrFlash
	}
	return nil
}

// writeFlag is a one-byte writeTrailer.
func (g slotGeometry) writeFlag(off uint32, value byte) error {
	return g.writeTrailer(off, []byte{value})
}

// writeMagic writes the 16-byte magic constant at the magic offset.
func (g slotGeometry) writeMagic() error {
	if err := g.area.Write(g.off.magic, magicBytes[:]); err != nil {
		return ErrFlash
	}
	return nil
}

// writeImageOk sets the image-ok flag.
func (g slotGeometry) writeImageOk() error {
	return g.writeFlag(g.off.imageOk, FlagSetValue)
}

// writeSwapInfo packs (imageNum<<4)|swapType and writes it at the
// swap-info offset.
func (g slotGeometry) writeSwapInfo(t SwapType, imageNum uint8) error {
	info := (imageNum&0xF)<<4 | uint8(t)&0xF
	return g.writeFlag(g.off.swapInfo, info)
}

// readFlag reads one byte at off and classifies it as Set/Unset/Bad.
func (g slotGeometry) readFlag(off uint32) (Flag, error) {
	var b [1]byte
	if err := g.area.Read(off, b[:]); err != nil {
		return FlagBad, ErrFlash
	}
	switch {
	case b[0] == g.erasedVal:
		return FlagUnset, nil
	case b[0] == FlagSetValue:
		return FlagSet, nil
	default:
		return FlagBad, nil
	}
}

// roundUp rounds n up to the next multiple of align. align must be > 0.
func roundUp(n, align uint32) uint32 {
	if n == 0 {
		return 0
	}
	return (n + align - 1) / align * align
}

// decodeSwapInfo decodes a swap-info byte into (swapType, imageNum),
// normalising to (SwapNone, 0) if the byte equals erasedVal or the decoded
// type exceeds maxSwapInfoType.
func decodeSwapInfo(b, erasedVal byte) (SwapType, uint8) {
	if b == erasedVal {
		return SwapNone, 0
	}
	t := SwapType(b & 0xF)
	n := uint8(b>>4) & 0xF
	if t > maxSwapInfoType {
		return SwapNone, 0
	}
	return t, n
}
