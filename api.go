package bootswap

// SetPending is the image-index-0 convenience wrapper for SetPendingMulti.
func (e *Engine) SetPending(permanent bool) error {
	return e.SetPendingMulti(0, permanent)
}

// SetPendingMulti queues the secondary image of the pair at imageIndex for
// a one-shot test (permanent=false) or a permanent install (permanent=true).
//
// Ordering is deliberate: magic is written first so that a power loss after
// only the magic leaves the table reading row 1 (Test), the safest
// interpretation. image-ok is written before swap-info so that observing
// Perm later always implies image-ok is already present.
func (e *Engine) SetPendingMulti(imageIndex int, permanent bool) error {
	id, err := e.Pairs.SecondaryID(imageIndex)
	if err != nil {
		return err
	}

	area, err := e.Opener.Open(id)
	if err != nil {
		return ErrFlash
	}
	defer area.Close()

	g, err := readGeometry(area, MaxAlign)
	if err != nil {
		return err
	}

	state, err := ReadSwapState(area)
	if err != nil {
		return err
	}

	switch state.Magic {
	case MagicGood:
		// Swap already scheduled: idempotent, no further writes.
		return nil

	case MagicUnset:
		if err := g.writeMagic(); err != nil {
			return err
		}
		if permanent {
			if err := g.writeImageOk(); err != nil {
				return err
			}
		}
		swapType := SwapTest
		if permanent {
			swapType = SwapPerm
		}
		if err := g.writeSwapInfo(swapType, 0); err != nil {
			return err
		}
		return nil

	case MagicBad:
		// Trailer is corrupt. Erase the entire slot to permit future
		// upgrades. Whether the erase's own failure should be checked is
		// left unspecified here; this implementation deliberately ignores
		// it (see DESIGN.md, Open Question 1) so a flash fault during
		// best-effort cleanup never masks the real BadImage fault.
		size, sizeErr := area.Size()
		if sizeErr == nil {
			_ = area.Erase(0, size)
		}
		return ErrBadImage

	default:
		// Unreachable: Magic has exactly three values. Treated as the same
		// invariant-broken case as Bad.
		return ErrBadImage
	}
}

// SetConfirmed is the image-index-0 convenience wrapper for
// SetConfirmedMulti.
func (e *Engine) SetConfirmed() error {
	return e.SetConfirmedMulti(0)
}

// SetConfirmedMulti marks the currently-running primary image of the pair
// at imageIndex as accepted, preventing the next boot from reverting it.
// It deliberately does not check copy-done, so that images installed via
// out-of-band programming can also be confirmed.
func (e *Engine) SetConfirmedMulti(imageIndex int) error {
	id, err := e.Pairs.PrimaryID(imageIndex)
	if err != nil {
		return err
	}

	area, err := e.Opener.Open(id)
	if err != nil {
		return ErrFlash
	}
	defer area.Close()

	g, err := readGeometry(area, MaxAlign)
	if err != nil {
		return err
	}

	state, err := ReadSwapState(area)
	if err != nil {
		return err
	}

	switch state.Magic {
	case MagicGood:
		// proceed
	case MagicUnset:
		return nil // nothing to confirm
	case MagicBad:
		return ErrBadVector
	default:
		return ErrBadVector
	}

	if state.ImageOk != FlagUnset {
		// already Set (or, conservatively, Bad) — idempotent.
		return nil
	}

	return g.writeImageOk()
}
