package bootswap

import (
	"openenterprise/bootswap/flash"
)

// PrimaryStateFunc is an optional single-slot extension point: given an
// image_index, it may supply the primary slot's SwapState directly instead
// of letting the engine read it from flash. ok=false means "decline, fall
// through to the default flash read".
type PrimaryStateFunc func(imageIndex int) (state SwapState, ok bool, err error)

// Engine ties together a flash.Opener, an image-pair resolver, and an
// optional primary-state hook to implement the decision engine and public
// API. An Engine holds no state of its own beyond these three references —
// every decision re-reads flash, so there is no in-memory cache to go stale.
type Engine struct {
	Opener flash.Opener
	Pairs  *flash.PairTable

	// PrimaryHook, if non-nil, is consulted before reading the primary
	// slot from flash.
	PrimaryHook PrimaryStateFunc
}

// NewEngine builds an Engine over the given opener and pair table.
func NewEngine(opener flash.Opener, pairs *flash.PairTable) *Engine {
	return &Engine{Opener: opener, Pairs: pairs}
}

// SwapType is the image-index-0 convenience wrapper for SwapTypeMulti.
func (e *Engine) SwapType() SwapType {
	return e.SwapTypeMulti(0)
}

// SwapTypeMulti reads the SwapState of both slots of the image pair at
// imageIndex and returns the swap type via the priority-ordered decision
// table. Any failure obtaining a coherent reading of either
// slot returns SwapPanic so the bootloader can make a deterministic
// recovery choice (typically: refuse to swap and boot the primary).
func (e *Engine) SwapTypeMulti(imageIndex int) SwapType {
	primary, err := e.readPrimary(imageIndex)
	if err != nil {
		return SwapPanic
	}

	secondary, err := e.readSecondary(imageIndex)
	if err != nil {
		return SwapPanic
	}

	for _, row := range swapTable {
		if row.matches(primary, secondary) {
			switch row.result {
			case SwapTest, SwapPerm, SwapRevert:
				return row.result
			default:
				// Table corruption: a row named a type outside the
				// persisted set.
				return SwapPanic
			}
		}
	}
	return SwapNone
}

// readPrimary obtains the primary's SwapState, consulting PrimaryHook first.
func (e *Engine) readPrimary(imageIndex int) (SwapState, error) {
	if e.PrimaryHook != nil {
		state, ok, err := e.PrimaryHook(imageIndex)
		if err != nil {
			return SwapState{}, err
		}
		if ok {
			return state, nil
		}
	}

	id, err := e.Pairs.PrimaryID(imageIndex)
	if err != nil {
		return SwapState{}, err
	}
	return ReadSwapStateByID(e.Opener, id)
}

// readSecondary obtains the secondary's SwapState. If the backend reports
// the slot unreachable, the canonical empty state is substituted rather
// than propagating a failure.
func (e *Engine) readSecondary(imageIndex int) (SwapState, error) {
	id, err := e.Pairs.SecondaryID(imageIndex)
	if err != nil {
		return SwapState{}, err
	}

	area, err := e.Opener.Open(id)
	if err != nil {
		if err == flash.ErrSlotUnreachable {
			return emptyState, nil
		}
		return SwapState{}, err
	}
	defer area.Close()

	return ReadSwapState(area)
}
