package bootswap

// tableRow is one row of the decision table: a pattern over the five
// observable fields, paired with the swap type it classifies as.
type tableRow struct {
	primaryMagic     magicPattern
	secondaryMagic   magicPattern
	primaryImageOk   flagPattern
	secondaryImageOk flagPattern
	primaryCopyDone  flagPattern
	result           SwapType
}

// matches reports whether this row's five pattern fields all match the
// given primary/secondary SwapState pair.
func (r tableRow) matches(primary, secondary SwapState) bool {
	return r.primaryMagic.matches(primary.Magic) &&
		r.secondaryMagic.matches(secondary.Magic) &&
		r.primaryImageOk.matches(primary.ImageOk) &&
		r.secondaryImageOk.matches(secondary.ImageOk) &&
		r.primaryCopyDone.matches(primary.CopyDone)
}

// swapTable is the exact, priority-ordered decision table. The secondary's
// state takes priority over the primary's because a staged
// image is a new user intent that supersedes any inherited primary state.
var swapTable = []tableRow{
	{ // 1: secondary staged, not yet image-ok → Test
		primaryMagic:     patMagicAny,
		secondaryMagic:   patMagicGood,
		primaryImageOk:   patFlagAny,
		secondaryImageOk: patFlagUnset,
		primaryCopyDone:  patFlagAny,
		result:           SwapTest,
	},
	{ // 2: secondary staged and confirmed by tooling → Perm
		primaryMagic:     patMagicAny,
		secondaryMagic:   patMagicGood,
		primaryImageOk:   patFlagAny,
		secondaryImageOk: patFlagSet,
		primaryCopyDone:  patFlagAny,
		result:           SwapPerm,
	},
	{ // 3: swap completed but primary never confirmed → Revert
		primaryMagic:     patMagicGood,
		secondaryMagic:   patMagicUnset,
		primaryImageOk:   patFlagUnset,
		secondaryImageOk: patFlagAny,
		primaryCopyDone:  patFlagSet,
		result:           SwapRevert,
	},
}
