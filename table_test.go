package bootswap

import "testing"

func TestTablePriorityWhenSecondaryGood(t *testing.T) {
	// Whenever secondary is Good, result is Test or Perm regardless of
	// primary state.
	primaries := []SwapState{
		{Magic: MagicGood, ImageOk: FlagSet, CopyDone: FlagSet},
		{Magic: MagicGood, ImageOk: FlagUnset, CopyDone: FlagUnset},
		{Magic: MagicUnset},
		{Magic: MagicBad},
	}
	secondaryImageOks := []Flag{FlagUnset, FlagSet}

	for _, primary := range primaries {
		for _, imageOk := range secondaryImageOks {
			secondary := SwapState{Magic: MagicGood, ImageOk: imageOk}
			got := decideFromTable(primary, secondary)
			if imageOk == FlagUnset && got != SwapTest {
				t.Errorf("primary=%+v secondary=%+v: got %v, want Test", primary, secondary, got)
			}
			if imageOk == FlagSet && got != SwapPerm {
				t.Errorf("primary=%+v secondary=%+v: got %v, want Perm", primary, secondary, got)
			}
		}
	}
}

func TestTableRevertPrecondition(t *testing.T) {
	// Revert iff primary=Good, secondary=Unset, primary.image_ok=Unset,
	// primary.copy_done=Set.
	base := SwapState{Magic: MagicGood, ImageOk: FlagUnset, CopyDone: FlagSet}
	secondaryEmpty := SwapState{Magic: MagicUnset}

	if got := decideFromTable(base, secondaryEmpty); got != SwapRevert {
		t.Fatalf("exact revert precondition: got %v, want Revert", got)
	}

	variants := []SwapState{
		{Magic: MagicGood, ImageOk: FlagSet, CopyDone: FlagSet},   // image_ok set
		{Magic: MagicGood, ImageOk: FlagUnset, CopyDone: FlagUnset}, // copy_done unset
		{Magic: MagicUnset, ImageOk: FlagUnset, CopyDone: FlagSet}, // primary not good
		{Magic: MagicBad, ImageOk: FlagUnset, CopyDone: FlagSet},
	}
	for _, primary := range variants {
		if got := decideFromTable(primary, secondaryEmpty); got == SwapRevert {
			t.Errorf("primary=%+v should not revert, got Revert", primary)
		}
	}
}

func TestTableNoMatchIsNone(t *testing.T) {
	primary := SwapState{Magic: MagicUnset}
	secondary := SwapState{Magic: MagicUnset}
	if got := decideFromTable(primary, secondary); got != SwapNone {
		t.Fatalf("fresh device: got %v, want None", got)
	}
}

func TestTableAmbiguousHalfInterruptedIsNone(t *testing.T) {
	// (Good, Unset, copy_done=Unset, image_ok=Unset) is classified None,
	// indistinguishable from a confirmed primary. Preserved deliberately
	// (see DESIGN.md, Open Question 2).
	primary := SwapState{Magic: MagicGood, ImageOk: FlagUnset, CopyDone: FlagUnset}
	secondary := SwapState{Magic: MagicUnset}
	if got := decideFromTable(primary, secondary); got != SwapNone {
		t.Fatalf("half-interrupted pre-swap state: got %v, want None", got)
	}
}

// decideFromTable runs the table directly (without an Engine/flash
// backend) for table-shape unit tests.
func decideFromTable(primary, secondary SwapState) SwapType {
	for _, row := range swapTable {
		if row.matches(primary, secondary) {
			return row.result
		}
	}
	return SwapNone
}
