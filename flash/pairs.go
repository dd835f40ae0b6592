package flash

import "fmt"

// Pair names the two flash-area ids that make up one image slot pair:
// Primary is what the device boots from, Secondary is where a candidate
// image is staged. MCUboot calls this "multi-image boot"; the reference
// board this repo targets only populates pair 0, but the resolver is
// table-driven so a caller with more flash can register more pairs without
// touching the decision engine.
type Pair struct {
	Primary   int
	Secondary int
}

// PairTable resolves an image_index to its Pair. The zero value is an
// empty table; use NewPairTable or Register to populate it.
type PairTable struct {
	pairs map[int]Pair
}

// NewPairTable builds a PairTable from a list of pairs, indexed 0..N-1 in
// the order given.
func NewPairTable(pairs ...Pair) *PairTable {
	t := &PairTable{pairs: make(map[int]Pair, len(pairs))}
	for i, p := range pairs {
		t.pairs[i] = p
	}
	return t
}

// Register adds or replaces the pair for imageIndex.
func (t *PairTable) Register(imageIndex int, p Pair) {
	if t.pairs == nil {
		t.pairs = make(map[int]Pair)
	}
	t.pairs[imageIndex] = p
}

// Resolve returns the Pair registered for imageIndex.
func (t *PairTable) Resolve(imageIndex int) (Pair, error) {
	p, ok := t.pairs[imageIndex]
	if !ok {
		return Pair{}, fmt.Errorf("flash: no pair registered for image index %d", imageIndex)
	}
	return p, nil
}

// PrimaryID returns the primary flash-area id for imageIndex.
func (t *PairTable) PrimaryID(imageIndex int) (int, error) {
	p, err := t.Resolve(imageIndex)
	if err != nil {
		return 0, err
	}
	return p.Primary, nil
}

// SecondaryID returns the secondary flash-area id for imageIndex.
func (t *PairTable) SecondaryID(imageIndex int) (int, error) {
	p, err := t.Resolve(imageIndex)
	if err != nil {
		return 0, err
	}
	return p.Secondary, nil
}
