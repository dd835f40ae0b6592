package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"openenterprise/bootswap/flash"
)

// layoutFile is the on-disk shape of a bootswap.hjson layout file: one
// entry per flash-area id plus the pair table built from them. hujson lets
// the file carry comments and trailing commas, which a layout description
// edited by hand benefits from.
type layoutFile struct {
	Align   uint32   `json:"align"`
	Erased  byte     `json:"erased"`
	Regions []Region `json:"regions"`
	Pairs   []struct {
		Primary   int `json:"primary"`
		Secondary int `json:"secondary"`
	} `json:"pairs"`
}

// defaultLayout mirrors the reference board's two-partition layout
// (the firmware main.go's rp2350Regions, duplicated here since the CLI builds
// against a flat image file, not real ROM calls).
func defaultLayout() layoutFile {
	return layoutFile{
		Align:  8,
		Erased: 0xFF,
		Regions: []Region{
			{ID: 0, Offset: 0x2000, Size: 0x1F0000},
			{ID: 1, Offset: 0x1F2000, Size: 0x1F0000},
		},
		Pairs: []struct {
			Primary   int `json:"primary"`
			Secondary int `json:"secondary"`
		}{
			{Primary: 0, Secondary: 1},
		},
	}
}

// loadLayout reads a hujson layout file, or returns defaultLayout() if path
// is empty.
func loadLayout(path string) (layoutFile, error) {
	if path == "" {
		return defaultLayout(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return layoutFile{}, fmt.Errorf("layout: read %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return layoutFile{}, fmt.Errorf("layout: parse %s: %w", path, err)
	}
	var lf layoutFile
	if err := json.Unmarshal(std, &lf); err != nil {
		return layoutFile{}, fmt.Errorf("layout: decode %s: %w", path, err)
	}
	if len(lf.Regions) == 0 {
		return layoutFile{}, fmt.Errorf("layout: %s declares no regions", path)
	}
	return lf, nil
}

// pairTable builds a flash.PairTable from the layout's pairs, indexed by
// position (pair 0 is image_index 0, and so on).
func (lf layoutFile) pairTable() *flash.PairTable {
	t := flash.NewPairTable()
	for i, p := range lf.Pairs {
		t.Register(i, flash.Pair{Primary: p.Primary, Secondary: p.Secondary})
	}
	return t
}
