package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadLayout_EmptyPathReturnsDefault(t *testing.T) {
	lf, err := loadLayout("")
	require.NoError(t, err)
	require.Len(t, lf.Regions, 2)
	require.Equal(t, uint32(8), lf.Align)
	require.Equal(t, byte(0xFF), lf.Erased)
}

func TestLoadLayout_ParsesHuJSONWithComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootswap.hjson")

	const doc = `{
  // single partition pair for a bench test rig
  align: 4,
  erased: 255,
  regions: [
    {id: 0, offset: 0, size: 4096},
    {id: 1, offset: 4096, size: 4096},
  ],
  pairs: [
    {primary: 0, secondary: 1},
  ],
}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	lf, err := loadLayout(path)
	require.NoError(t, err)
	require.Equal(t, uint32(4), lf.Align)
	require.Len(t, lf.Regions, 2)
	require.Equal(t, uint32(4096), lf.Regions[1].Offset)

	pairs := lf.pairTable()
	p, err := pairs.Resolve(0)
	require.NoError(t, err)
	require.Equal(t, 0, p.Primary)
	require.Equal(t, 1, p.Secondary)
}

func TestLoadLayout_RejectsEmptyRegions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootswap.hjson")
	require.NoError(t, os.WriteFile(path, []byte(`{regions: []}`), 0644))

	_, err := loadLayout(path)
	require.Error(t, err)
}

func TestLoadLayout_MissingFile(t *testing.T) {
	_, err := loadLayout("/nonexistent/bootswap.hjson")
	require.Error(t, err)
}
