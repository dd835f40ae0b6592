package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFileOpener_CreatesErasedImageWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flash.bin")

	regions := []Region{
		{ID: 0, Offset: 0, Size: 64},
		{ID: 1, Offset: 64, Size: 64},
	}

	opener, err := OpenFileOpener(path, regions, 8, 0xFF)
	require.NoError(t, err)

	area, err := opener.Open(0)
	require.NoError(t, err)
	defer area.Close()

	buf := make([]byte, 64)
	require.NoError(t, area.Read(0, buf))

	want := make([]byte, 64)
	for i := range want {
		want[i] = 0xFF
	}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Fatalf("fresh region not fully erased (-want +got):\n%s", diff)
	}

	// Nothing written yet, so no file should have been created.
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestFileOpener_WritePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flash.bin")
	regions := []Region{{ID: 0, Offset: 0, Size: 16}}

	opener, err := OpenFileOpener(path, regions, 8, 0xFF)
	require.NoError(t, err)
	area, err := opener.Open(0)
	require.NoError(t, err)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, area.Write(0, payload))
	require.NoError(t, area.Close())

	reopened, err := OpenFileOpener(path, regions, 8, 0xFF)
	require.NoError(t, err)
	area2, err := reopened.Open(0)
	require.NoError(t, err)

	got := make([]byte, 8)
	require.NoError(t, area2.Read(0, got))
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Fatalf("written bytes didn't survive reopen (-want +got):\n%s", diff)
	}
}

func TestFileOpener_UnknownID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flash.bin")
	opener, err := OpenFileOpener(path, []Region{{ID: 0, Offset: 0, Size: 8}}, 8, 0xFF)
	require.NoError(t, err)

	_, err = opener.Open(99)
	require.Error(t, err)
}

func TestFileArea_WriteRejectsUnalignedOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flash.bin")
	opener, err := OpenFileOpener(path, []Region{{ID: 0, Offset: 0, Size: 16}}, 8, 0xFF)
	require.NoError(t, err)
	area, err := opener.Open(0)
	require.NoError(t, err)

	err = area.Write(3, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.Error(t, err)
}

func TestFileArea_EraseResetsToErasedValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flash.bin")
	opener, err := OpenFileOpener(path, []Region{{ID: 0, Offset: 0, Size: 16}}, 8, 0xFF)
	require.NoError(t, err)
	area, err := opener.Open(0)
	require.NoError(t, err)

	require.NoError(t, area.Write(0, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, area.Erase(0, 8))

	got := make([]byte, 8)
	require.NoError(t, area.Read(0, got))
	for _, b := range got {
		require.Equal(t, byte(0xFF), b)
	}
}
