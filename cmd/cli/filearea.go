package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"

	"openenterprise/bootswap/flash"
)

// Region describes one flash-area id's extent within a flat image file, the
// same shape as flash.RP2350Region but decoded from a layout file instead of
// hardcoded for one board.
type Region struct {
	ID     int    `json:"id"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// FileOpener is a flash.Opener backed by a single flat file on disk, used to
// decide or dump swap state against a captured flash image without a
// device. Every Write/Erase is flushed back to path with an atomic
// rename-into-place, so a crash mid-write never leaves a half-updated
// image file.
type FileOpener struct {
	path    string
	align   uint32
	erased  byte
	regions map[int]Region
	data    []byte
}

// OpenFileOpener loads path into memory, sizing the in-memory buffer to
// cover the furthest region extent. If path doesn't exist, a new buffer
// filled with erased is created (and written out on the first Flush).
func OpenFileOpener(path string, regions []Region, align uint32, erased byte) (*FileOpener, error) {
	var want uint32
	regionMap := make(map[int]Region, len(regions))
	for _, r := range regions {
		regionMap[r.ID] = r
		if end := r.Offset + r.Size; end > want {
			want = end
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("filearea: read %s: %w", path, err)
		}
		data = make([]byte, want)
		for i := range data {
			data[i] = erased
		}
	}
	if uint32(len(data)) < want {
		grown := make([]byte, want)
		for i := range grown {
			grown[i] = erased
		}
		copy(grown, data)
		data = grown
	}

	return &FileOpener{path: path, align: align, erased: erased, regions: regionMap, data: data}, nil
}

// Open implements flash.Opener.
func (o *FileOpener) Open(id int) (flash.Area, error) {
	r, ok := o.regions[id]
	if !ok {
		return nil, flash.ErrUnknownID
	}
	return &fileArea{opener: o, region: r}, nil
}

// Flush persists the in-memory image back to disk atomically.
func (o *FileOpener) Flush() error {
	return atomic.WriteFile(o.path, bytes.NewReader(o.data))
}

type fileArea struct {
	opener *FileOpener
	region Region
}

func (a *fileArea) ID() int { return a.region.ID }

func (a *fileArea) Size() (uint32, error) { return a.region.Size, nil }

func (a *fileArea) Align() (uint32, error) { return a.opener.align, nil }

func (a *fileArea) ErasedVal() (byte, error) { return a.opener.erased, nil }

func (a *fileArea) BaseOff() (uint32, error) { return a.region.Offset, nil }

func (a *fileArea) Read(off uint32, buf []byte) error {
	if err := a.bounds(off, uint32(len(buf))); err != nil {
		return err
	}
	start := a.region.Offset + off
	copy(buf, a.opener.data[start:])
	return nil
}

func (a *fileArea) Write(off uint32, buf []byte) error {
	if err := a.bounds(off, uint32(len(buf))); err != nil {
		return err
	}
	align := a.opener.align
	if align != 0 {
		if off%align != 0 {
			return fmt.Errorf("filearea: write offset %d not aligned to %d", off, align)
		}
		if uint32(len(buf))%align != 0 {
			return fmt.Errorf("filearea: write length %d not a multiple of align %d", len(buf), align)
		}
	}
	start := a.region.Offset + off
	copy(a.opener.data[start:], buf)
	return a.opener.Flush()
}

func (a *fileArea) Erase(off uint32, n uint32) error {
	if err := a.bounds(off, n); err != nil {
		return err
	}
	start := a.region.Offset + off
	for i := uint32(0); i < n; i++ {
		a.opener.data[start+i] = a.opener.erased
	}
	return a.opener.Flush()
}

func (a *fileArea) Close() error { return nil }

func (a *fileArea) bounds(off, n uint32) error {
	if uint64(off)+uint64(n) > uint64(a.region.Size) {
		return fmt.Errorf("filearea: access [%d:%d) out of bounds (region size %d)", off, off+n, a.region.Size)
	}
	return nil
}
