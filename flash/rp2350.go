//go:build tinygo

package flash

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

// ROM table code macro - creates 16-bit code from two characters
#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

#define RT_FLAG_FUNC_ARM_SEC    0x0004

#define XIP_BASE 0x10000000

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

// rom_func_lookup_inline matches TinyGo's machine_rp2350_rom.go lookup
// sequence (this repo runs in Secure mode, no TrustZone configured).
__attribute__((always_inline))
static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20

// rp2350_flash_write programs len bytes of data at the given raw flash
// offset, bypassing TinyGo's machine.Flash (which assumes a different base
// offset than this repo's partition layout uses).
static void rp2350_flash_write(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    program(offset, data, len);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

static void rp2350_flash_erase(uint32_t offset, uint32_t count) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    erase(offset, count, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

// rp2350_flash_read reads directly off the XIP-mapped address space; no ROM
// call needed since the flash is memory-mapped for reads outside of an
// erase/program window.
static void rp2350_flash_read(uint32_t offset, uint8_t *data, uint32_t len) {
    const uint8_t *src = (const uint8_t *)(uintptr_t)(XIP_BASE + offset);
    for (uint32_t i = 0; i < len; i++) {
        data[i] = src[i];
    }
}
*/
import "C"

import (
	"errors"
	"unsafe"
)

// RP2350SectorSize is the erase granularity of the RP2350's internal flash.
const RP2350SectorSize = 4096

// RP2350Region describes one flash-area id backed by the RP2350's internal
// flash: a raw byte offset and size within the chip, not an XIP address.
type RP2350Region struct {
	ID     int
	Offset uint32
	Size   uint32
}

// RP2350Backend implements Opener over the RP2350's internal flash using
// direct ROM calls (adapted from the reference board's OTA partition
// writer, generalized from a hardcoded two-partition layout to an arbitrary
// table of regions so it can back more than one image pair).
type RP2350Backend struct {
	regions map[int]RP2350Region
	align   uint32
	erased  byte
}

// NewRP2350Backend builds a backend over the given regions. align is the
// platform's actual write granularity (the RP2350 ROM program call accepts
// any length); erased is the byte value unprogrammed flash reads back
// as (0xFF on RP2350).
func NewRP2350Backend(regions []RP2350Region, align uint32, erased byte) *RP2350Backend {
	b := &RP2350Backend{
		regions: make(map[int]RP2350Region, len(regions)),
		align:   align,
		erased:  erased,
	}
	for _, r := range regions {
		b.regions[r.ID] = r
	}
	return b
}

// Open implements Opener.
func (b *RP2350Backend) Open(id int) (Area, error) {
	r, ok := b.regions[id]
	if !ok {
		return nil, ErrUnknownID
	}
	return &rp2350Area{backend: b, region: r}, nil
}

type rp2350Area struct {
	backend *RP2350Backend
	region  RP2350Region
}

func (a *rp2350Area) ID() int { return a.region.ID }

func (a *rp2350Area) Size() (uint32, error) { return a.region.Size, nil }

func (a *rp2350Area) Align() (uint32, error) { return a.backend.align, nil }

func (a *rp2350Area) ErasedVal() (byte, error) { return a.backend.erased, nil }

func (a *rp2350Area) BaseOff() (uint32, error) { return a.region.Offset, nil }

func (a *rp2350Area) Read(off uint32, buf []byte) error {
	if uint64(off)+uint64(len(buf)) > uint64(a.region.Size) {
		return errors.New("flash: read out of bounds")
	}
	if len(buf) == 0 {
		return nil
	}
	C.rp2350_flash_read(
		C.uint32_t(a.region.Offset+off),
		(*C.uint8_t)(unsafe.Pointer(&buf[0])),
		C.uint32_t(len(buf)),
	)
	return nil
}

func (a *rp2350Area) Write(off uint32, buf []byte) error {
	if uint64(off)+uint64(len(buf)) > uint64(a.region.Size) {
		return errors.New("flash: write out of bounds")
	}
	if len(buf) == 0 {
		return nil
	}
	C.rp2350_flash_write(
		C.uint32_t(a.region.Offset+off),
		(*C.uint8_t)(unsafe.Pointer(&buf[0])),
		C.uint32_t(len(buf)),
	)
	return nil
}

func (a *rp2350Area) Erase(off uint32, n uint32) error {
	if uint64(off)+uint64(n) > uint64(a.region.Size) {
		return errors.New("flash: erase out of bounds")
	}
	if n%RP2350SectorSize != 0 {
		return errors.New("flash: erase length must be a multiple of the sector size")
	}
	C.rp2350_flash_erase(C.uint32_t(a.region.Offset+off), C.uint32_t(n))
	return nil
}

func (a *rp2350Area) Close() error { return nil }
