//go:build tinygo

// Package ota drives the RP2350's over-the-air update transport: it
// receives a candidate image over TCP, stages it into a flash area via
// bootswap/flash, hands the swap decision to bootswap, and triggers the
// physical reboot into the partition holding that area.
package ota

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_REBOOT       ROM_TABLE_CODE('R', 'B')
#define ROM_FUNC_EXPLICIT_BUY ROM_TABLE_CODE('E', 'B')
#define ROM_FUNC_GET_SYS_INFO ROM_TABLE_CODE('G', 'S')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

#define RT_FLAG_FUNC_ARM_SEC 0x0004

#define REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100

#define SYS_INFO_BOOT_INFO 0x0040

#define XIP_BASE 0x10000000

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*rom_explicit_buy_fn)(uint8_t *buffer, uint32_t buffer_size);
typedef int (*rom_get_sys_info_fn)(uint32_t *out_buffer, uint32_t out_buffer_word_size, uint32_t flags);

__attribute__((always_inline))
static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

// ota_confirm_partition confirms the current partition (TBYB). Must be
// called within 16.7s of boot or the bootrom auto-reverts.
static int ota_confirm_partition(void) {
    rom_explicit_buy_fn func = (rom_explicit_buy_fn) rom_func_lookup_inline(ROM_FUNC_EXPLICIT_BUY);
    if (!func) return -1;
    uint32_t workarea[64];
    return func((uint8_t*)workarea, sizeof(workarea));
}

static int last_reboot_result = 0;

// ota_reboot_to_xip reboots into the partition starting at xip_addr.
static void ota_reboot_to_xip(uint32_t xip_addr) {
    rom_reboot_fn func = (rom_reboot_fn) rom_func_lookup_inline(ROM_FUNC_REBOOT);
    if (!func) { last_reboot_result = -1; return; }

    last_reboot_result = func(
        REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE | REBOOT2_FLAG_NO_RETURN_ON_SUCCESS,
        1000,
        xip_addr,
        0
    );
    if (last_reboot_result == 0) {
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while(1) { __asm__("wfi"); }
    }
}

static int ota_get_reboot_result(void) {
    return last_reboot_result;
}

// ota_get_current_partition returns which partition we booted from, via
// ROM get_sys_info() with BOOT_INFO (datasheet 5.4.8.17: word 1 is
// 0xttppbbdd, pp = boot partition).
static int ota_get_current_partition(void) {
    rom_get_sys_info_fn func = (rom_get_sys_info_fn) rom_func_lookup_inline(ROM_FUNC_GET_SYS_INFO);
    if (!func) return 0;

    uint32_t buffer[5];
    int ret = func(buffer, 5, SYS_INFO_BOOT_INFO);
    if (ret < 0) return 0;
    if (!(buffer[0] & SYS_INFO_BOOT_INFO)) return 0;

    uint8_t partition = (buffer[1] >> 16) & 0xFF;
    if (partition == 0xFF) return 0;
    return (int)partition;
}

// ota_reboot_normal forces an immediate watchdog reset. More reliable on
// RP2350 than the ROM reboot call for an unconditional "start over".
static void ota_reboot_normal(void) {
    #define WATCHDOG_BASE 0x400d8000
    #define WATCHDOG_CTRL (WATCHDOG_BASE + 0x00)
    #define WATCHDOG_CTRL_TRIGGER (1u << 31)

    *(volatile uint32_t*)WATCHDOG_CTRL = WATCHDOG_CTRL_TRIGGER;
    while(1) { __asm__("nop"); }
}
*/
import "C"

import "errors"

// XIPBase is the RP2350's memory-mapped flash base address. Reboot calls
// take an XIP address, while flash.Area works in raw flash offsets; add
// XIPBase to a BaseOff() to get the address RebootToXIPAddr expects.
const XIPBase = 0x10000000

// ErrConfirmFailed is returned when the ROM explicit_buy call fails.
var ErrConfirmFailed = errors.New("ota: partition confirm failed")

// ConfirmPartition confirms the current partition under TBYB. Safe to call
// even when TBYB isn't pending (returns success).
func ConfirmPartition() error {
	if C.ota_confirm_partition() != 0 {
		return ErrConfirmFailed
	}
	return nil
}

// GetCurrentPartition returns which partition we booted from (0 or 1).
func GetCurrentPartition() int {
	return int(C.ota_get_current_partition())
}

// wifiShutdownFunc is called before reboot to cleanly shut down WiFi.
var wifiShutdownFunc func()

// SetWiFiShutdown registers a function to call before reboot, mirroring the
// Pico SDK's cyw43_arch_deinit step.
func SetWiFiShutdown(fn func()) {
	wifiShutdownFunc = fn
}

// RebootToXIPAddr reboots into the partition at the given XIP address. Does
// not return on success.
func RebootToXIPAddr(xipAddr uint32) {
	if wifiShutdownFunc != nil {
		wifiShutdownFunc()
	}
	C.ota_reboot_to_xip(C.uint32_t(xipAddr))
}

// GetRebootResult returns the ROM result code of the last reboot attempt (0
// on success, negative on failure — only meaningful if RebootToXIPAddr
// returned instead of rebooting).
func GetRebootResult() int {
	return int(C.ota_get_reboot_result())
}

// Reboot performs an unconditional watchdog reset. Does not return on
// success.
func Reboot() {
	if wifiShutdownFunc != nil {
		wifiShutdownFunc()
	}
	C.ota_reboot_normal()
}
