//go:build tinygo

package main

import (
	"log/slog"
	"machine"

	"openenterprise/bootswap"
)

// Package-level logger for the status LEDs (set from main)
var statusLEDLogger *slog.Logger

// GPIO pin assignments for the swap-state LEDs
const (
	pinGreenLED = machine.GP2
	pinBlackLED = machine.GP3
	pinBrownLED = machine.GP4
)

// LED state storage (persists across redraws so only transitions log)
var ledState struct {
	green bool
	black bool
	brown bool
}

// statusLEDPaused stops LED updates while an OTA transfer is in flight, so
// a mid-transfer SwapType read doesn't flash the LEDs for a half-written
// trailer.
var statusLEDPaused bool

// SetStatusLEDPaused pauses/resumes status LED updates.
func SetStatusLEDPaused(p bool) {
	statusLEDPaused = p
}

// IsStatusLEDPaused returns true if status LED updates are paused.
func IsStatusLEDPaused() bool {
	return statusLEDPaused
}

// initLEDs configures the GPIO pins for LED output.
func initLEDs() {
	pinGreenLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinBlackLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinBrownLED.Configure(machine.PinConfig{Mode: machine.PinOutput})

	pinGreenLED.Low()
	pinBlackLED.Low()
	pinBrownLED.Low()
}

func setLED(pin machine.Pin, cur *bool, name string, on bool) {
	changed := *cur != on
	if on {
		pin.High()
	} else {
		pin.Low()
	}
	*cur = on
	if changed && statusLEDLogger != nil {
		statusLEDLogger.Info("led:changed", slog.String("led", name), slog.Bool("on", on))
	}
}

// updateLEDsFromSwapType reflects the current swap decision on the three
// indicator LEDs:
//
//	GREEN - nothing pending (None), or a permanent swap is staged (Perm)
//	BLACK - a test (one-shot) swap is staged, awaiting confirmation
//	BROWN - a revert is imminent (test image never confirmed itself)
func updateLEDsFromSwapType(st bootswap.SwapType) {
	if statusLEDPaused {
		return
	}

	green, black, brown := ledsForSwapType(st)

	if statusLEDLogger != nil {
		statusLEDLogger.Debug("led:state", slog.String("swap_type", st.String()))
	}

	setLED(pinGreenLED, &ledState.green, "GREEN", green)
	setLED(pinBlackLED, &ledState.black, "BLACK", black)
	setLED(pinBrownLED, &ledState.brown, "BROWN", brown)
}
