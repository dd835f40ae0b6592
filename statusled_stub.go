//go:build !tinygo

package main

// This file provides stub definitions for the regular Go toolchain
// (staticcheck, go vet). The actual implementation is in statusled.go
// (TinyGo only).

// LED state storage (persists across redraws so only transitions log)
var ledState struct {
	green bool
	black bool
	brown bool
}

var statusLEDPaused bool

// SetStatusLEDPaused pauses/resumes status LED updates.
func SetStatusLEDPaused(p bool) {
	statusLEDPaused = p
}

// IsStatusLEDPaused returns true if status LED updates are paused.
func IsStatusLEDPaused() bool {
	return statusLEDPaused
}
