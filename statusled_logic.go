package main

import "openenterprise/bootswap"

// ledsForSwapType maps a swap decision to the three LED states. Split out
// from statusled.go (which is TinyGo-only, since it drives machine.Pin) so
// the decision logic itself is host-testable.
func ledsForSwapType(st bootswap.SwapType) (green, black, brown bool) {
	green = st == bootswap.SwapNone || st == bootswap.SwapPerm
	black = st == bootswap.SwapTest
	brown = st == bootswap.SwapRevert
	return green, black, brown
}
