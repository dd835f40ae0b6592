package bootswap

import (
	"bytes"
	"testing"

	"openenterprise/bootswap/flash"
)

// ---- E1-E6 end-to-end scenarios ----

func TestE1FreshDeviceNoUpdate(t *testing.T) {
	f, e := newTestEngine(t)

	if got := e.SwapTypeMulti(0); got != SwapNone {
		t.Fatalf("SwapTypeMulti = %v, want None", got)
	}

	before := append([]byte(nil), f.Bytes(0)...)
	if err := e.SetConfirmedMulti(0); err != nil {
		t.Fatalf("SetConfirmedMulti: %v", err)
	}
	after := f.Bytes(0)
	if !bytes.Equal(before, after) {
		t.Fatalf("SetConfirmedMulti on fresh primary wrote bytes")
	}
}

func TestE2StageTestImage(t *testing.T) {
	f, e := newTestEngine(t)

	if err := e.SetPendingMulti(0, false); err != nil {
		t.Fatalf("SetPendingMulti: %v", err)
	}

	buf := f.Bytes(1) // secondary
	if !bytes.Equal(buf[4080:4096], magicBytes[:]) {
		t.Fatalf("magic not written at offset 4080")
	}
	if buf[4056] != 0x01 {
		t.Fatalf("swap-info = 0x%02x, want 0x01", buf[4056])
	}
	for i := 4057; i < 4064; i++ {
		if buf[i] != testErased {
			t.Fatalf("swap-info padding byte %d = 0x%02x, want erased", i, buf[i])
		}
	}

	if got := e.SwapTypeMulti(0); got != SwapTest {
		t.Fatalf("SwapTypeMulti = %v, want Test", got)
	}
}

func TestE3StagePermanentImage(t *testing.T) {
	f, e := newTestEngine(t)

	if err := e.SetPendingMulti(0, true); err != nil {
		t.Fatalf("SetPendingMulti: %v", err)
	}

	buf := f.Bytes(1)
	if !bytes.Equal(buf[4080:4096], magicBytes[:]) {
		t.Fatalf("magic not written at offset 4080")
	}
	if buf[4072] != 0x01 {
		t.Fatalf("image-ok = 0x%02x, want 0x01", buf[4072])
	}
	if buf[4056] != 0x02 {
		t.Fatalf("swap-info = 0x%02x, want 0x02", buf[4056])
	}

	if got := e.SwapTypeMulti(0); got != SwapPerm {
		t.Fatalf("SwapTypeMulti = %v, want Perm", got)
	}
}

func TestE4BootAfterSwapNotYetConfirmed(t *testing.T) {
	f, e := newTestEngine(t)

	g, err := readGeometry(mustOpen(t, f, 0), MaxAlign)
	if err != nil {
		t.Fatalf("readGeometry: %v", err)
	}
	if err := g.writeMagic(); err != nil {
		t.Fatalf("writeMagic: %v", err)
	}
	if err := g.writeFlag(g.off.copyDone, FlagSetValue); err != nil {
		t.Fatalf("writeFlag(copyDone): %v", err)
	}

	if got := e.SwapTypeMulti(0); got != SwapRevert {
		t.Fatalf("SwapTypeMulti = %v, want Revert", got)
	}

	if err := e.SetConfirmedMulti(0); err != nil {
		t.Fatalf("SetConfirmedMulti: %v", err)
	}
	buf := f.Bytes(0)
	if buf[4072] != 0x01 {
		t.Fatalf("primary image-ok = 0x%02x, want 0x01", buf[4072])
	}

	if got := e.SwapTypeMulti(0); got != SwapNone {
		t.Fatalf("post-confirm SwapTypeMulti = %v, want None", got)
	}
}

func TestE5CorruptSecondaryTrailer(t *testing.T) {
	f, e := newTestEngine(t)

	buf := f.Bytes(1)
	for i := 4080; i < 4096; i++ {
		buf[i] = 0x00
	}

	err := e.SetPendingMulti(0, true)
	if err != ErrBadImage {
		t.Fatalf("SetPendingMulti on corrupt trailer = %v, want ErrBadImage", err)
	}

	for i, b := range buf {
		if b != testErased {
			t.Fatalf("secondary byte %d = 0x%02x after erase, want erased (0x%02x)", i, b, testErased)
		}
	}

	if got := e.SwapTypeMulti(0); got != SwapNone {
		t.Fatalf("SwapTypeMulti after corrupt-trailer erase = %v, want None", got)
	}
}

func TestE6RedundantConfirmOnUnsetPrimary(t *testing.T) {
	_, e := newTestEngine(t)

	if err := e.SetConfirmedMulti(0); err != nil {
		t.Fatalf("SetConfirmedMulti: %v", err)
	}
	if got := e.SwapTypeMulti(0); got != SwapNone {
		t.Fatalf("SwapTypeMulti = %v, want None", got)
	}
}

// ---- Idempotence ----

func TestSetPendingIdempotent(t *testing.T) {
	for _, permanent := range []bool{false, true} {
		f, e := newTestEngine(t)
		if err := e.SetPendingMulti(0, permanent); err != nil {
			t.Fatalf("first SetPendingMulti: %v", err)
		}
		first := append([]byte(nil), f.Bytes(1)...)

		if err := e.SetPendingMulti(0, permanent); err != nil {
			t.Fatalf("second SetPendingMulti: %v", err)
		}
		second := f.Bytes(1)

		if !bytes.Equal(first, second) {
			t.Fatalf("permanent=%v: second SetPendingMulti changed bytes", permanent)
		}
	}
}

func TestSetConfirmedIdempotent(t *testing.T) {
	f, e := newTestEngine(t)
	g, err := readGeometry(mustOpen(t, f, 0), MaxAlign)
	if err != nil {
		t.Fatalf("readGeometry: %v", err)
	}
	if err := g.writeMagic(); err != nil {
		t.Fatalf("writeMagic: %v", err)
	}

	if err := e.SetConfirmedMulti(0); err != nil {
		t.Fatalf("first SetConfirmedMulti: %v", err)
	}
	first := append([]byte(nil), f.Bytes(0)...)

	if err := e.SetConfirmedMulti(0); err != nil {
		t.Fatalf("second SetConfirmedMulti: %v", err)
	}
	second := f.Bytes(0)

	if !bytes.Equal(first, second) {
		t.Fatalf("second SetConfirmedMulti changed bytes")
	}
}

// ---- Power-loss safety ----

func TestSetPendingPowerLossSafety(t *testing.T) {
	// Simulate a power loss after each prefix of the write sequence
	// set_pending would issue (magic, then image-ok if permanent, then
	// swap-info) and verify the resulting decision is always in
	// {None, Test, Perm}, never Revert or Panic.
	steps := []func(g slotGeometry) error{
		func(g slotGeometry) error { return nil }, // power loss before any write
		func(g slotGeometry) error { return g.writeMagic() },
		func(g slotGeometry) error {
			if err := g.writeMagic(); err != nil {
				return err
			}
			return g.writeImageOk()
		},
		func(g slotGeometry) error {
			if err := g.writeMagic(); err != nil {
				return err
			}
			if err := g.writeImageOk(); err != nil {
				return err
			}
			return g.writeSwapInfo(SwapPerm, 0)
		},
	}

	for i, step := range steps {
		f, e := newTestEngine(t)
		g, err := readGeometry(mustOpen(t, f, 1), MaxAlign)
		if err != nil {
			t.Fatalf("step %d: readGeometry: %v", i, err)
		}
		if err := step(g); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}

		got := e.SwapTypeMulti(0)
		if got == SwapRevert || got == SwapPanic {
			t.Fatalf("step %d: SwapTypeMulti = %v, must never be Revert/Panic mid-sequence", i, got)
		}
	}
}

// ---- helpers ----

func engineSecondaryBytes(t *testing.T, e *Engine) []byte {
	t.Helper()
	f, ok := e.Opener.(*flash.Fake)
	if !ok {
		t.Fatalf("engine opener is not *flash.Fake")
	}
	id, err := e.Pairs.SecondaryID(0)
	if err != nil {
		t.Fatalf("SecondaryID: %v", err)
	}
	return f.Bytes(id)
}
