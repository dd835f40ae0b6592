package flash

import "testing"

func TestFakeAreaErasedFill(t *testing.T) {
	f := NewFake()
	buf := f.AddArea(1, 64, 8, 0xFF)
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d = 0x%02x, want erased 0xFF", i, b)
		}
	}
}

func TestFakeOpenUnknownID(t *testing.T) {
	f := NewFake()
	if _, err := f.Open(5); err != ErrUnknownID {
		t.Fatalf("Open(unregistered) = %v, want ErrUnknownID", err)
	}
}

func TestFakeSetMissing(t *testing.T) {
	f := NewFake()
	f.AddArea(1, 64, 8, 0xFF)
	f.SetMissing(1, true)
	if _, err := f.Open(1); err != ErrSlotUnreachable {
		t.Fatalf("Open(missing) = %v, want ErrSlotUnreachable", err)
	}
	f.SetMissing(1, false)
	if _, err := f.Open(1); err != nil {
		t.Fatalf("Open(restored) = %v, want nil", err)
	}
}

func TestFakeWriteAlignmentEnforced(t *testing.T) {
	f := NewFake()
	f.AddArea(1, 64, 8, 0xFF)
	area, _ := f.Open(1)
	defer area.Close()

	if err := area.Write(1, make([]byte, 8)); err == nil {
		t.Fatalf("Write at unaligned offset succeeded, want error")
	}
	if err := area.Write(0, make([]byte, 3)); err == nil {
		t.Fatalf("Write with unaligned length succeeded, want error")
	}
	if err := area.Write(0, make([]byte, 8)); err != nil {
		t.Fatalf("Write with valid offset/length: %v", err)
	}
}

func TestFakeEraseResetsToErasedValue(t *testing.T) {
	f := NewFake()
	f.AddArea(1, 64, 8, 0xFF)
	area, _ := f.Open(1)
	defer area.Close()

	if err := area.Write(0, []byte{0, 1, 2, 3, 4, 5, 6, 7}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := area.Erase(0, 8); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	buf := make([]byte, 8)
	if err := area.Read(0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range buf {
		if b != 0xFF {
			t.Fatalf("byte %d = 0x%02x after erase, want 0xFF", i, b)
		}
	}
}

func TestFakeOutOfBounds(t *testing.T) {
	f := NewFake()
	f.AddArea(1, 16, 8, 0xFF)
	area, _ := f.Open(1)
	defer area.Close()

	if err := area.Read(10, make([]byte, 8)); err == nil {
		t.Fatalf("Read out of bounds succeeded, want error")
	}
}
