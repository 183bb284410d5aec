package ring

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(16)
	n := b.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("Write returned %d, want 5", n)
	}
	if got := b.Available(); got != 5 {
		t.Fatalf("Available() = %d, want 5", got)
	}
	out := b.Read(5)
	if !bytes.Equal(out, []byte("hello")) {
		t.Fatalf("Read() = %q, want %q", out, "hello")
	}
	if got := b.Available(); got != 0 {
		t.Fatalf("Available() after drain = %d, want 0", got)
	}
}

func TestOverrunDropsOldest(t *testing.T) {
	b := New(4)
	b.Write([]byte{1, 2, 3, 4})
	b.Write([]byte{5, 6})
	// Capacity 4: only the last 4 bytes written survive: {3,4,5,6}.
	out := b.Read(4)
	if !bytes.Equal(out, []byte{3, 4, 5, 6}) {
		t.Fatalf("Read() = %v, want [3 4 5 6]", out)
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

// TestLastLLaw exercises the universally quantified property from the
// testable-properties list: write(L) then read(L) returns the last L bytes
// (after any drops), and dropped+returned accounts for everything written.
func TestLastLLaw(t *testing.T) {
	const capacity = 300
	b := New(capacity)
	total := 0
	for i := 0; i < 1000; i++ {
		chunk := []byte{byte(i), byte(i >> 8)}
		b.Write(chunk)
		total += len(chunk)
	}
	avail := b.Available()
	out := b.Read(avail)
	dropped := b.Dropped()
	if uint64(total) != dropped+uint64(len(out)) {
		t.Fatalf("total=%d dropped=%d returned=%d, want total = dropped + returned", total, dropped, len(out))
	}
	if len(out) != capacity {
		t.Fatalf("Available/Read after steady overrun = %d, want full capacity %d", len(out), capacity)
	}
	// Last two bytes written should be the tail of the returned slice.
	want := []byte{byte(999 & 0xff), byte(999 >> 8)}
	got := out[len(out)-2:]
	if !bytes.Equal(got, want) {
		t.Fatalf("tail of Read() = %v, want %v", got, want)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New(8)
	b.Write([]byte{1, 2, 3, 4})
	peeked := b.Peek(4)
	if !bytes.Equal(peeked, []byte{1, 2, 3, 4}) {
		t.Fatalf("Peek() = %v, want [1 2 3 4]", peeked)
	}
	if got := b.Available(); got != 4 {
		t.Fatalf("Available() after Peek = %d, want 4 (unconsumed)", got)
	}
}

func TestPreRollWindow(t *testing.T) {
	// 300 ms at 16kHz mono 16-bit = 9600 bytes, matching the spec's pre-roll
	// sizing; 1s of monotonic-index writes should leave only the last 300ms.
	const preRollBytes = 9600
	b := New(preRollBytes)
	totalMs := 1000
	bytesPerMs := 32 // 16000 samples/s * 2 bytes / 1000 ms
	for ms := 0; ms < totalMs; ms++ {
		chunk := make([]byte, bytesPerMs)
		for i := range chunk {
			chunk[i] = byte(ms)
		}
		b.Write(chunk)
	}
	out := b.Peek(preRollBytes)
	if len(out) != preRollBytes {
		t.Fatalf("Peek(300ms) returned %d bytes, want %d", len(out), preRollBytes)
	}
	wantDropped := uint64((totalMs - 300) * bytesPerMs)
	if got := b.Dropped(); got != wantDropped {
		t.Fatalf("Dropped() = %d, want %d (700ms worth)", got, wantDropped)
	}
}

func TestClear(t *testing.T) {
	b := New(8)
	b.Write([]byte{1, 2, 3})
	b.Clear()
	if got := b.Available(); got != 0 {
		t.Fatalf("Available() after Clear = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Fatalf("Dropped() after Clear = %d, want 0 (clear must not touch drop counter)", got)
	}
}
