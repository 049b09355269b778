package stage

import (
	"strings"
	"sync"
	"testing"
)

func TestBoundedBufferUnderLimit(t *testing.T) {
	b := newBoundedBuffer(16)
	b.WriteString("abc")
	if got := b.Seal(); got != "abc" {
		t.Fatalf("Seal() = %q, want %q", got, "abc")
	}
}

func TestBoundedBufferSealedDropsWrites(t *testing.T) {
	b := newBoundedBuffer(16)
	b.WriteString("abc")
	_ = b.Seal()
	n, err := b.Write([]byte("late"))
	if err != nil || n != 4 {
		t.Fatalf("Write after seal = (%d, %v)", n, err)
	}
	if got := b.Seal(); got != "abc" {
		t.Fatalf("Seal() = %q after late write", got)
	}
}

func TestBoundedBufferConcurrentWriters(t *testing.T) {
	b := newBoundedBuffer(MaxOutputBytes)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 2048; j++ {
				b.WriteString("0123456789")
			}
		}()
	}
	wg.Wait()
	got := b.Seal()
	if !strings.HasPrefix(got, strings.Repeat("0123456789", 10)) {
		t.Fatalf("unexpected prefix")
	}
	want := "\n...[truncated " // 8*2048*10 = 163840 bytes written
	if !strings.Contains(got, want+"98304 bytes]") {
		t.Fatalf("missing truncation marker, tail=%q", got[len(got)-40:])
	}
}
