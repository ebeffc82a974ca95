package ringbuffer

import (
	"bytes"
	"sync"
	"testing"
)

func TestCapacityRounding(t *testing.T) {
	tests := []struct {
		minFrames int
		expected  int
	}{
		{1, 1},
		{2, 2},
		{3, 4},
		{7, 8},
		{100, 128},
		{256, 256},
		{257, 512},
	}

	for _, tt := range tests {
		rb := New(tt.minFrames, 4)
		if rb.Capacity() != tt.expected {
			t.Errorf("New(%d): expected capacity %d, got %d", tt.minFrames, tt.expected, rb.Capacity())
		}
	}
}

func TestWriteReadFIFO(t *testing.T) {
	const frameBytes = 4
	rb := New(16, frameBytes)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n := rb.Write(data, 2)
	if n != 2 {
		t.Fatalf("Write: expected 2 frames, wrote %d", n)
	}
	if rb.ReadAvailable() != 2 {
		t.Errorf("ReadAvailable: expected 2, got %d", rb.ReadAvailable())
	}

	out := make([]byte, 8)
	n = rb.Read(out, 2)
	if n != 2 {
		t.Fatalf("Read: expected 2 frames, read %d", n)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("Read: expected %v, got %v", data, out)
	}
}

func TestWriteSaturates(t *testing.T) {
	rb := New(4, 1)

	p := []byte{1, 2, 3, 4, 5, 6}
	n := rb.Write(p, 6)
	if n != 4 {
		t.Errorf("Write past capacity: expected 4 frames, wrote %d", n)
	}
	if rb.WriteAvailable() != 0 {
		t.Errorf("WriteAvailable after fill: expected 0, got %d", rb.WriteAvailable())
	}

	out := make([]byte, 6)
	n = rb.Read(out, 6)
	if n != 4 {
		t.Errorf("Read past content: expected 4 frames, read %d", n)
	}
	if !bytes.Equal(out[:4], p[:4]) {
		t.Errorf("Read: expected %v, got %v", p[:4], out[:4])
	}
}

func TestRegionsWrapAround(t *testing.T) {
	const frameBytes = 2
	rb := New(8, frameBytes)

	// Move the indices near the end so the next request must wrap.
	pad := make([]byte, 6*frameBytes)
	rb.Write(pad, 6)
	rb.Read(pad, 6)

	r1, r2 := rb.WriteRegions(4)
	if len(r1)/frameBytes != 2 || len(r2)/frameBytes != 2 {
		t.Fatalf("WriteRegions: expected split 2+2 frames, got %d+%d bytes", len(r1), len(r2))
	}
	copy(r1, []byte{1, 1, 2, 2})
	copy(r2, []byte{3, 3, 4, 4})
	rb.AdvanceWriteIndex(4)

	g1, g2 := rb.ReadRegions(4)
	if len(g1)/frameBytes != 2 || len(g2)/frameBytes != 2 {
		t.Fatalf("ReadRegions: expected split 2+2 frames, got %d+%d bytes", len(g1), len(g2))
	}
	got := append(append([]byte{}, g1...), g2...)
	want := []byte{1, 1, 2, 2, 3, 3, 4, 4}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadRegions: expected %v, got %v", want, got)
	}
	rb.AdvanceReadIndex(4)

	if rb.ReadAvailable() != 0 {
		t.Errorf("ReadAvailable after drain: expected 0, got %d", rb.ReadAvailable())
	}
}

func TestFlush(t *testing.T) {
	rb := New(8, 1)
	rb.Write([]byte{1, 2, 3}, 3)
	rb.Flush()
	if rb.ReadAvailable() != 0 {
		t.Errorf("ReadAvailable after Flush: expected 0, got %d", rb.ReadAvailable())
	}
	if rb.WriteAvailable() != rb.Capacity() {
		t.Errorf("WriteAvailable after Flush: expected %d, got %d", rb.Capacity(), rb.WriteAvailable())
	}
}

// Interleaved writes and reads with a concurrent producer and consumer:
// everything the consumer sees must match what the producer sent, in
// order, with no transfer ever exceeding what was available.
func TestConcurrentFIFOOrder(t *testing.T) {
	const frameBytes = 1
	const total = 100000
	rb := New(64, frameBytes)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sent := 0
		for sent < total {
			chunk := 1 + sent%13
			if sent+chunk > total {
				chunk = total - sent
			}
			p := make([]byte, chunk)
			for i := range p {
				p[i] = byte(sent + i)
			}
			n := rb.Write(p, chunk)
			sent += n
		}
	}()

	var failure string
	go func() {
		defer wg.Done()
		received := 0
		buf := make([]byte, 17)
		for received < total {
			n := rb.Read(buf, 1+received%17)
			for i := 0; i < n; i++ {
				if buf[i] != byte(received+i) {
					failure = "out of order data"
					return
				}
			}
			received += n
		}
	}()

	wg.Wait()
	if failure != "" {
		t.Fatal(failure)
	}
}
