package shell

import (
	"os"
	"sync"
)

// outputBuffer aggregates sanitized subprocess output: a bounded in-memory
// ring holds the tail, and once total output exceeds the spill threshold a
// spill file receives every byte so nothing is lost.
type outputBuffer struct {
	mu sync.Mutex

	ring    []byte
	maxRing int

	total          int
	spillThreshold int
	spillDir       string
	spill          *os.File
	spillErr       error

	// head keeps every byte written before the spill exists, so the spill
	// starts with the complete output.
	head []byte
}

// newOutputBuffer creates a buffer retaining at most maxRing bytes in
// memory, spilling to a file in spillDir once total output exceeds
// spillThreshold. spillThreshold <= 0 disables spilling.
func newOutputBuffer(maxRing, spillThreshold int, spillDir string) *outputBuffer {
	if maxRing <= 0 {
		maxRing = 65536
	}
	return &outputBuffer{
		maxRing:        maxRing,
		spillThreshold: spillThreshold,
		spillDir:       spillDir,
	}
}

// Write receives sanitized output. It never fails; spill errors disable
// the spill and the in-memory tail continues.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += len(p)

	if b.spillThreshold > 0 && b.spill == nil && b.spillErr == nil && b.total > b.spillThreshold {
		f, err := os.CreateTemp(b.spillDir, "weft-output-*.log")
		if err != nil {
			b.spillErr = err
		} else {
			b.spill = f
			// The spill receives everything, including what was written
			// before it existed.
			if _, err := f.Write(b.head); err != nil {
				b.spillErr = err
				f.Close()
				os.Remove(f.Name())
				b.spill = nil
			}
		}
		b.head = nil
	}
	if b.spill != nil {
		if _, err := b.spill.Write(p); err != nil {
			b.spillErr = err
			b.spill.Close()
			b.spill = nil
		}
	} else if b.spillThreshold > 0 && b.spillErr == nil {
		b.head = append(b.head, p...)
	}

	b.ring = append(b.ring, p...)
	if len(b.ring) > b.maxRing {
		b.ring = b.ring[len(b.ring)-b.maxRing:]
	}
	return len(p), nil
}

// Tail returns the retained output and whether earlier bytes fell out of
// the ring.
func (b *outputBuffer) Tail() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.ring), b.total > len(b.ring)
}

// Total returns the total sanitized bytes seen.
func (b *outputBuffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// SpillPath returns the spill file path, or empty if no spill happened.
// The file is closed and left on disk for the caller.
func (b *outputBuffer) SpillPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spill == nil {
		return ""
	}
	path := b.spill.Name()
	b.spill.Close()
	b.spill = nil
	return path
}
