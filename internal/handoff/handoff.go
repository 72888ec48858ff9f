// Package handoff implements the single-writer/single-reader latest-value
// slot that hands reconstructed frames from the session's read loop to the
// presenter's draw loop without ever blocking the writer on the reader.
package handoff

import "sync"

// Slot is a double-buffered latest-value handoff. The zero value is not
// usable; construct with New. Not safe to Publish from more than one
// goroutine, nor to Take from more than one goroutine — it is strictly
// single-producer/single-consumer.
type Slot struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf        [2][]byte
	readyIndex int
	readySeq   uint32
	hasReady   bool

	overwrittenCount uint64

	running bool
}

// New returns a Slot sized for frameSize bytes per buffer.
func New(frameSize int) *Slot {
	s := &Slot{
		buf:     [2][]byte{make([]byte, frameSize), make([]byte, frameSize)},
		running: true,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish copies src into the producer-side buffer and makes it the ready
// frame, overwriting whatever the consumer had not yet taken. The writer
// never blocks: it always wins over a slow consumer.
func (s *Slot) Publish(src []byte, seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := 1 - s.readyIndex
	copy(s.buf[w], src)

	if s.hasReady {
		s.overwrittenCount++
	}

	s.readyIndex = w
	s.readySeq = seq
	s.hasReady = true
	s.cond.Signal()
}

// Take blocks until a frame is ready or the slot is stopped, copies it into
// out, and returns its sequence number. ok is false only when the slot has
// been stopped with nothing pending.
func (s *Slot) Take(out []byte) (seq uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.running && !s.hasReady {
		s.cond.Wait()
	}
	if !s.running && !s.hasReady {
		return 0, false
	}

	copy(out, s.buf[s.readyIndex])
	seq = s.readySeq
	s.hasReady = false
	return seq, true
}

// Resize reallocates both buffers for a new frame size, atomically with
// respect to Publish/Take. Called by the session controller on a
// resolution change; any pending unread frame is discarded since it is the
// wrong size for the new geometry.
func (s *Slot) Resize(frameSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf[0] = make([]byte, frameSize)
	s.buf[1] = make([]byte, frameSize)
	s.hasReady = false
}

// Stop wakes any goroutine blocked in Take and makes subsequent Take calls
// return immediately with ok=false once nothing is pending. Idempotent.
func (s *Slot) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cond.Broadcast()
}

// OverwrittenCount returns the number of published frames that were
// dropped because the consumer had not yet taken the previous one.
func (s *Slot) OverwrittenCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overwrittenCount
}

// FrameSize returns the current per-buffer size in bytes. The consumer
// goroutine polls this to know when to resize its own scratch buffer
// after a Resize changes the session's resolution.
func (s *Slot) FrameSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf[0])
}
