// Package reconstruct owns the authoritative current frame and rebuilds it
// from incoming wire packets: keyframes replace it outright, deltas XOR
// against it. It never touches the socket or the handoff slot directly —
// the session controller wires acks and publication around Ingest.
package reconstruct

import (
	"time"

	"github.com/pierrec/lz4/v4"
	pkgerrors "github.com/pkg/errors"

	"github.com/inkcast/client/internal/wire"
	"github.com/inkcast/client/internal/xorblit"
)

// ErrFatal is wrapped around any error that leaves the current frame
// unusable — a corrupt keyframe, or a decompression failure the caller
// cannot safely continue past. The session controller treats this as
// connection-ending.
var ErrFatal = pkgerrors.New("reconstruct: frame is unusable")

// Config tunes optional behavior. The zero value is the conservative,
// spec-default configuration.
type Config struct {
	// SkipTinyDeltas, when true, skips XOR application for non-keyframe
	// packets whose compressed wire payload is under 256 bytes, treating
	// them as "no visible change". Off by default: enabling it requires
	// coordinated server-side support and risks visible staleness if the
	// server doesn't actually guarantee sub-256-byte payloads are trivial.
	SkipTinyDeltas bool
}

// Reconstructor owns the current frame C and the LZ4 decompression scratch
// buffer. Not safe for concurrent use; the session controller drives it
// from its single reader goroutine.
type Reconstructor struct {
	cfg Config

	w, h int
	c    []byte // current frame, authoritative
	scr  []byte // decompression scratch, sized w*h

	lastSeq    uint32
	haveLast   bool
	droppedSeq uint64 // cumulative count of gapped sequence numbers
	tinySkip   uint64 // cumulative count of tiny-delta-skip applications

	decompressDur time.Duration // wall time of the last UncompressBlock call
	applyDur      time.Duration // wall time of the last keyframe-copy/XOR step
}

// New returns a Reconstructor for a w*h frame. C is initialized to all
// zeros per spec.
func New(cfg Config, w, h int) *Reconstructor {
	r := &Reconstructor{cfg: cfg}
	r.Reset(w, h)
	return r
}

// Reset reallocates C and the decompression scratch for a new resolution
// and restarts sequence-gap tracking from the next packet. The cumulative
// DroppedSequences and TinySkipped counts carry over. Called by the session
// controller on CMD_RESOLUTION and at session start.
func (r *Reconstructor) Reset(w, h int) {
	r.w, r.h = w, h
	n := w * h
	r.c = make([]byte, n)
	r.scr = make([]byte, n)
	r.haveLast = false
}

// Frame returns the current authoritative frame. The returned slice aliases
// internal state and must not be retained past the next Ingest or Reset.
func (r *Reconstructor) Frame() []byte {
	return r.c
}

// Whiteout fills the current frame with 0xFF, matching the native
// renderer's disconnect behavior of painting the handoff buffers white
// before republishing so the host shows a blank surface rather than a
// stale frame.
func (r *Reconstructor) Whiteout() {
	for i := range r.c {
		r.c[i] = 0xFF
	}
}

// DroppedSequences returns the cumulative count of gapped sequence numbers
// observed so far (a stats anomaly on a well-formed TCP stream, never a
// correctness signal: see wire.Packet sequencing in spec).
func (r *Reconstructor) DroppedSequences() uint64 {
	return r.droppedSeq
}

// TinySkipped returns the cumulative count of deltas whose XOR application
// was skipped under Config.SkipTinyDeltas.
func (r *Reconstructor) TinySkipped() uint64 {
	return r.tinySkip
}

// DecompressDuration returns the wall time of the most recent
// lz4.UncompressBlock call, for the controller's per-stage timing stats.
func (r *Reconstructor) DecompressDuration() time.Duration {
	return r.decompressDur
}

// ApplyDuration returns the wall time of the most recent keyframe-copy or
// XOR-apply step, for the controller's per-stage timing stats.
func (r *Reconstructor) ApplyDuration() time.Duration {
	return r.applyDur
}

// Ingest applies one frame packet to the current frame, implementing the
// five-step procedure: decompress, replace-or-XOR, (ack is the caller's
// responsibility), publish-is-the-caller's-responsibility too — Ingest
// reports whether C changed and is ready to publish.
//
// published=true means the caller should ack pkt.Seq and publish Frame()
// to the handoff slot. published=false, err=nil means a delta was rejected
// (it failed to decompress, or decompressed to the wrong size) and the
// caller must not ack or publish — C is unchanged
// and still consistent. A non-nil err means the stream is unusable and the
// caller must close the connection.
func (r *Reconstructor) Ingest(pkt wire.FramePacket) (published bool, err error) {
	r.trackSequence(pkt.Seq)

	decompressStart := time.Now()
	n, err := lz4.UncompressBlock(pkt.Payload, r.scr)
	r.decompressDur = time.Since(decompressStart)
	if err != nil {
		if pkt.Keyframe() {
			return false, pkgerrors.Wrap(ErrFatal, err.Error())
		}
		return false, nil
	}

	want := r.w * r.h
	if n != want {
		if pkt.Keyframe() {
			return false, pkgerrors.Wrapf(ErrFatal, "keyframe decompressed to %d bytes, want %d", n, want)
		}
		return false, nil
	}

	applyStart := time.Now()
	switch {
	case pkt.Keyframe():
		copy(r.c, r.scr[:n])
	case r.cfg.SkipTinyDeltas && len(pkt.Payload) < 256:
		// Treated as no visible change: C is left untouched but the frame
		// still counts as successfully ingested per spec.md §4.2. The
		// compressed wire length is the encoder's "trivial delta" signal
		// (mirror_native.c keys on payload_len, not decompressed size).
		r.tinySkip++
	default:
		xorblit.XOR(r.c, r.scr[:n])
	}
	r.applyDur = time.Since(applyStart)

	return true, nil
}

func (r *Reconstructor) trackSequence(seq uint32) {
	if r.haveLast && seq > r.lastSeq+1 {
		r.droppedSeq += uint64(seq - r.lastSeq - 1)
	}
	r.lastSeq = seq
	r.haveLast = true
}
