package reconstruct

import (
	"bytes"
	"testing"

	"github.com/inkcast/client/internal/wire"
)

// compress builds a minimal valid LZ4 block consisting of a single
// literals-only sequence (no match), which is the standard block format's
// encoding for data the encoder declines to compress. CompressBlock itself
// returns (0, nil) for inputs this small, so tests construct the block
// directly rather than depending on an encoder's size heuristics — Ingest
// only cares that UncompressBlock is handed a well-formed block.
func compress(t *testing.T, raw []byte) []byte {
	t.Helper()
	n := len(raw)

	var out []byte
	if n < 15 {
		out = append(out, byte(n)<<4)
	} else {
		out = append(out, 0xF0)
		rem := n - 15
		for rem >= 255 {
			out = append(out, 255)
			rem -= 255
		}
		out = append(out, byte(rem))
	}
	return append(out, raw...)
}

func TestIngest_Keyframe(t *testing.T) {
	raw := []byte{0x10, 0x20, 0x30, 0x40}
	r := New(Config{}, 2, 2)
	pkt := wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: compress(t, raw)}

	published, err := r.Ingest(pkt)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !published {
		t.Fatal("expected published=true")
	}
	if !bytes.Equal(r.Frame(), raw) {
		t.Fatalf("got %x, want %x", r.Frame(), raw)
	}
}

func TestIngest_DeltaComposition(t *testing.T) {
	// S1 then S2 from spec.md §8.
	r := New(Config{}, 2, 2)
	_, err := r.Ingest(wire.FramePacket{
		Flags: wire.FlagKeyframe, Seq: 1,
		Payload: compress(t, []byte{0x10, 0x20, 0x30, 0x40}),
	})
	if err != nil {
		t.Fatalf("keyframe: %v", err)
	}

	_, err = r.Ingest(wire.FramePacket{
		Flags: 0, Seq: 2,
		Payload: compress(t, []byte{0x01, 0x02, 0x00, 0xFF}),
	})
	if err != nil {
		t.Fatalf("delta: %v", err)
	}

	want := []byte{0x11, 0x22, 0x30, 0xBF}
	if !bytes.Equal(r.Frame(), want) {
		t.Fatalf("got %x, want %x", r.Frame(), want)
	}
}

func TestIngest_DeltaInvolutive(t *testing.T) {
	r := New(Config{}, 2, 2)
	r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: compress(t, []byte{1, 2, 3, 4})})
	before := append([]byte(nil), r.Frame()...)

	delta := compress(t, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	r.Ingest(wire.FramePacket{Flags: 0, Seq: 2, Payload: delta})
	r.Ingest(wire.FramePacket{Flags: 0, Seq: 3, Payload: delta})

	if !bytes.Equal(r.Frame(), before) {
		t.Fatalf("applying same delta twice did not restore frame: got %x, want %x", r.Frame(), before)
	}
}

func TestIngest_CorruptDeltaRejectedWithoutPublish(t *testing.T) {
	// S3: corrupt delta whose decompressed size mismatches W*H.
	r := New(Config{}, 2, 2)
	r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: compress(t, []byte{1, 2, 3, 4})})
	before := append([]byte(nil), r.Frame()...)

	published, err := r.Ingest(wire.FramePacket{
		Flags: 0, Seq: 2,
		Payload: compress(t, []byte{1, 2, 3}), // decompresses to 3 bytes, not 4
	})
	if err != nil {
		t.Fatalf("expected no error for a rejected delta, got %v", err)
	}
	if published {
		t.Fatal("expected published=false for a size-mismatched delta")
	}
	if !bytes.Equal(r.Frame(), before) {
		t.Fatalf("frame changed on rejected delta: got %x, want %x", r.Frame(), before)
	}
}

func TestIngest_CorruptKeyframeIsFatal(t *testing.T) {
	// S4: first packet after connect is a keyframe whose payload is garbage.
	r := New(Config{}, 2, 2)
	_, err := r.Ingest(wire.FramePacket{
		Flags: wire.FlagKeyframe, Seq: 1,
		Payload: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, // not valid lz4
	})
	if err == nil {
		t.Fatal("expected a fatal error for a corrupt keyframe")
	}
}

func TestIngest_ResolutionChangeSequence(t *testing.T) {
	// S5: keyframe at one resolution, reset, keyframe at a new resolution.
	r := New(Config{}, 2, 2)
	_, err := r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: compress(t, []byte{1, 2, 3, 4})})
	if err != nil {
		t.Fatalf("first keyframe: %v", err)
	}

	r.Reset(4, 4)
	raw16 := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	published, err := r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 2, Payload: compress(t, raw16)})
	if err != nil {
		t.Fatalf("second keyframe: %v", err)
	}
	if !published {
		t.Fatal("expected published=true")
	}
	if len(r.Frame()) != 16 {
		t.Fatalf("got frame length %d, want 16", len(r.Frame()))
	}
	if !bytes.Equal(r.Frame(), raw16) {
		t.Fatalf("got %x, want %x", r.Frame(), raw16)
	}
}

func TestIngest_MinimalFrame(t *testing.T) {
	// W*H = 1.
	r := New(Config{}, 1, 1)
	published, err := r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: compress(t, []byte{0x42})})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !published || r.Frame()[0] != 0x42 {
		t.Fatalf("got published=%v frame=%x", published, r.Frame())
	}
}

func TestIngest_TinyDeltaSkipConfigurable(t *testing.T) {
	r := New(Config{SkipTinyDeltas: true}, 2, 2)
	r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: compress(t, []byte{1, 2, 3, 4})})
	before := append([]byte(nil), r.Frame()...)

	published, err := r.Ingest(wire.FramePacket{
		Flags: 0, Seq: 2,
		Payload: compress(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !published {
		t.Fatal("tiny-delta-skip must still report published=true")
	}
	if !bytes.Equal(r.Frame(), before) {
		t.Fatalf("tiny delta was applied despite SkipTinyDeltas: got %x, want unchanged %x", r.Frame(), before)
	}
}

func TestWhiteout_FillsFrameWithFF(t *testing.T) {
	r := New(Config{}, 2, 2)
	r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: compress(t, []byte{1, 2, 3, 4})})
	r.Whiteout()

	want := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(r.Frame(), want) {
		t.Fatalf("got %x, want %x", r.Frame(), want)
	}
}

// runLZ4Block builds a minimal valid LZ4 block that decompresses to n bytes
// all equal to fill: 4 literal bytes of fill, then a single offset-1 match
// (each byte copies the one before it) covering the rest. This lets a test
// construct a large decompressed output from a tiny compressed payload,
// unlike the literals-only compress() helper above.
func runLZ4Block(n int, fill byte) []byte {
	const litLen = 4
	matchLen := n - litLen // actual copy length
	mlCode := matchLen - 4 // token encodes (copy length - MINMATCH)

	mlNibble := mlCode
	if mlNibble > 15 {
		mlNibble = 15
	}
	out := []byte{byte(litLen<<4) | byte(mlNibble)}
	for i := 0; i < litLen; i++ {
		out = append(out, fill)
	}
	out = append(out, 0x01, 0x00) // offset=1

	if mlCode >= 15 {
		rem := mlCode - 15
		for rem >= 255 {
			out = append(out, 255)
			rem -= 255
		}
		out = append(out, byte(rem))
	}
	return out
}

func TestIngest_TinyDeltaSkipKeysOnCompressedLength(t *testing.T) {
	// A large, highly-compressible frame (decompressed size >= 256, so the
	// old buggy "n < 256" check on decompressed size could never fire)
	// whose *compressed* wire payload is still tiny must be skipped when
	// SkipTinyDeltas is enabled: the skip is the encoder's signal about its
	// own output size, not the frame's pixel count.
	const w, h = 32, 32 // decompresses to 1024 bytes, comfortably >= 256
	r := New(Config{SkipTinyDeltas: true}, w, h)

	_, err := r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: runLZ4Block(w*h, 0x11)})
	if err != nil {
		t.Fatalf("keyframe: %v", err)
	}
	before := append([]byte(nil), r.Frame()...)

	delta := runLZ4Block(w*h, 0xFF)
	if len(delta) >= 256 {
		t.Fatalf("test fixture bug: compressed delta is %d bytes, want < 256", len(delta))
	}
	published, err := r.Ingest(wire.FramePacket{Flags: 0, Seq: 2, Payload: delta})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !published {
		t.Fatal("tiny-delta-skip must still report published=true")
	}
	if !bytes.Equal(r.Frame(), before) {
		t.Fatalf("tiny compressed delta was applied despite SkipTinyDeltas: got %x, want unchanged %x", r.Frame(), before)
	}
	if got := r.TinySkipped(); got != 1 {
		t.Fatalf("got TinySkipped=%d, want 1", got)
	}
}

func TestDroppedSequences_CountsGaps(t *testing.T) {
	r := New(Config{}, 1, 1)
	r.Ingest(wire.FramePacket{Flags: wire.FlagKeyframe, Seq: 1, Payload: compress(t, []byte{1})})
	r.Ingest(wire.FramePacket{Flags: 0, Seq: 5, Payload: compress(t, []byte{0})})

	if got := r.DroppedSequences(); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}
