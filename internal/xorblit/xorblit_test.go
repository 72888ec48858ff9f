package xorblit

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestXOR_MatchesScalarReference(t *testing.T) {
	sizes := []int{0, 1, 3, 15, 16, 17, 63, 64, 65, 1000, 4096 * 4096}
	rng := rand.New(rand.NewSource(1))

	for _, n := range sizes {
		frameA := make([]byte, n)
		frameB := make([]byte, n)
		delta := make([]byte, n)
		rng.Read(frameA)
		copy(frameB, frameA)
		rng.Read(delta)

		XOR(frameA, delta)
		XORScalar(frameB, delta)

		if !bytes.Equal(frameA, frameB) {
			t.Fatalf("size %d: unrolled and scalar XOR disagree", n)
		}
	}
}

func TestXOR_Involutive(t *testing.T) {
	frame := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90, 0xA0,
		0xB0, 0xC0, 0xD0, 0xE0, 0xF0, 0x01, 0x02, 0x03}
	orig := append([]byte(nil), frame...)
	delta := []byte{0xFF, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09,
		0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10, 0x11}

	XOR(frame, delta)
	XOR(frame, delta)

	if !bytes.Equal(frame, orig) {
		t.Fatalf("applying the same delta twice did not restore the frame")
	}
}

func TestXOR_DeltaComposition(t *testing.T) {
	// S1/S2 from spec.md §8.
	frame := []byte{0x10, 0x20, 0x30, 0x40}
	delta := []byte{0x01, 0x02, 0x00, 0xFF}
	XOR(frame, delta)
	want := []byte{0x11, 0x22, 0x30, 0xBF}
	if !bytes.Equal(frame, want) {
		t.Fatalf("got %x, want %x", frame, want)
	}
}

func TestGreyToRGBX_MatchesScalarReference(t *testing.T) {
	sizes := []int{0, 1, 15, 16, 17, 1000}
	rng := rand.New(rand.NewSource(2))

	for _, n := range sizes {
		src := make([]byte, n)
		rng.Read(src)
		dstA := make([]byte, n*4)
		dstB := make([]byte, n*4)

		GreyToRGBX(dstA, src)
		GreyToRGBXScalar(dstB, src)

		if !bytes.Equal(dstA, dstB) {
			t.Fatalf("size %d: unrolled and scalar expansion disagree", n)
		}
	}
}

func TestGreyToRGBX_AlphaAlwaysOpaqueNoCrossContamination(t *testing.T) {
	src := []byte{0x00, 0x7F, 0xFF, 0x10}
	dst := make([]byte, len(src)*4)
	GreyToRGBX(dst, src)

	for i, g := range src {
		o := i * 4
		if dst[o] != g || dst[o+1] != g || dst[o+2] != g {
			t.Fatalf("pixel %d: got rgb=%v, want all %x", i, dst[o:o+3], g)
		}
		if dst[o+3] != 0xFF {
			t.Fatalf("pixel %d: alpha=%x, want 0xFF", i, dst[o+3])
		}
	}
}
