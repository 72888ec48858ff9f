// Package xorblit implements the two pure byte-level primitives the frame
// reconstructor and presenter share: an involutive XOR delta-apply and a
// greyscale-to-RGBX pixel expansion. Both carry a scalar reference
// implementation and an unrolled variant; correctness tests run the
// scalar path and assert the unrolled path produces identical output.
package xorblit

// XOR applies delta onto frame in place: frame[i] ^= delta[i] for every
// byte. Both slices must be the same length. Unrolled into 64-byte and
// 16-byte chunks with scalar tail cleanup, mirroring the structure of a
// SIMD-vectorized implementation without requiring one.
func XOR(frame, delta []byte) {
	n := len(frame)
	i := 0

	for ; i+64 <= n; i += 64 {
		chunk := (*[64]byte)(frame[i : i+64])
		d := (*[64]byte)(delta[i : i+64])
		for j := 0; j < 64; j++ {
			chunk[j] ^= d[j]
		}
	}

	for ; i+16 <= n; i += 16 {
		chunk := (*[16]byte)(frame[i : i+16])
		d := (*[16]byte)(delta[i : i+16])
		for j := 0; j < 16; j++ {
			chunk[j] ^= d[j]
		}
	}

	for ; i < n; i++ {
		frame[i] ^= delta[i]
	}
}

// XORScalar is the plain reference implementation of XOR, one byte at a
// time. Used by tests to validate the unrolled path bit-for-bit.
func XORScalar(frame, delta []byte) {
	for i := range frame {
		frame[i] ^= delta[i]
	}
}

// GreyToRGBX expands each grey byte in src into four bytes (g, g, g, 0xFF)
// in dst. dst must be at least 4*len(src) bytes. Pixelwise, no cross-pixel
// contamination: dst[4i:4i+4] depends only on src[i].
func GreyToRGBX(dst, src []byte) {
	n := len(src)
	i := 0

	for ; i+16 <= n; i += 16 {
		s := (*[16]byte)(src[i : i+16])
		d := (*[64]byte)(dst[i*4 : i*4+64])
		for j := 0; j < 16; j++ {
			g := s[j]
			d[j*4+0] = g
			d[j*4+1] = g
			d[j*4+2] = g
			d[j*4+3] = 0xFF
		}
	}

	for ; i < n; i++ {
		g := src[i]
		o := i * 4
		dst[o+0] = g
		dst[o+1] = g
		dst[o+2] = g
		dst[o+3] = 0xFF
	}
}

// GreyToRGBXScalar is the plain reference implementation of GreyToRGBX.
func GreyToRGBXScalar(dst, src []byte) {
	for i, g := range src {
		o := i * 4
		dst[o+0] = g
		dst[o+1] = g
		dst[o+2] = g
		dst[o+3] = 0xFF
	}
}
