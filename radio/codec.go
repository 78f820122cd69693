package radio

import "math"

// sampleScale is 2^23-1, the full-scale magnitude of a 24-bit signed PCM
// sample.
const sampleScale = 8388607

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// PackIQ24 encodes a slice of complex I/Q samples as 24-bit signed
// big-endian PCM, I then Q, 6 bytes per sample. Samples outside [-1, 1]
// are clipped, not rejected.
func PackIQ24(iq []complex128) []byte {
	out := make([]byte, len(iq)*6)
	for i, s := range iq {
		iv := int32(clip(real(s), -1, 1) * sampleScale)
		qv := int32(clip(imag(s), -1, 1) * sampleScale)
		putInt24(out[i*6:], iv)
		putInt24(out[i*6+3:], qv)
	}
	return out
}

func putInt24(b []byte, v int32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getInt24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v -= 0x1000000
	}
	return v
}

// UnpackTXIQ24 decodes 6-byte-block 24-bit signed big-endian I/Q PCM
// (as produced by PackIQ24) back into complex samples. Trailing bytes
// that don't fill a complete 6-byte block are discarded.
func UnpackTXIQ24(data []byte) []complex128 {
	n := len(data) / 6
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		block := data[i*6:]
		iv := getInt24(block)
		qv := getInt24(block[3:])
		out[i] = complex(float64(iv)/sampleScale, float64(qv)/sampleScale)
	}
	return out
}

// UnpackTXIQ16 decodes Protocol 1 host-data sub-frame payload: 8-byte
// blocks of L(2B) R(2B) I(2B) Q(2B), all big-endian signed 16-bit. L and
// R are discarded; the returned samples are (I + jQ)/32768.
func UnpackTXIQ16(data []byte) []complex128 {
	n := len(data) / 8
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		block := data[i*8:]
		iv := int16(uint16(block[4])<<8 | uint16(block[5]))
		qv := int16(uint16(block[6])<<8 | uint16(block[7]))
		out[i] = complex(float64(iv)/32768.0, float64(qv)/32768.0)
	}
	return out
}

// UnpackTXAudio16 decodes 4-byte blocks of L(2B) R(2B) big-endian signed
// 16-bit audio into complex samples (L + jR)/32768.
func UnpackTXAudio16(data []byte) []complex128 {
	n := len(data) / 4
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		block := data[i*4:]
		l := int16(uint16(block[0])<<8 | uint16(block[1]))
		r := int16(uint16(block[2])<<8 | uint16(block[3]))
		out[i] = complex(float64(l)/32768.0, float64(r)/32768.0)
	}
	return out
}

// reduceModulo folds phase into (-m, m) once |phase| exceeds 1e6, matching
// the signal generator and echo shift-phase unwrap rule. m must be > 0.
func reduceModulo(phase, m float64) float64 {
	if math.Abs(phase) > 1e6 {
		return math.Mod(phase, m)
	}
	return phase
}
