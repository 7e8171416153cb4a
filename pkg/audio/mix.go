// ABOUTME: Sample mixing and conversion over raw interleaved PCM bytes
// ABOUTME: Saturating adds for the mixer and float planes for the DSP stage
package audio

import (
	"encoding/binary"
	"math"
)

// ReadSample reads the i-th sample of b as a value in the format's native range
func ReadSample(b []byte, sf SampleFormat, i int) int32 {
	switch sf {
	case FormatS16LE:
		return int32(int16(binary.LittleEndian.Uint16(b[i*2:])))
	case FormatS24_3LE:
		return SampleFrom24Bit([3]byte{b[i*3], b[i*3+1], b[i*3+2]})
	case FormatS24LE:
		v := int32(binary.LittleEndian.Uint32(b[i*4:]))
		return (v << 8) >> 8
	default:
		return int32(binary.LittleEndian.Uint32(b[i*4:]))
	}
}

// WriteSample stores v at the i-th sample of b, clamped to the format's range
func WriteSample(b []byte, sf SampleFormat, i int, v int64) {
	switch sf {
	case FormatS16LE:
		binary.LittleEndian.PutUint16(b[i*2:], uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
	case FormatS24_3LE:
		p := SampleTo24Bit(int32(clamp(v, Min24Bit, Max24Bit)))
		copy(b[i*3:i*3+3], p[:])
	case FormatS24LE:
		binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(clamp(v, Min24Bit, Max24Bit))))
	default:
		binary.LittleEndian.PutUint32(b[i*4:], uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
	}
}

func clamp(v, lo, hi int64) int64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}

// fullScale is the magnitude of the most negative sample for a format
func fullScale(sf SampleFormat) float32 {
	switch sf {
	case FormatS16LE:
		return 32768
	case FormatS24LE, FormatS24_3LE:
		return 8388608
	}
	return 2147483648
}

// MixAdd adds samples from src into dst with saturation. scaler is applied
// to src first; a scaler of 1 leaves samples untouched.
func MixAdd(dst, src []byte, sf SampleFormat, samples int, scaler float32) {
	for i := 0; i < samples; i++ {
		s := int64(ReadSample(src, sf, i))
		if scaler != 1 {
			s = int64(float32(s) * scaler)
		}
		WriteSample(dst, sf, i, int64(ReadSample(dst, sf, i))+s)
	}
}

// Scale multiplies every sample in b by scaler, in place
func Scale(b []byte, sf SampleFormat, samples int, scaler float32) {
	if scaler == 1 {
		return
	}
	for i := 0; i < samples; i++ {
		WriteSample(b, sf, i, int64(float32(ReadSample(b, sf, i))*scaler))
	}
}

// Deinterleave splits frames of interleaved samples into per-channel float
// planes normalised to [-1, 1)
func Deinterleave(src []byte, f Format, frames int, planes [][]float32) {
	scale := fullScale(f.SampleFormat)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < f.Channels && ch < len(planes); ch++ {
			planes[ch][i] = float32(ReadSample(src, f.SampleFormat, i*f.Channels+ch)) / scale
		}
	}
}

// Interleave writes per-channel float planes back into interleaved samples
func Interleave(planes [][]float32, f Format, frames int, dst []byte) {
	scale := fullScale(f.SampleFormat)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < f.Channels && ch < len(planes); ch++ {
			v := float64(planes[ch][i]) * float64(scale)
			WriteSample(dst, f.SampleFormat, i*f.Channels+ch, int64(math.Round(v)))
		}
	}
}
