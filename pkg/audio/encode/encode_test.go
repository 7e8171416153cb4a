// ABOUTME: Tests for the file sinks
// ABOUTME: Writes files with each sink and reads them back with the decode package
package encode

import (
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/decode"
)

// ramp returns frames of interleaved samples whose low byte is zero so
// 16-bit files round-trip exactly
func ramp(frames, channels int) []int32 {
	out := make([]int32, frames*channels)
	for i := range out {
		out[i] = int32((i%200)-100) << 12
	}
	return out
}

func readAll(t *testing.T, src decode.Source) []int32 {
	t.Helper()
	var all []int32
	buf := make([]int32, 256)
	for {
		n, err := src.Read(buf)
		all = append(all, buf[:n]...)
		if err == io.EOF {
			return all
		}
		require.NoError(t, err)
	}
}

func TestToPCMRoundTrip(t *testing.T) {
	samples := []int32{0, 256, -256, audio.Max24Bit &^ 0xff, audio.Min24Bit}
	for _, sf := range []audio.SampleFormat{audio.FormatS16LE, audio.FormatS24LE, audio.FormatS32LE, audio.FormatS24_3LE} {
		t.Run(sf.String(), func(t *testing.T) {
			buf := make([]byte, len(samples)*sf.BytesPerSample())
			require.Equal(t, len(samples), ToPCM(samples, sf, buf))

			back := make([]int32, len(samples))
			require.Equal(t, len(samples), decode.FromPCM(buf, sf, back))
			assert.Equal(t, samples, back)
		})
	}
}

func TestToPCMShortDestination(t *testing.T) {
	buf := make([]byte, 3)
	assert.Equal(t, 1, ToPCM([]int32{256, 512}, audio.FormatS16LE, buf))
}

func TestFileRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		format audio.Format
	}{
		{"wav 16-bit", "out.wav", audio.NewFormat(audio.FormatS16LE, 44100, 2)},
		{"wav 24-bit", "out.wav", audio.NewFormat(audio.FormatS24LE, 48000, 1)},
		{"raw s32", "out.raw", audio.NewFormat(audio.FormatS32LE, 48000, 2)},
		{"raw packed 24", "out.pcm", audio.NewFormat(audio.FormatS24_3LE, 16000, 3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			samples := ramp(1000, tt.format.Channels)

			sink, err := Create(path, tt.format)
			require.NoError(t, err)
			require.NoError(t, sink.Write(samples[:600]))
			require.NoError(t, sink.Write(samples[600:]))
			require.NoError(t, sink.Close())

			src, err := decode.Open(path, tt.format)
			require.NoError(t, err)
			defer src.Close()

			assert.Equal(t, tt.format.Rate, src.SampleRate())
			assert.Equal(t, tt.format.Channels, src.Channels())
			assert.Equal(t, samples, readAll(t, src))
		})
	}
}

func TestOpusRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.opuspkt")
	format := audio.NewFormat(audio.FormatS16LE, 48000, 2)

	// 90ms of a 440Hz tone: four full 20ms frames plus a padded fifth
	frames := 4320
	samples := make([]int32, frames*2)
	for i := 0; i < frames; i++ {
		v := int32(math.Sin(2*math.Pi*440*float64(i)/48000) * 0.5 * audio.Max24Bit)
		samples[i*2] = v
		samples[i*2+1] = v
	}

	sink, err := Create(path, format)
	require.NoError(t, err)
	require.NoError(t, sink.Write(samples))
	require.NoError(t, sink.Close())

	src, err := decode.Open(path, audio.Format{})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, 48000, src.SampleRate())
	assert.Equal(t, 2, src.Channels())
	assert.Len(t, readAll(t, src), 5*960*2)
}

func TestOpusRejectsRate(t *testing.T) {
	_, err := NewOpus(io.Discard, 44100, 2)
	assert.Error(t, err)
}

func TestCreateUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp3")
	_, err := Create(path, audio.NewFormat(audio.FormatS16LE, 48000, 2))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
