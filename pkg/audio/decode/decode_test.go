// ABOUTME: Tests for the file sources
// ABOUTME: Covers format detection, bit depth scaling and invalid input
package decode

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

func TestTo24Bit(t *testing.T) {
	tests := []struct {
		name     string
		sample   int32
		bitDepth int
		expected int32
	}{
		{"16-bit max", 32767, 16, 32767 << 8},
		{"16-bit min", -32768, 16, -32768 << 8},
		{"24-bit unchanged", -1234567, 24, -1234567},
		{"32-bit", 1 << 30, 32, 1 << 22},
		{"20-bit", 1000, 20, 16000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, to24Bit(tt.sample, tt.bitDepth))
		})
	}
}

func TestOpenUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.ogg")
	require.NoError(t, os.WriteFile(path, []byte("OggS"), 0o644))

	_, err := Open(path, audio.Format{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.wav"), audio.Format{})
	assert.Error(t, err)
}

func TestInvalidFiles(t *testing.T) {
	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"wav without header", "bad.wav", []byte("not a wav file at all")},
		{"opus bad magic", "bad.opuspkt", []byte("OGGS\x80\xbb\x00\x00\x02\x00")},
		{"opus short header", "short.opuspkt", []byte("OPK")},
		{"flac garbage", "bad.flac", []byte("fLaX0000")},
		{"raw without format", "bad.raw", []byte{0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, tt.data, 0o644))

			_, err := Open(path, audio.Format{})
			assert.Error(t, err)
		})
	}
}

func TestPCMSourceDropsPartialFrame(t *testing.T) {
	format := audio.NewFormat(audio.FormatS16LE, 48000, 2)
	// two stereo frames plus one stray sample
	data := []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0}
	src, err := NewPCM(io.NopCloser(bytes.NewReader(data)), format)
	require.NoError(t, err)

	buf := make([]int32, 16)
	n, err := src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []int32{1 << 8, 2 << 8, 3 << 8, 4 << 8}, buf[:n])

	_, err = src.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestFromPCMShortDestination(t *testing.T) {
	src := []byte{0, 1, 0, 2, 0, 3}
	dst := make([]int32, 2)
	assert.Equal(t, 2, FromPCM(src, audio.FormatS16LE, dst))
	assert.Equal(t, []int32{1 << 16, 2 << 16}, dst)
}
