// ABOUTME: Source interface and file opener
// ABOUTME: Picks a decoder from the file extension
package decode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// ErrUnsupported is returned for file types no decoder handles
var ErrUnsupported = errors.New("unsupported audio file")

// Source provides interleaved PCM samples in 24-bit range
type Source interface {
	// Read fills samples and returns how many were read. Only whole frames
	// are returned. io.EOF marks the end of the file.
	Read(samples []int32) (int, error)
	SampleRate() int
	Channels() int
	Close() error
}

// Open opens a file source by extension. raw describes the layout of
// headerless .raw and .pcm files and is ignored otherwise.
func Open(path string, raw audio.Format) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}

	var src Source
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		src, err = NewMP3(f)
	case ".flac":
		src, err = NewFLAC(f)
	case ".wav":
		src, err = NewWAV(f)
	case ".opuspkt":
		src, err = NewOpus(f)
	case ".raw", ".pcm":
		src, err = NewPCM(f, raw)
	default:
		err = fmt.Errorf("%w: %s (supported: .mp3, .flac, .wav, .opuspkt, .raw)", ErrUnsupported, ext)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

// wholeFrames trims n samples down to a multiple of channels
func wholeFrames(n, channels int) int {
	return n - n%channels
}
