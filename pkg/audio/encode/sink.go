// ABOUTME: Sink interface and file creator
// ABOUTME: Picks an encoder from the file extension
package encode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// ErrUnsupported is returned for file types no encoder handles
var ErrUnsupported = errors.New("unsupported audio file")

// Sink consumes interleaved samples in 24-bit range
type Sink interface {
	Write(samples []int32) error
	// Close flushes buffered audio and closes the file
	Close() error
}

// Create creates a file sink by extension. The rate and channel count of
// format apply to every sink; the sample format picks the WAV bit depth and
// the layout of .raw files.
func Create(path string, format audio.Format) (Sink, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wav", ".opuspkt", ".raw", ".pcm":
	default:
		return nil, fmt.Errorf("%w: %s (supported: .wav, .opuspkt, .raw)", ErrUnsupported, ext)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio file: %w", err)
	}

	var sink Sink
	switch ext {
	case ".wav":
		sink, err = NewWAV(f, format)
	case ".opuspkt":
		sink, err = NewOpus(f, format.Rate, format.Channels)
	default:
		sink, err = NewPCM(f, format)
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return sink, nil
}
