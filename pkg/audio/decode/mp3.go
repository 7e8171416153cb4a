// ABOUTME: MP3 file source
// ABOUTME: go-mp3 always produces 16-bit stereo which is scaled to 24-bit range
package decode

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// MP3Source reads from an MP3 stream
type MP3Source struct {
	r       io.ReadCloser
	decoder *mp3.Decoder
	buf     []byte
}

// NewMP3 creates a source over r. The source owns r.
func NewMP3(r io.ReadCloser) (*MP3Source, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}
	return &MP3Source{r: r, decoder: decoder}, nil
}

func (s *MP3Source) Read(samples []int32) (int, error) {
	want := wholeFrames(len(samples), 2) * 2
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	buf := s.buf[:want]

	n, err := io.ReadFull(s.decoder, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	// A partial frame at the very end is dropped.
	numSamples := wholeFrames(n/2, 2)
	for i := 0; i < numSamples; i++ {
		samples[i] = audio.SampleFromInt16(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}
	if numSamples > 0 && err == io.EOF {
		return numSamples, nil
	}
	return numSamples, err
}

func (s *MP3Source) SampleRate() int { return s.decoder.SampleRate() }
func (s *MP3Source) Channels() int   { return 2 }
func (s *MP3Source) Close() error    { return s.r.Close() }
