// ABOUTME: WAV file source
// ABOUTME: Reads integer PCM WAV files through go-audio/wav
package decode

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrNotWAV = errors.New("not a valid WAV file")

// WAVSource reads from a WAV file
type WAVSource struct {
	r        io.ReadSeekCloser
	dec      *wav.Decoder
	bitDepth int
	intBuf   *goaudio.IntBuffer
}

// NewWAV creates a source over r. The source owns r.
func NewWAV(r io.ReadSeekCloser) (*WAVSource, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}
	dec.ReadInfo()
	if dec.NumChans == 0 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%w: missing format chunk", ErrNotWAV)
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported WAV bit depth %d", dec.BitDepth)
	}
	return &WAVSource{r: r, dec: dec, bitDepth: int(dec.BitDepth)}, nil
}

func (s *WAVSource) Read(samples []int32) (int, error) {
	want := wholeFrames(len(samples), s.Channels())
	if want == 0 {
		return 0, nil
	}
	if s.intBuf == nil || cap(s.intBuf.Data) < want {
		s.intBuf = &goaudio.IntBuffer{
			Data:   make([]int, want),
			Format: s.dec.Format(),
		}
	} else {
		s.intBuf.Data = s.intBuf.Data[:want]
	}

	n, err := s.dec.PCMBuffer(s.intBuf)
	n = wholeFrames(n, s.Channels())
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	for i := 0; i < n; i++ {
		samples[i] = s.scale(s.intBuf.Data[i])
	}
	return n, nil
}

// scale moves a sample of the file's bit depth to 24-bit range. 8-bit WAV
// data is unsigned.
func (s *WAVSource) scale(v int) int32 {
	switch s.bitDepth {
	case 8:
		return int32(v-128) << 16
	case 16:
		return int32(v) << 8
	case 32:
		return int32(v) >> 8
	}
	return int32(v)
}

func (s *WAVSource) SampleRate() int { return int(s.dec.SampleRate) }
func (s *WAVSource) Channels() int   { return int(s.dec.NumChans) }
func (s *WAVSource) Close() error    { return s.r.Close() }
