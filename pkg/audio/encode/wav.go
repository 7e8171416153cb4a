// ABOUTME: WAV file sink
// ABOUTME: Writes 16 or 24-bit integer PCM through go-audio/wav
package encode

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// wavPCM is the WAVE_FORMAT_PCM tag
const wavPCM = 1

// WAVSink writes a WAV file
type WAVSink struct {
	w        io.WriteSeeker
	closer   io.Closer
	enc      *wav.Encoder
	bitDepth int
	buf      *goaudio.IntBuffer
}

// NewWAV creates a sink over w. S16_LE streams are written as 16-bit, all
// other formats as 24-bit. The sink closes w when it implements io.Closer.
func NewWAV(w io.WriteSeeker, format audio.Format) (*WAVSink, error) {
	if format.Rate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid WAV format %v", format)
	}
	bitDepth := 24
	if format.SampleFormat == audio.FormatS16LE {
		bitDepth = 16
	}
	s := &WAVSink{
		w:        w,
		enc:      wav.NewEncoder(w, format.Rate, bitDepth, format.Channels, wavPCM),
		bitDepth: bitDepth,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.Rate},
			SourceBitDepth: bitDepth,
		},
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

func (s *WAVSink) Write(samples []int32) error {
	if cap(s.buf.Data) < len(samples) {
		s.buf.Data = make([]int, len(samples))
	}
	s.buf.Data = s.buf.Data[:len(samples)]
	for i, v := range samples {
		if s.bitDepth == 16 {
			v = int32(audio.SampleToInt16(v))
		}
		s.buf.Data[i] = int(v)
	}
	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("wav write: %w", err)
	}
	return nil
}

// Close finalizes the WAV header
func (s *WAVSink) Close() error {
	err := s.enc.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
