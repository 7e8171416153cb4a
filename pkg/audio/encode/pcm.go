// ABOUTME: Raw PCM sink and sample to byte conversion
// ABOUTME: Converts int32 samples in 24-bit range to any engine sample format
package encode

import (
	"fmt"
	"io"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// ToPCM converts samples in 24-bit range to interleaved PCM bytes and
// returns the number of samples written
func ToPCM(samples []int32, sf audio.SampleFormat, dst []byte) int {
	n := len(dst) / sf.BytesPerSample()
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		v := int64(samples[i])
		switch sf {
		case audio.FormatS16LE:
			v >>= 8
		case audio.FormatS32LE:
			v <<= 8
		}
		audio.WriteSample(dst, sf, i, v)
	}
	return n
}

// PCMSink writes headerless PCM
type PCMSink struct {
	w   io.Writer
	sf  audio.SampleFormat
	buf []byte
}

// NewPCM creates a sink over w writing samples in format's sample format
func NewPCM(w io.Writer, format audio.Format) (*PCMSink, error) {
	if format.SampleFormat.BytesPerSample() == 0 {
		return nil, fmt.Errorf("unsupported sample format %v", format.SampleFormat)
	}
	return &PCMSink{w: w, sf: format.SampleFormat}, nil
}

func (s *PCMSink) Write(samples []int32) error {
	want := len(samples) * s.sf.BytesPerSample()
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	buf := s.buf[:want]
	ToPCM(samples, s.sf, buf)
	_, err := s.w.Write(buf)
	return err
}

func (s *PCMSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
