// ABOUTME: Raw PCM source and byte to sample conversion
// ABOUTME: Converts any engine sample format to int32 in 24-bit range
package decode

import (
	"fmt"
	"io"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
)

// FromPCM converts interleaved PCM bytes to samples in 24-bit range and
// returns the number of samples written
func FromPCM(src []byte, sf audio.SampleFormat, dst []int32) int {
	bps := sf.BytesPerSample()
	n := len(src) / bps
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		v := audio.ReadSample(src, sf, i)
		switch sf {
		case audio.FormatS16LE:
			v <<= 8
		case audio.FormatS32LE:
			v >>= 8
		}
		dst[i] = v
	}
	return n
}

// PCMSource reads headerless PCM in a known format
type PCMSource struct {
	r      io.ReadCloser
	format audio.Format
	buf    []byte
}

// NewPCM creates a source over r. The source owns r.
func NewPCM(r io.ReadCloser, format audio.Format) (*PCMSource, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("raw PCM needs a format: %w", err)
	}
	return &PCMSource{r: r, format: format}, nil
}

func (s *PCMSource) Read(samples []int32) (int, error) {
	frames := len(samples) / s.format.Channels
	want := frames * s.format.FrameBytes()
	if cap(s.buf) < want {
		s.buf = make([]byte, want)
	}
	buf := s.buf[:want]

	n, err := io.ReadFull(s.r, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	n -= n % s.format.FrameBytes()
	got := FromPCM(buf[:n], s.format.SampleFormat, samples)
	if got > 0 && err == io.EOF {
		return got, nil
	}
	return got, err
}

func (s *PCMSource) SampleRate() int { return s.format.Rate }
func (s *PCMSource) Channels() int   { return s.format.Channels }
func (s *PCMSource) Close() error    { return s.r.Close() }
