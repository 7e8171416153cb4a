// ABOUTME: File playback and capture loops over an open stream
// ABOUTME: Answers request_audio from a decoded file and saves audio_ready frames to a sink
package client

import (
	"context"
	"errors"
	"io"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/decode"
	"github.com/Resonate-Protocol/resonated/pkg/audio/encode"
	"github.com/Resonate-Protocol/resonated/pkg/audio/resample"
)

// PlayOptions tunes how playback answers requests
type PlayOptions struct {
	// MinCbLevel is the smallest request the stream expects. Smaller
	// requests are logged.
	MinCbLevel int
	// FullFrames caps every write at MinCbLevel frames
	FullFrames bool
}

// Play answers the stream's audio requests from src until the file ends or
// ctx is done. The file is converted to the stream's rate and channel count.
func Play(ctx context.Context, s *Stream, src decode.Source, opts PlayOptions) error {
	f := s.Format()
	fd := newFeeder(src, f)
	buf := make([]byte, 0, 4096)

	for {
		var frames int
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.client.Done():
			return ErrClosed
		case frames = <-s.Events():
		}

		if frames < opts.MinCbLevel {
			log.Debugf("Stream %s: request for only %d frames, min %d", s.ID(), frames, opts.MinCbLevel)
		}
		if opts.FullFrames && opts.MinCbLevel > 0 && frames > opts.MinCbLevel {
			frames = opts.MinCbLevel
		}

		samples, err := fd.next(frames)
		if len(samples) > 0 {
			size := len(samples) * f.SampleFormat.BytesPerSample()
			if cap(buf) < size {
				buf = make([]byte, size)
			}
			buf = buf[:size]
			encode.ToPCM(samples, f.SampleFormat, buf)
			if _, werr := s.Write(buf); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			log.Infof("Stream %s: end of file", s.ID())
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Record saves every captured window to sink until ctx is done
func Record(ctx context.Context, s *Stream, sink encode.Sink) error {
	f := s.Format()
	var buf []byte
	var samples []int32

	for {
		var frames int
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.client.Done():
			return ErrClosed
		case frames = <-s.Events():
		}

		size := frames * f.FrameBytes()
		if cap(buf) < size {
			buf = make([]byte, size)
			samples = make([]int32, frames*f.Channels)
		}
		n := s.Read(buf[:size])
		if n == 0 {
			continue
		}
		got := decode.FromPCM(buf[:n*f.FrameBytes()], f.SampleFormat, samples)
		if err := sink.Write(samples[:got]); err != nil {
			return err
		}
	}
}

// feeder pulls file audio and converts it to the stream's rate and
// channel count
type feeder struct {
	src       decode.Source
	resampler *resample.Resampler
	channels  int
	in        []int32
	conv      []int32
	out       []int32 // converted samples not yet handed out
	eof       bool
}

func newFeeder(src decode.Source, f audio.Format) *feeder {
	fd := &feeder{src: src, channels: f.Channels}
	if src.SampleRate() != f.Rate {
		fd.resampler = resample.New(src.SampleRate(), f.Rate, src.Channels())
	}
	return fd
}

// next returns up to frames frames of interleaved samples. io.EOF is
// returned with the last samples of the file.
func (fd *feeder) next(frames int) ([]int32, error) {
	want := frames * fd.channels
	for len(fd.out) < want && !fd.eof {
		if err := fd.fill(frames); err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			fd.eof = true
		}
	}

	n := min(want, len(fd.out))
	samples := append([]int32(nil), fd.out[:n]...)
	fd.out = fd.out[n:]
	if fd.eof && len(fd.out) == 0 {
		return samples, io.EOF
	}
	return samples, nil
}

// fill reads about frames frames from the file into out
func (fd *feeder) fill(frames int) error {
	srcCh := fd.src.Channels()
	if cap(fd.in) < frames*srcCh {
		fd.in = make([]int32, frames*srcCh)
	}
	n, err := fd.src.Read(fd.in[:frames*srcCh])
	in := fd.in[:n]

	if fd.resampler != nil && n > 0 {
		need := fd.resampler.OutputSamplesNeeded(n)
		if cap(fd.conv) < need {
			fd.conv = make([]int32, need)
		}
		in = fd.conv[:fd.resampler.Resample(in, fd.conv[:need])]
	}
	fd.out = appendChannels(fd.out, in, srcCh, fd.channels)
	return err
}

// appendChannels appends src with srcCh channels to dst as dstCh channels.
// Extra destination channels repeat the source channels in order.
func appendChannels(dst, src []int32, srcCh, dstCh int) []int32 {
	if srcCh == dstCh {
		return append(dst, src...)
	}
	for i := 0; i+srcCh <= len(src); i += srcCh {
		for ch := 0; ch < dstCh; ch++ {
			dst = append(dst, src[i+ch%srcCh])
		}
	}
	return dst
}
