// ABOUTME: Single playback and capture passes of the audio thread
// ABOUTME: Each pass moves one window of audio and returns how long to sleep, in frames
package engine

import (
	"github.com/Resonate-Protocol/resonated/internal/stream"
	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/audio/chmap"
)

// PossiblyFillAudio tops the playback buffer up toward the device's used
// size from every attached stream that has a full window ready. The window
// never exceeds the largest stream sub-buffer. It returns the
// number of frames to sleep before the next pass.
func (t *Thread) PossiblyFillAudio() (int, error) {
	queued, err := t.dev.FramesQueued()
	if err != nil {
		return 0, err
	}
	cb := t.dev.CbThreshold()

	if queued > cb+t.cfg.SleepFuzzFrames {
		// Woke before the hardware drained to the threshold.
		t.correction++
		return queued - cb + t.correction, nil
	}
	if queued < cb-t.cfg.SleepFuzzFrames && t.correction > 0 {
		t.correction--
	}

	// No stream can supply more than one sub-buffer at a time, so a window
	// wider than the largest one would leave every stream short forever.
	needed := min(t.dev.UsedSize()-queued, t.largestStreamBuffer())
	if needed <= 0 {
		return max(queued-cb+t.correction, 0), nil
	}
	buf, n, err := t.dev.GetBuffer(needed)
	if err != nil {
		return 0, err
	}
	f := *t.dev.Format()
	fb := f.FrameBytes()
	window := buf[:n*fb]
	clear(window)

	// Frames mixed now start playing once the hardware queue drains.
	playAt := t.now().Add(FramesToDuration(queued, f.Rate))
	mixed := 0
	for _, s := range t.activeStreams() {
		if t.mixStream(s, window, f, n) {
			s.Area().SetTimestamp(playAt)
			mixed++
		}
	}

	if mixed > 0 {
		t.runDSP(window, f, n)
		if err := t.dev.PutBuffer(n); err != nil {
			return 0, err
		}
		queued += n
	}
	return max(queued-cb+t.correction, 0), nil
}

// largestStreamBuffer is the biggest sub-buffer, in frames, of the streams
// being mixed
func (t *Thread) largestStreamBuffer() int {
	largest := 0
	for _, s := range t.activeStreams() {
		largest = max(largest, s.Area().UsedFrames())
	}
	return largest
}

// mixStream adds n frames of s into window. A stream without a full window
// is asked for more audio and left out of this pass.
func (t *Thread) mixStream(s *stream.Stream, window []byte, f audio.Format, n int) bool {
	area := s.Area()
	if area.FramesQueued() < n {
		if s.RequestAudio(s.CbThreshold()) {
			log.Tracef("%s: %s short, requested audio", t.dev.Name(), s)
		}
		s.MarkUnderrun()
		return false
	}

	fb := f.FrameBytes()
	if !area.Mute() {
		scaler := area.VolumeScaler()
		for off := 0; off < n; {
			region, frames := area.ReadableRegion(off)
			if frames == 0 {
				break
			}
			frames = min(frames, n-off)
			audio.MixAdd(window[off*fb:], region, f.SampleFormat, frames*f.Channels, scaler)
			off += frames
		}
	}
	area.AdvanceRead(n)

	if area.FramesQueued() < s.CbThreshold() {
		s.RequestAudio(s.CbThreshold())
	}
	return true
}

// PossiblyReadAudio pulls one callback's worth of captured frames and copies
// them to every attached stream. It returns the number of frames to sleep
// before the next pass.
func (t *Thread) PossiblyReadAudio() (int, error) {
	queued, err := t.dev.FramesQueued()
	if err != nil {
		return 0, err
	}
	cb := t.dev.CbThreshold()

	if queued == 0 {
		t.correction++
		return cb + t.correction, nil
	}
	if queued < cb {
		t.correction++
		return cb - queued + t.cfg.CaptureExtraSleepFrames + t.correction, nil
	}

	buf, n, err := t.dev.GetBuffer(min(cb, queued))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		f := *t.dev.Format()
		data := buf[:n*f.FrameBytes()]
		if mtx := t.dev.ConvMatrix(); mtx != nil {
			t.remap(mtx, data, *t.dev.HWFormat(), f, n)
		}
		t.runDSP(data, f, n)

		capturedAt := t.now().Add(-FramesToDuration(queued, f.Rate))
		for _, s := range t.activeStreams() {
			area := s.Area()
			area.SetTimestamp(capturedAt)
			written := area.Write(data)
			area.WriteComplete()
			s.AudioReady(written)
		}

		if err := t.dev.PutBuffer(n); err != nil {
			return 0, err
		}
	}
	return max(cb-(queued-n)+t.cfg.CaptureExtraSleepFrames+t.correction, 0), nil
}

// remap reorders captured channels from the hardware layout into the layout
// streams were promised
func (t *Thread) remap(mtx [][]float32, data []byte, hw, f audio.Format, frames int) {
	in := t.planes(&t.hwPlanes, hw.Channels, frames)
	out := t.planes(&t.outPlanes, f.Channels, frames)
	audio.Deinterleave(data, hw, frames, in)
	chmap.Apply(mtx, in, out, frames)
	audio.Interleave(out, f, frames, data)
}

func (t *Thread) planes(p *[][]float32, channels, frames int) [][]float32 {
	if len(*p) != channels || (channels > 0 && len((*p)[0]) < frames) {
		*p = make([][]float32, channels)
		for i := range *p {
			(*p)[i] = make([]float32, frames)
		}
	}
	return *p
}

// runDSP passes frames through the device pipeline, one pipeline block at a
// time. Channels beyond the pipeline's width are left untouched.
func (t *Thread) runDSP(data []byte, f audio.Format, frames int) {
	ctx := t.dev.DSP()
	if ctx == nil {
		return
	}
	p := ctx.GetPipeline()
	if p == nil {
		return
	}
	defer ctx.PutPipeline(p)

	channels := min(p.Channels(), f.Channels)
	if channels == 0 {
		return
	}
	src := make([][]float32, channels)
	sink := make([][]float32, channels)
	for ch := 0; ch < channels; ch++ {
		src[ch] = p.SourceBuffer(ch)
		sink[ch] = p.SinkBuffer(ch)
	}
	block := len(src[0])
	if block == 0 {
		return
	}

	fb := f.FrameBytes()
	for off := 0; off < frames; off += block {
		k := min(block, frames-off)
		chunk := data[off*fb:]
		audio.Deinterleave(chunk, f, k, src)
		p.Run(k)
		audio.Interleave(sink, f, k, chunk)
	}
}
