// ABOUTME: Tests for single playback and capture passes
// ABOUTME: Checks sleep computation, mixing, capture distribution and the DSP hook
package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonated/internal/stream"
)

const (
	captureCb  = 480
	playbackCb = 96
	usedFrames = 480
)

func newCaptureThread(t *testing.T) (*Thread, *fakeHandle, *stream.Stream, *recorder) {
	t.Helper()
	th, h := newTestThread(t, stream.Input, 16384, 0)
	rec := &recorder{}
	s := newTestStream(t, stream.Input, captureCb, captureCb, rec)
	require.NoError(t, th.addStream(s))
	return th, h, s, rec
}

func newPlaybackThread(t *testing.T) (*Thread, *fakeHandle) {
	t.Helper()
	return newTestThread(t, stream.Output, 1024, usedFrames)
}

func addPlaybackStream(t *testing.T, th *Thread, prefill []byte) (*stream.Stream, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := newTestStream(t, stream.Output, playbackCb, usedFrames, rec)
	require.NoError(t, th.addStream(s))
	if prefill != nil {
		s.Area().Write(prefill)
	}
	return s, rec
}

func TestFramesToDuration(t *testing.T) {
	d := FramesToDuration(captureCb+1, 44100)
	assert.InDelta(t, float64(10907029*time.Nanosecond), float64(d), float64(time.Microsecond))
	assert.Equal(t, time.Duration(0), FramesToDuration(100, 0))
	assert.Equal(t, time.Second, FramesToDuration(48000, 48000))
}

func TestReadAvailError(t *testing.T) {
	th, h, _, _ := newCaptureThread(t)
	boom := errors.New("boom")
	h.setAvailErr(boom)

	frames, err := th.PossiblyReadAudio()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, frames)
}

func TestReadEmpty(t *testing.T) {
	th, _, s, rec := newCaptureThread(t)

	frames, err := th.PossiblyReadAudio()
	require.NoError(t, err)
	assert.Equal(t, captureCb+1, frames)
	assert.Equal(t, 1, th.Correction())
	assert.Equal(t, 0, s.Area().WriteOffset(0))
	assert.Empty(t, rec.ready)

	assert.InDelta(t, float64(10900*time.Microsecond), float64(FramesToDuration(frames, testRate)),
		float64(10*time.Microsecond))
}

func TestReadTooLittleData(t *testing.T) {
	th, h, s, rec := newCaptureThread(t)
	h.setQueued(captureCb - 40)

	frames, err := th.PossiblyReadAudio()
	require.NoError(t, err)
	assert.Equal(t, 40+CaptureExtraSleepFrames+1, frames)
	assert.Empty(t, rec.ready)
	assert.Equal(t, 0, s.Area().WriteOffset(0))
	assert.Equal(t, 0, s.Area().WriteIndex())
	assert.Empty(t, h.commits)
}

func TestReadHasData(t *testing.T) {
	th, h, s, rec := newCaptureThread(t)
	h.setQueued(captureCb + 4)
	data := ramp(captureCb+4, 0)
	copy(h.hw, data)

	frames, err := th.PossiblyReadAudio()
	require.NoError(t, err)
	assert.Equal(t, captureCb-4+CaptureExtraSleepFrames, frames)
	assert.Equal(t, []int{captureCb}, rec.ready)
	assert.Equal(t, uint64(captureCb), s.FramesDelivered())
	assert.Equal(t, []int{captureCb}, h.commits)

	region, n := s.Area().ReadableRegion(0)
	require.Equal(t, captureCb, n)
	assert.Equal(t, data[:captureCb*frameBytes], region)
}

func TestReadTwoPasses(t *testing.T) {
	tests := []struct {
		name       string
		clientRead bool
		overruns   uint32
	}{
		{"client keeps up", true, 0},
		{"client falls behind", false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, h, s, rec := newCaptureThread(t)
			h.setQueued(captureCb + 4)
			copy(h.hw, ramp(captureCb, 0))

			_, err := th.PossiblyReadAudio()
			require.NoError(t, err)
			if tt.clientRead {
				buf := make([]byte, captureCb*frameBytes)
				require.Equal(t, captureCb, s.Area().Read(buf))
			}
			_, err = th.PossiblyReadAudio()
			require.NoError(t, err)

			assert.Equal(t, tt.overruns, s.Overruns())
			assert.Equal(t, captureCb*frameBytes, s.Area().WriteOffset(1))
			assert.Equal(t, []int{captureCb, captureCb}, rec.ready)
		})
	}
}

func TestReadWithoutPipeline(t *testing.T) {
	th, h, _, rec := newCaptureThread(t)
	ctx := &countingDSP{}
	th.Device().SetDSP(ctx)
	h.setQueued(captureCb + 4)

	_, err := th.PossiblyReadAudio()
	require.NoError(t, err)
	assert.Equal(t, 1, ctx.gets)
	assert.Equal(t, 0, ctx.puts)
	assert.Equal(t, []int{captureCb}, rec.ready)
}

func TestReadWithPipeline(t *testing.T) {
	th, h, s, _ := newCaptureThread(t)
	ctx := &countingDSP{pipeline: newDoubler(testChannels, 512)}
	th.Device().SetDSP(ctx)
	h.setQueued(captureCb + 4)
	copy(h.hw, ramp(captureCb, 1))

	_, err := th.PossiblyReadAudio()
	require.NoError(t, err)
	assert.Equal(t, 1, ctx.gets)
	assert.Equal(t, 1, ctx.puts)
	assert.Equal(t, testChannels, ctx.pipeline.sources)
	assert.Equal(t, testChannels, ctx.pipeline.sinks)
	assert.Equal(t, 1, ctx.pipeline.runs)
	assert.Equal(t, captureCb, ctx.pipeline.frames)

	region, n := s.Area().ReadableRegion(0)
	require.Equal(t, captureCb, n)
	for i := 0; i < 8; i++ {
		assert.Equal(t, int16(2*(i+1)), sampleAt(region, i))
	}
}

func TestFillAvailError(t *testing.T) {
	th, h := newPlaybackThread(t)
	addPlaybackStream(t, th, nil)
	boom := errors.New("boom")
	h.setAvailErr(boom)

	frames, err := th.PossiblyFillAudio()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, frames)
}

func TestFillEarlyWake(t *testing.T) {
	th, h := newPlaybackThread(t)
	addPlaybackStream(t, th, ramp(usedFrames, 0))
	h.setQueued(playbackCb * 2)

	frames, err := th.PossiblyFillAudio()
	require.NoError(t, err)
	assert.Equal(t, playbackCb+1, frames)
	assert.Equal(t, 1, th.Correction())
	assert.Empty(t, h.commits)
}

func TestFillLateWakeRelaxesCorrection(t *testing.T) {
	th, h := newPlaybackThread(t)
	addPlaybackStream(t, th, nil)
	th.correction = 2
	h.setQueued(50)

	frames, err := th.PossiblyFillAudio()
	require.NoError(t, err)
	assert.Equal(t, 1, th.Correction())
	assert.Equal(t, 0, frames)
}

func TestFillStreamFull(t *testing.T) {
	th, h := newPlaybackThread(t)
	data := ramp(usedFrames, 0)
	s, rec := addPlaybackStream(t, th, data)
	h.setQueued(playbackCb)

	frames, err := th.PossiblyFillAudio()
	require.NoError(t, err)
	assert.Equal(t, usedFrames-playbackCb, frames)
	assert.Equal(t, []int{usedFrames - playbackCb}, h.commits)
	assert.Equal(t, (usedFrames-playbackCb)*frameBytes, s.Area().ReadOffset(0))
	assert.Empty(t, rec.requests)
	assert.Equal(t, data[:384*frameBytes], h.hw[:384*frameBytes])
}

func TestFillNeedFill(t *testing.T) {
	th, h := newPlaybackThread(t)
	s, rec := addPlaybackStream(t, th, nil)
	h.setQueued(playbackCb)

	frames, err := th.PossiblyFillAudio()
	require.NoError(t, err)
	assert.Equal(t, 0, frames)
	assert.Equal(t, []int{playbackCb}, rec.requests)
	assert.Equal(t, uint32(1), s.Underruns())
	assert.Empty(t, h.commits)

	// Still pending: the client is not asked twice.
	_, err = th.PossiblyFillAudio()
	require.NoError(t, err)
	assert.Len(t, rec.requests, 1)
	assert.Equal(t, uint64(1), s.AudioRequests())
}

func TestFillTwoStreamsFull(t *testing.T) {
	th, h := newPlaybackThread(t)
	s1, rec1 := addPlaybackStream(t, th, ramp(usedFrames, 0))
	s2, rec2 := addPlaybackStream(t, th, ramp(usedFrames, 100))
	h.setQueued(playbackCb)

	frames, err := th.PossiblyFillAudio()
	require.NoError(t, err)
	assert.Equal(t, usedFrames-playbackCb, frames)
	assert.Equal(t, []int{384}, h.commits)
	assert.Equal(t, 384*frameBytes, s1.Area().ReadOffset(0))
	assert.Equal(t, 384*frameBytes, s2.Area().ReadOffset(0))
	assert.Empty(t, rec1.requests)
	assert.Empty(t, rec2.requests)
	assert.Equal(t, int16(10+110), sampleAt(h.hw, 10))
}

func TestFillTwoStreamsOneShort(t *testing.T) {
	th, h := newPlaybackThread(t)
	full, recFull := addPlaybackStream(t, th, ramp(usedFrames, 0))
	short, recShort := addPlaybackStream(t, th, ramp(100, 0))
	h.setQueued(playbackCb)

	_, err := th.PossiblyFillAudio()
	require.NoError(t, err)
	assert.Equal(t, 384*frameBytes, full.Area().ReadOffset(0))
	assert.Equal(t, 0, short.Area().ReadOffset(0))
	assert.Equal(t, 100, short.FramesQueued())
	assert.Empty(t, recFull.requests)
	assert.Equal(t, []int{playbackCb}, recShort.requests)
	assert.Equal(t, []int{384}, h.commits)
}

func TestFillAppliesStreamControls(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(s *stream.Stream)
		sample int16
	}{
		{"half volume", func(s *stream.Stream) { s.Area().SetVolumeScaler(0.5) }, 5},
		{"muted", func(s *stream.Stream) { s.Area().SetMute(true) }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, h := newPlaybackThread(t)
			s, _ := addPlaybackStream(t, th, ramp(usedFrames, 0))
			tt.setup(s)
			h.setQueued(playbackCb)

			_, err := th.PossiblyFillAudio()
			require.NoError(t, err)
			assert.Equal(t, tt.sample, sampleAt(h.hw, 10))
			assert.Equal(t, 384*frameBytes, s.Area().ReadOffset(0), "muted audio is still consumed")
			assert.Equal(t, []int{384}, h.commits)
		})
	}
}

func TestFillRunsPipelineInBlocks(t *testing.T) {
	th, h := newPlaybackThread(t)
	addPlaybackStream(t, th, ramp(usedFrames, 0))
	ctx := &countingDSP{pipeline: newDoubler(testChannels, 128)}
	th.Device().SetDSP(ctx)
	h.setQueued(playbackCb)

	_, err := th.PossiblyFillAudio()
	require.NoError(t, err)
	assert.Equal(t, 1, ctx.gets)
	assert.Equal(t, 1, ctx.puts)
	assert.Equal(t, 3, ctx.pipeline.runs)
	assert.Equal(t, 384, ctx.pipeline.frames)
	assert.Equal(t, int16(20), sampleAt(h.hw, 10))
}

func TestFillWindowFitsSmallStreamBuffer(t *testing.T) {
	th, h := newTestThread(t, stream.Output, 4096, 0)
	rec := &recorder{}
	s := newTestStream(t, stream.Output, captureCb, captureCb, rec)
	require.NoError(t, th.addStream(s))

	for range 5 {
		require.Equal(t, captureCb, s.Area().Write(ramp(captureCb, 0)))
		s.Area().SetCallbackPending(false)
		h.setQueued(0)
		_, err := th.PossiblyFillAudio()
		require.NoError(t, err)
	}

	assert.Equal(t, []int{captureCb, captureCb, captureCb, captureCb, captureCb}, h.commits)
	assert.Equal(t, uint32(0), s.Underruns())
	assert.Equal(t, uint32(0), s.Overruns())
	assert.Len(t, rec.requests, 5)
	assert.Zero(t, s.FramesQueued())
}
