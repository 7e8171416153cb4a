package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/resonated/pkg/audio"
	"github.com/Resonate-Protocol/resonated/pkg/shm"
)

type recorder struct {
	requests []int
	ready    []int
	drop     bool
}

func (r *recorder) RequestAudio(_ *Stream, frames int) bool {
	if r.drop {
		return false
	}
	r.requests = append(r.requests, frames)
	return true
}

func (r *recorder) AudioReady(_ *Stream, frames int)   { r.ready = append(r.ready, frames) }

func testConfig() Config {
	return Config{
		ClientID:     "client",
		Format:       audio.NewFormat(audio.FormatS16LE, 44100, 2),
		BufferFrames: 960,
		CbThreshold:  480,
	}
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.CbThreshold = 0 }},
		{"buffer below threshold", func(c *Config) { c.BufferFrames = 100 }},
		{"min level above threshold", func(c *Config) { c.MinCbLevel = 481 }},
		{"bad rate", func(c *Config) { c.Format.Rate = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			area, err := shm.New(shm.Config{UsedSize: 480 * 4, FrameBytes: 4})
			require.NoError(t, err)
			tt.mutate(&cfg)
			_, err = New(cfg, area, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsMismatchedArea(t *testing.T) {
	area, err := shm.New(shm.Config{UsedSize: 96 * 4, FrameBytes: 4})
	require.NoError(t, err)
	_, err = New(testConfig(), area, nil)
	assert.ErrorIs(t, err, ErrAreaMismatch)
}

func TestRequestAudioOncePerPending(t *testing.T) {
	cfg := testConfig()
	area, err := shm.New(AreaConfig(cfg))
	require.NoError(t, err)
	rec := &recorder{}
	s, err := New(cfg, area, rec)
	require.NoError(t, err)

	assert.True(t, s.RequestAudio(480))
	assert.False(t, s.RequestAudio(480))
	assert.Equal(t, []int{480}, rec.requests)
	assert.Equal(t, uint64(1), s.AudioRequests())

	area.SetCallbackPending(false)
	assert.True(t, s.RequestAudio(100))
	assert.Equal(t, []int{480, 100}, rec.requests)

	s.AudioReady(480)
	assert.Equal(t, []int{480}, rec.ready)
	assert.Equal(t, uint64(480), s.FramesDelivered())
}

func TestDroppedRequestIsRetried(t *testing.T) {
	cfg := testConfig()
	area, err := shm.New(AreaConfig(cfg))
	require.NoError(t, err)
	rec := &recorder{drop: true}
	s, err := New(cfg, area, rec)
	require.NoError(t, err)

	assert.False(t, s.RequestAudio(480))
	assert.False(t, area.CallbackPending())
	assert.Zero(t, s.AudioRequests())

	rec.drop = false
	assert.True(t, s.RequestAudio(480))
	assert.True(t, area.CallbackPending())
	assert.Equal(t, []int{480}, rec.requests)
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("capture")
	require.NoError(t, err)
	assert.Equal(t, Input, d)

	d, err = ParseDirection("playback")
	require.NoError(t, err)
	assert.Equal(t, Output, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}
