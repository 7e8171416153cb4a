package dsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGainRun(t *testing.T) {
	g, err := NewGain([]float64{0, -6.0206, 12}, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Channels())

	for ch := 0; ch < 3; ch++ {
		copy(g.SourceBuffer(ch), []float32{0.5, -0.5, 0.25, 0})
	}
	g.Run(3)

	assert.Equal(t, []float32{0.5, -0.5, 0.25}, g.SinkBuffer(0)[:3])
	assert.InDelta(t, 0.25, g.SinkBuffer(1)[0], 1e-4)
	assert.Equal(t, float32(1), g.SinkBuffer(2)[0], "clipped")
	assert.Equal(t, float32(-1), g.SinkBuffer(2)[1], "clipped")
	assert.Equal(t, float32(0), g.SinkBuffer(0)[3], "frames past the run are untouched")
}

func TestNewGainNeedsChannels(t *testing.T) {
	_, err := NewGain(nil, 0)
	assert.ErrorIs(t, err, ErrChannelMismatch)

	g, err := NewGain([]float64{0}, 0)
	require.NoError(t, err)
	assert.Len(t, g.SourceBuffer(0), DefaultBlockFrames)
}

func TestHolder(t *testing.T) {
	h := NewHolder(nil)
	assert.Nil(t, h.GetPipeline())

	g, err := NewGain([]float64{0, 0}, 0)
	require.NoError(t, err)
	h.Swap(g)

	p := h.GetPipeline()
	require.NotNil(t, p)
	assert.Equal(t, 2, p.Channels())
	h.PutPipeline(p)

	h.Swap(nil)
	assert.Nil(t, h.GetPipeline())
}
