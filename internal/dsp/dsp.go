// ABOUTME: DSP collaborator contract and a per-channel gain pipeline
// ABOUTME: The engine routes mixed or captured blocks through a Context when one is set
package dsp

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// DefaultBlockFrames is the largest block a Gain pipeline processes per Run
const DefaultBlockFrames = 512

// Pipeline transforms one block of planar float samples. Source buffers are
// filled by the caller before Run; sink buffers hold the result after it.
// Both have the pipeline's block length.
type Pipeline interface {
	Channels() int
	SourceBuffer(ch int) []float32
	SinkBuffer(ch int) []float32
	Run(frames int)
}

// Context hands out a device's pipeline. GetPipeline returns nil when none is
// configured; every non-nil result must be given back with PutPipeline.
type Context interface {
	GetPipeline() Pipeline
	PutPipeline(p Pipeline)
}

var ErrChannelMismatch = errors.New("gain count does not match channel count")

// Holder is a Context guarding one replaceable pipeline. Swapping the
// pipeline waits for an in-flight pass to put it back.
type Holder struct {
	mu       sync.Mutex
	pipeline Pipeline
}

// NewHolder returns a Context serving p, which may be nil
func NewHolder(p Pipeline) *Holder {
	return &Holder{pipeline: p}
}

// GetPipeline locks the holder until PutPipeline
func (h *Holder) GetPipeline() Pipeline {
	h.mu.Lock()
	if h.pipeline == nil {
		h.mu.Unlock()
		return nil
	}
	return h.pipeline
}

func (h *Holder) PutPipeline(Pipeline) {
	h.mu.Unlock()
}

// Swap replaces the pipeline, e.g. after a config reload
func (h *Holder) Swap(p Pipeline) {
	h.mu.Lock()
	h.pipeline = p
	h.mu.Unlock()
}

// Gain scales each channel by a fixed factor
type Gain struct {
	gains []float32
	src   [][]float32
	sink  [][]float32
}

// NewGain builds a pipeline from per-channel gains in dB
func NewGain(gainsDB []float64, blockFrames int) (*Gain, error) {
	if len(gainsDB) == 0 {
		return nil, fmt.Errorf("%w: no gains", ErrChannelMismatch)
	}
	if blockFrames <= 0 {
		blockFrames = DefaultBlockFrames
	}
	g := &Gain{
		gains: make([]float32, len(gainsDB)),
		src:   make([][]float32, len(gainsDB)),
		sink:  make([][]float32, len(gainsDB)),
	}
	for i, db := range gainsDB {
		g.gains[i] = float32(math.Pow(10, db/20))
		g.src[i] = make([]float32, blockFrames)
		g.sink[i] = make([]float32, blockFrames)
	}
	return g, nil
}

func (g *Gain) Channels() int                 { return len(g.gains) }
func (g *Gain) SourceBuffer(ch int) []float32 { return g.src[ch] }
func (g *Gain) SinkBuffer(ch int) []float32   { return g.sink[ch] }

// Run applies the gains to the first frames samples of every channel
func (g *Gain) Run(frames int) {
	for ch, gain := range g.gains {
		src, sink := g.src[ch][:frames], g.sink[ch][:frames]
		for i, v := range src {
			v *= gain
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			sink[i] = v
		}
	}
}
