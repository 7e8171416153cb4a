// ABOUTME: Simple linear resampler for converting audio sample rates
// ABOUTME: Interpolates interleaved int32 frames and keeps state between chunks
package resample

import "math"

// Resampler performs linear interpolation to convert between sample rates
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	ratio      float64
	// position of the next output frame in input frames. -1 is lastSample,
	// the final frame of the previous chunk.
	position   float64
	lastSample []int32 // one sample per channel
}

// New creates a new resampler
func New(inputRate, outputRate, channels int) *Resampler {
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		ratio:      float64(inputRate) / float64(outputRate),
		lastSample: make([]int32, channels),
	}
}

// Resample converts input samples to output sample rate using linear interpolation
// input: interleaved samples at inputRate
// output: interleaved samples at outputRate, sized with OutputSamplesNeeded
// Returns the number of output samples written. Input that did not fit in
// output is dropped.
func (r *Resampler) Resample(input []int32, output []int32) int {
	inputFrames := len(input) / r.channels
	if inputFrames == 0 {
		return 0
	}
	outputFrames := len(output) / r.channels

	at := func(frame, ch int) float64 {
		if frame < 0 {
			return float64(r.lastSample[ch])
		}
		return float64(input[frame*r.channels+ch])
	}

	outIdx := 0
	for outIdx < outputFrames {
		inputIdx := int(math.Floor(r.position))
		if inputIdx+1 >= inputFrames {
			break
		}
		frac := r.position - float64(inputIdx)

		for ch := 0; ch < r.channels; ch++ {
			interpolated := at(inputIdx, ch)*(1.0-frac) + at(inputIdx+1, ch)*frac
			output[outIdx*r.channels+ch] = int32(math.Round(interpolated))
		}

		outIdx++
		r.position += r.ratio
	}

	copy(r.lastSample, input[(inputFrames-1)*r.channels:])
	r.position -= float64(inputFrames)
	if r.position < -1 {
		r.position = -1
	}

	return outIdx * r.channels
}

// Reset resets the resampler state
func (r *Resampler) Reset() {
	r.position = 0.0
	for i := range r.lastSample {
		r.lastSample[i] = 0
	}
}

// OutputSamplesNeeded is an upper bound on the output one call can produce
// from inputSamples
func (r *Resampler) OutputSamplesNeeded(inputSamples int) int {
	inputFrames := inputSamples / r.channels
	outputFrames := int(math.Ceil(float64(inputFrames+1)/r.ratio)) + 1
	return outputFrames * r.channels
}

// InputSamplesNeeded calculates how many input samples are needed to produce output samples
func (r *Resampler) InputSamplesNeeded(outputSamples int) int {
	outputFrames := outputSamples / r.channels
	inputFrames := int(math.Ceil(float64(outputFrames) * r.ratio))
	return inputFrames * r.channels
}
