// ABOUTME: Audio resampling package using linear interpolation
// ABOUTME: Converts file audio to the rate a stream was negotiated at
// Package resample provides audio sample rate conversion.
//
// Uses linear interpolation for converting between sample rates and
// carries the last input frame across calls, so a file can be converted
// chunk by chunk without clicks at the boundaries.
//
// Example:
//
//	r := resample.New(44100, 48000, 2)
//	out := make([]int32, r.OutputSamplesNeeded(len(in)))
//	n := r.Resample(in, out)
package resample
