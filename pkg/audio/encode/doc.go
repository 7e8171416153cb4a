// ABOUTME: Audio file sinks for the test client
// ABOUTME: Writes int32 samples as WAV, raw Opus packets or raw PCM
// Package encode writes interleaved int32 samples in 24-bit range to files.
//
// Supports: WAV (16 or 24-bit), length-prefixed Opus packets and raw PCM
// in any engine sample format.
//
// Example:
//
//	sink, err := encode.Create("capture.wav", format)
//	err = sink.Write(samples)
//	err = sink.Close()
package encode
