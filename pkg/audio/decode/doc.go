// ABOUTME: Audio file sources for the test client
// ABOUTME: Decodes MP3, FLAC, WAV, raw Opus packets and raw PCM to int32 samples
// Package decode reads audio files into interleaved int32 samples.
//
// Supports: MP3, FLAC, WAV, length-prefixed Opus packets and raw PCM
//
// All sources return samples in 24-bit range regardless of the file's bit
// depth, so callers convert once to the negotiated stream format.
//
// Example:
//
//	src, err := decode.Open("music.flac", audio.Format{})
//	n, err := src.Read(samples)
package decode
