// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, channel roles and raw PCM mixing helpers
// Package audio provides the PCM types shared by the engine, devices and clients.
//
// This package defines:
//   - Format: sample encoding, frame rate, channel count and channel layout
//   - Channel: the fixed enumeration of channel roles (FL, FR, RL, RR, FC, LFE, ...)
//   - Layout: role to slot mapping, -1 for unused roles
//
// It also provides helpers that operate on interleaved little-endian bytes:
//   - MixAdd / Scale: saturating mixing with a software volume scaler
//   - Deinterleave / Interleave: conversion to per-channel float planes for DSP
//   - 16-bit ↔ 24-bit sample conversions
//
// Example:
//
//	format := audio.NewFormat(audio.FormatS16LE, 48000, 2)
//	frameBytes := format.FrameBytes() // 4
package audio
