// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

// AudioFormat identifies a wire encoding.
type AudioFormat string

const (
	Linear16 AudioFormat = "linear16"
	MuLaw8   AudioFormat = "mulaw"
)

// AudioConfig describes a PCM stream.
type AudioConfig struct {
	Format     AudioFormat
	SampleRate int
	Channels   int
}

// NewMulaw8khzMonoAudioConfig is the carrier-native format: µ-law, 8 kHz, mono.
func NewMulaw8khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{Format: MuLaw8, SampleRate: 8000, Channels: 1}
}

// NewLinear8khzMonoAudioConfig is the internal/recognizer format:
// 16-bit linear PCM, 8 kHz, mono.
func NewLinear8khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{Format: Linear16, SampleRate: 8000, Channels: 1}
}

const (
	// TelephonySampleRate is the fixed carrier rate.
	TelephonySampleRate = 8000

	// BytesPerSample for 16-bit linear PCM.
	BytesPerSample = 2

	// FrameMillis is the carrier framing interval.
	FrameMillis = 20
)
