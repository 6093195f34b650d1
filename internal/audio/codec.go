// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"github.com/zaf/g711"
)

// DecodeMulaw converts carrier µ-law bytes to 16-bit linear PCM
// (little-endian, 2 bytes per sample) at the same 8 kHz rate.
func DecodeMulaw(mulaw []byte) []byte {
	return g711.DecodeUlaw(mulaw)
}

// EncodeMulaw converts 16-bit linear PCM (little-endian) to µ-law bytes.
func EncodeMulaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// PlaybackSeconds estimates the playback duration of an encoded µ-law
// fragment. µ-law at 8 kHz is one byte per sample, so bytes/8000 seconds.
func PlaybackSeconds(mulawBytes int) float64 {
	return float64(mulawBytes) / float64(TelephonySampleRate)
}
