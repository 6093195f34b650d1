// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test helpers
// ============================================================================

// buildWAV assembles a minimal RIFF/WAVE container around raw sample data.
func buildWAV(t *testing.T, channels, sampleRate, bits int, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	blockAlign := channels * bits / 8

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bits))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

// sineSamples produces a 440 Hz test tone.
func sineSamples(n, rate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(12000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

// ============================================================================
// µ-law codec
// ============================================================================

func TestMulawRoundTrip(t *testing.T) {
	samples := sineSamples(160, TelephonySampleRate)
	pcm := SamplesToBytes(samples)

	mulaw := EncodeMulaw(pcm)
	require.Equal(t, len(samples), len(mulaw), "µ-law is one byte per sample")

	decoded := BytesToSamples(DecodeMulaw(mulaw))
	require.Equal(t, len(samples), len(decoded))

	// µ-law is lossy; companding error stays within ~3% of full scale.
	for i := range samples {
		diff := math.Abs(float64(samples[i]) - float64(decoded[i]))
		assert.LessOrEqual(t, diff, float64(1000), "sample %d drifted too far", i)
	}
}

func TestPlaybackSeconds(t *testing.T) {
	assert.Equal(t, 1.0, PlaybackSeconds(8000))
	assert.Equal(t, 0.5, PlaybackSeconds(4000))
	assert.Equal(t, 0.0, PlaybackSeconds(0))
}

// ============================================================================
// Resampler
// ============================================================================

func TestResampleSameRateCopies(t *testing.T) {
	in := []int16{1, 2, 3, 4}
	out := NewResampler(8000, 8000).Resample(in)
	assert.Equal(t, in, out)
}

func TestResampleDownHalvesLength(t *testing.T) {
	in := sineSamples(1600, 16000)
	out := NewResampler(16000, 8000).Resample(in)
	// 2:1 down-conversion: within one sample of half the input.
	assert.InDelta(t, len(in)/2, len(out), 1)
}

func TestResampleUpRate(t *testing.T) {
	in := sineSamples(800, 8000)
	out := NewResampler(8000, 16000).Resample(in)
	assert.InDelta(t, len(in)*2, len(out), 2)
}

func TestResampleCarryOverMatchesWholeFragment(t *testing.T) {
	in := sineSamples(2400, 24000)

	whole := NewResampler(24000, 8000).Resample(in)

	split := NewResampler(24000, 8000)
	var pieced []int16
	pieced = append(pieced, split.Resample(in[:1000])...)
	pieced = append(pieced, split.Resample(in[1000:1700])...)
	pieced = append(pieced, split.Resample(in[1700:])...)

	// Feeding the fragment in pieces must track the whole-fragment result:
	// identical length within one sample and identical values where aligned.
	require.InDelta(t, len(whole), len(pieced), 1)
	n := len(whole)
	if len(pieced) < n {
		n = len(pieced)
	}
	for i := 0; i < n; i++ {
		assert.InDelta(t, whole[i], pieced[i], 2, "sample %d", i)
	}
}

// ============================================================================
// WAV transcode
// ============================================================================

func TestTranscodeWAVToMulaw_Mono16k(t *testing.T) {
	samples := sineSamples(16000, 16000) // 1 second
	wav := buildWAV(t, 1, 16000, 16, SamplesToBytes(samples))

	mulaw, est, err := TranscodeWAVToMulaw(wav)
	require.NoError(t, err)
	// 1 second of audio resampled to 8 kHz µ-law ≈ 8000 bytes.
	assert.InDelta(t, 8000, len(mulaw), 16)
	assert.InDelta(t, 1.0, est, 0.01)
}

func TestTranscodeWAVToMulaw_StereoDownmix(t *testing.T) {
	mono := sineSamples(800, 8000)
	stereo := make([]int16, 0, len(mono)*2)
	for _, s := range mono {
		stereo = append(stereo, s, s)
	}
	wav := buildWAV(t, 2, 8000, 16, SamplesToBytes(stereo))

	mulaw, _, err := TranscodeWAVToMulaw(wav)
	require.NoError(t, err)
	assert.InDelta(t, len(mono), len(mulaw), 1, "stereo frames collapse to mono samples")
}

func TestTranscodeWAVToMulaw_8BitInput(t *testing.T) {
	data := []byte{128, 255, 0, 128} // silence, +max, -max, silence
	wav := buildWAV(t, 1, 8000, 8, data)

	mulaw, _, err := TranscodeWAVToMulaw(wav)
	require.NoError(t, err)
	assert.Len(t, mulaw, 4)
}

func TestTranscodeWAVToMulaw_GarbageFallsBack(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xAB}, 4000)

	mulaw, est, err := TranscodeWAVToMulaw(garbage)
	require.ErrorIs(t, err, ErrNotWAV)
	assert.Nil(t, mulaw)
	// Fallback estimate is raw length over the telephony rate.
	assert.InDelta(t, 0.5, est, 0.001)
}

func TestParseWAV_RejectsNonPCM(t *testing.T) {
	wav := buildWAV(t, 1, 8000, 16, make([]byte, 32))
	// Patch the format tag to 3 (IEEE float).
	wav[20] = 3
	_, _, err := TranscodeWAVToMulaw(wav)
	require.ErrorIs(t, err, ErrNotWAV)
}
