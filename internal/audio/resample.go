// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"encoding/binary"
)

// Resampler converts 16-bit mono PCM between sample rates using linear
// interpolation. It keeps the fractional read position and the last input
// sample between calls, so a long fragment can be fed in pieces without
// seams. State is only meaningful within one fragment — create a fresh
// Resampler (or call Reset) per fragment.
type Resampler struct {
	srcRate int
	dstRate int

	// pos is the fractional source index of the next output sample,
	// relative to the carried sample.
	pos float64
	// carry is the last input sample of the previous call; primed once the
	// first sample has been seen.
	carry  int16
	primed bool
}

// NewResampler returns a resampler from srcRate to dstRate. Rates must be
// positive; equal rates make Resample a copy.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate}
}

// Reset clears the carried state for a new fragment.
func (r *Resampler) Reset() {
	r.pos = 0
	r.carry = 0
	r.primed = false
}

// Resample converts a block of samples, carrying interpolation state to the
// next call.
func (r *Resampler) Resample(in []int16) []int16 {
	if r.srcRate == r.dstRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if len(in) == 0 {
		return nil
	}

	// Stitch the carried sample in front so interpolation can cross the
	// block boundary.
	var src []int16
	if r.primed {
		src = make([]int16, 0, len(in)+1)
		src = append(src, r.carry)
		src = append(src, in...)
	} else {
		src = in
		r.primed = true
	}

	step := float64(r.srcRate) / float64(r.dstRate)
	out := make([]int16, 0, int(float64(len(in))/step)+2)

	pos := r.pos
	for int(pos)+1 < len(src) {
		idx := int(pos)
		frac := pos - float64(idx)
		a := float64(src[idx])
		b := float64(src[idx+1])
		out = append(out, int16(a+(b-a)*frac))
		pos += step
	}

	// Carry the final sample and the remaining fractional offset forward.
	r.carry = src[len(src)-1]
	r.pos = pos - float64(len(src)-1)

	return out
}

// BytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
// A trailing odd byte is dropped.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes serializes samples as little-endian 16-bit PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}
