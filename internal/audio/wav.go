// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotWAV reports a payload that is not a parseable RIFF/WAVE container.
var ErrNotWAV = errors.New("audio: not a wav container")

const wavPCMFormat = 1

// wavData is the parsed content of a RIFF/WAVE container.
type wavData struct {
	channels      int
	sampleRate    int
	bitsPerSample int
	data          []byte
}

// parseWAV walks the RIFF chunk list and extracts the fmt and data chunks.
// Only PCM (format tag 1) is accepted; synthesizers return plain PCM WAV.
func parseWAV(buf []byte) (*wavData, error) {
	if len(buf) < 12 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var w wavData
	var haveFmt, haveData bool

	off := 12
	for off+8 <= len(buf) {
		id := string(buf[off : off+4])
		size := int(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		body := off + 8
		if body+size > len(buf) {
			// Tolerate a truncated final chunk; take what is there.
			size = len(buf) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format := int(binary.LittleEndian.Uint16(buf[body : body+2]))
			if format != wavPCMFormat {
				return nil, fmt.Errorf("%w: unsupported format tag %d", ErrNotWAV, format)
			}
			w.channels = int(binary.LittleEndian.Uint16(buf[body+2 : body+4]))
			w.sampleRate = int(binary.LittleEndian.Uint32(buf[body+4 : body+8]))
			w.bitsPerSample = int(binary.LittleEndian.Uint16(buf[body+14 : body+16]))
			haveFmt = true
		case "data":
			w.data = buf[body : body+size]
			haveData = true
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || !haveData {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", ErrNotWAV)
	}
	if w.channels < 1 || w.channels > 2 || w.sampleRate <= 0 {
		return nil, fmt.Errorf("%w: channels=%d rate=%d", ErrNotWAV, w.channels, w.sampleRate)
	}
	switch w.bitsPerSample {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d bits per sample", ErrNotWAV, w.bitsPerSample)
	}
	return &w, nil
}

// samples converts the raw data chunk to mono 16-bit samples: sample-width
// conversion first, then channel down-mix by averaging.
func (w *wavData) samples() []int16 {
	bytesPer := w.bitsPerSample / 8
	frame := bytesPer * w.channels
	n := len(w.data) / frame
	out := make([]int16, n)

	for i := 0; i < n; i++ {
		var sum int32
		for ch := 0; ch < w.channels; ch++ {
			off := i*frame + ch*bytesPer
			sum += int32(decodeSample(w.data[off:off+bytesPer], w.bitsPerSample))
		}
		out[i] = int16(sum / int32(w.channels))
	}
	return out
}

func decodeSample(b []byte, bits int) int16 {
	switch bits {
	case 8:
		// 8-bit WAV is unsigned.
		return int16(int(b[0])-128) << 8
	case 16:
		return int16(binary.LittleEndian.Uint16(b))
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^int32(0xFFFFFF)
		}
		return int16(v >> 8)
	case 32:
		return int16(int32(binary.LittleEndian.Uint32(b)) >> 16)
	}
	return 0
}

// TranscodeWAVToMulaw converts a synthesized WAV buffer to carrier µ-law at
// 8 kHz mono and reports the estimated playback duration in seconds.
//
// On a parse failure the fragment cannot be salvaged: the returned bytes are
// nil, the estimate falls back to len(wav)/8000 and the error is non-nil so
// the caller can drop the fragment with a warning.
func TranscodeWAVToMulaw(wav []byte) ([]byte, float64, error) {
	parsed, err := parseWAV(wav)
	if err != nil {
		return nil, PlaybackSeconds(len(wav)), err
	}

	samples := parsed.samples()
	if parsed.sampleRate != TelephonySampleRate {
		r := NewResampler(parsed.sampleRate, TelephonySampleRate)
		samples = r.Resample(samples)
	}

	mulaw := EncodeMulaw(SamplesToBytes(samples))
	return mulaw, PlaybackSeconds(len(mulaw)), nil
}
