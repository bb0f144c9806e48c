// Package audio provides the real capture and playback devices (malgo
// microphone, oto speaker) behind the engine's device interfaces, plus PCM
// conversion helpers and the level-analysis tap used for visualization.
package audio

import (
	"encoding/binary"
	"math"
)

// Float32LEToPCM16LE converts interleaved little-endian float32 samples to
// pcm_s16le, clamping to [-1, 1]. Input length is truncated to whole samples.
func Float32LEToPCM16LE(raw []byte) []byte {
	samples := len(raw) / 4
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// pcm16Stats returns RMS and peak of a pcm_s16le buffer, normalized to [0, 1].
func pcm16Stats(pcm []byte) (rms, peak float64) {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0, 0
	}
	var sumSquares float64
	for i := 0; i < samples; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		v := float64(s) / 32768.0
		sumSquares += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return math.Sqrt(sumSquares / float64(samples)), peak
}
