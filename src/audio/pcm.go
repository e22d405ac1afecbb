// Package audio holds PCM helpers and the audio processors that sit between
// the room transport and the speech services.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BytesToPCM converts little-endian 16-bit PCM bytes to samples
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts samples to little-endian 16-bit PCM bytes
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// Resample converts between sample rates with linear interpolation.
// Telephony audio is band-limited well below either rate, so no
// anti-aliasing filter is applied.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			s1 := float64(input[srcIdx])
			s2 := float64(input[srcIdx+1])
			output[i] = int16(s1 + (s2-s1)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}
	return output
}

// ResampleBytes resamples little-endian PCM bytes
func ResampleBytes(data []byte, inputRate, outputRate int) ([]byte, error) {
	if inputRate == outputRate {
		return data, nil
	}
	pcm, err := BytesToPCM(data)
	if err != nil {
		return nil, err
	}
	return PCMToBytes(Resample(pcm, inputRate, outputRate)), nil
}

// RMS returns the normalized root mean square of the samples (0.0 - 1.0)
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
