package audio

import "math"

// RMSEnergy computes the root-mean-square energy of a PCM frame.
// Input is interpreted as 16-bit signed little-endian samples.
// Returns a value between 0.0 and 1.0.
func RMSEnergy(f Frame) float64 {
	samples := f.Samples()
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(f); i += SampleWidth {
		sample := int16(f[i]) | int16(f[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// PeakAmplitude returns the maximum absolute amplitude in the frame.
// Returns a value between 0.0 and 1.0.
func PeakAmplitude(f Frame) float64 {
	if len(f) < SampleWidth {
		return 0
	}

	var maxAbs float64
	for i := 0; i+1 < len(f); i += SampleWidth {
		sample := int16(f[i]) | int16(f[i+1])<<8
		// float64 math avoids overflow when negating -32768.
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}
