package audio

import (
	"math"
	"testing"
)

func pcmFrame(samples []int16) Frame {
	pcm := make([]byte, len(samples)*SampleWidth)
	for i, s := range samples {
		pcm[i*2] = byte(s & 0xFF)
		pcm[i*2+1] = byte((s >> 8) & 0xFF)
	}
	return Frame(pcm)
}

func TestRMSEnergy(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{
			name:     "silence",
			samples:  []int16{0, 0, 0, 0},
			expected: 0.0,
		},
		{
			name:     "max amplitude",
			samples:  []int16{32767, 32767, 32767, 32767},
			expected: 1.0,
		},
		{
			name:     "half amplitude",
			samples:  []int16{16384, 16384, 16384, 16384},
			expected: 0.5,
		},
		{
			name:     "mixed signal",
			samples:  []int16{16384, -16384, 16384, -16384},
			expected: 0.5,
		},
		{
			name:     "empty frame",
			samples:  nil,
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RMSEnergy(pcmFrame(tt.samples))
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("expected RMS %.3f, got %.3f", tt.expected, result)
			}
		})
	}
}

func TestPeakAmplitude(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{
			name:     "silence",
			samples:  []int16{0, 0, 0, 0},
			expected: 0.0,
		},
		{
			name:     "positive peak",
			samples:  []int16{0, 16384, 0, 0},
			expected: 0.5,
		},
		{
			name:     "negative peak",
			samples:  []int16{0, -32768, 0, 0},
			expected: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PeakAmplitude(pcmFrame(tt.samples))
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("expected peak %.3f, got %.3f", tt.expected, result)
			}
		})
	}
}
