package vad

import (
	"github.com/voxlane/voicerelay/pkg/relay/audio"
)

// DefaultEnergyThreshold is the RMS level above which a frame counts as
// speech. Tuned for 16kHz mono PCM16 microphone input.
const DefaultEnergyThreshold = 0.015

// EnergyClassifier is a pure-Go classifier based on RMS energy. It is
// stateless: run-level smoothing is the Gate's job.
type EnergyClassifier struct {
	threshold float64
}

// NewEnergyClassifier creates a classifier with the given RMS threshold.
// A non-positive threshold falls back to DefaultEnergyThreshold.
func NewEnergyClassifier(threshold float64) *EnergyClassifier {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	return &EnergyClassifier{threshold: threshold}
}

// IsSpeech reports whether the frame's RMS energy reaches the threshold.
func (c *EnergyClassifier) IsSpeech(f audio.Frame) (bool, error) {
	return audio.RMSEnergy(f) >= c.threshold, nil
}
