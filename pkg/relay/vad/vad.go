// Package vad gates inbound audio frames on voice activity. Classification is
// advisory: the session uses it for diagnostics and metrics, never to decide
// whether a frame is kept.
package vad

import (
	"github.com/voxlane/voicerelay/pkg/relay/audio"
)

// Activity is the speech/silence decision for one audio frame.
type Activity int

const (
	// ActivitySilence means the gate considers the frame non-speech.
	ActivitySilence Activity = iota
	// ActivitySpeech means the frame is inside a speech run.
	ActivitySpeech
)

// String returns a human-readable activity label.
func (a Activity) String() string {
	switch a {
	case ActivitySilence:
		return "silence"
	case ActivitySpeech:
		return "speech"
	default:
		return "unknown"
	}
}

// Classifier decides whether a single frame contains speech.
// Implementations must be synchronous and side-effect free; per-frame state
// belongs in the Gate, not the classifier.
type Classifier interface {
	IsSpeech(f audio.Frame) (bool, error)
}

// GateConfig tunes the hysteresis window of a Gate.
type GateConfig struct {
	// SpeechFrames is the number of consecutive speech-classified frames
	// required to enter the speech state.
	SpeechFrames int
	// SilenceFrames is the number of consecutive silence-classified frames
	// required to leave the speech state.
	SilenceFrames int
}

// DefaultGateConfig returns a window suitable for 16kHz 20ms frames:
// ~60ms to start a speech run, ~600ms of silence to end it.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		SpeechFrames:  3,
		SilenceFrames: 30,
	}
}

// Gate wraps a pluggable Classifier with a fail-open policy and a short
// rolling window, so isolated misclassified frames do not flip the
// speech/silence decision. A nil classifier, or any classifier error, yields
// ActivitySpeech for every frame: losing silence detection must never also
// lose audio capture.
//
// A Gate is owned by a single session and is not safe for concurrent use.
type Gate struct {
	cls Classifier
	cfg GateConfig

	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewGate creates a gate around cls. Non-positive window values fall back to
// the defaults.
func NewGate(cls Classifier, cfg GateConfig) *Gate {
	def := DefaultGateConfig()
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = def.SpeechFrames
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = def.SilenceFrames
	}
	return &Gate{cls: cls, cfg: cfg}
}

// Classify returns the windowed activity decision for f.
func (g *Gate) Classify(f audio.Frame) Activity {
	if g.cls == nil {
		return ActivitySpeech
	}
	speech, err := g.cls.IsSpeech(f)
	if err != nil {
		return ActivitySpeech
	}

	if speech {
		g.silenceCount = 0
		g.speechCount++
		if !g.inSpeech && g.speechCount >= g.cfg.SpeechFrames {
			g.inSpeech = true
		}
	} else {
		g.speechCount = 0
		g.silenceCount++
		if g.inSpeech && g.silenceCount >= g.cfg.SilenceFrames {
			g.inSpeech = false
		}
	}

	if g.inSpeech {
		return ActivitySpeech
	}
	return ActivitySilence
}

// Reset clears the rolling window. Called when a new speech segment starts.
func (g *Gate) Reset() {
	g.inSpeech = false
	g.speechCount = 0
	g.silenceCount = 0
}
