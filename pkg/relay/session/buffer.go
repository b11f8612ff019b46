package session

import (
	"sync"

	"github.com/voxlane/voicerelay/pkg/relay/audio"
)

// DefaultBufferCapacity is the number of frames a SpeechBuffer retains
// before it starts dropping the oldest ones.
const DefaultBufferCapacity = 100

// SpeechBuffer is a fixed-capacity circular buffer of audio frames.
// When full it overwrites the oldest frame, so it always holds the most
// recent capacity frames in arrival order.
type SpeechBuffer struct {
	mu       sync.Mutex
	frames   []audio.Frame
	writePos int
	filled   int
	dropped  uint64
}

// NewSpeechBuffer creates a buffer holding up to capacity frames.
// A capacity of zero or less falls back to DefaultBufferCapacity.
func NewSpeechBuffer(capacity int) *SpeechBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &SpeechBuffer{
		frames: make([]audio.Frame, capacity),
	}
}

// Append adds a frame, overwriting the oldest one if the buffer is full.
func (b *SpeechBuffer) Append(f audio.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.filled == len(b.frames) {
		b.dropped++
	}
	b.frames[b.writePos] = f
	b.writePos = (b.writePos + 1) % len(b.frames)
	if b.filled < len(b.frames) {
		b.filled++
	}
}

// DrainAll returns the buffered frames in arrival order and empties the
// buffer in one step.
func (b *SpeechBuffer) DrainAll() []audio.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.filled == 0 {
		return nil
	}

	result := make([]audio.Frame, b.filled)
	if b.filled < len(b.frames) {
		copy(result, b.frames[:b.filled])
	} else {
		firstPart := len(b.frames) - b.writePos
		copy(result[:firstPart], b.frames[b.writePos:])
		copy(result[firstPart:], b.frames[:b.writePos])
	}

	b.resetLocked()
	return result
}

// Clear discards all buffered frames.
func (b *SpeechBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *SpeechBuffer) resetLocked() {
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.writePos = 0
	b.filled = 0
}

// Len returns how many frames are currently buffered.
func (b *SpeechBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filled
}

// Cap returns the buffer capacity in frames.
func (b *SpeechBuffer) Cap() int {
	return len(b.frames)
}

// Dropped returns how many frames have been overwritten since creation.
func (b *SpeechBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
