// Package stream defines the narrow contract between a voice session and the
// remote recognition backend: one bridge per speech segment, frames in,
// ordered events out, idempotent cancellation.
package stream

import (
	"context"
	"errors"

	"github.com/voxlane/voicerelay/pkg/relay/audio"
)

// ErrStreamClosed is returned by Send once the underlying call has ended,
// whether by turn completion, failure, or cancellation.
var ErrStreamClosed = errors.New("stream: send on closed bridge")

// Event is one item produced by a remote recognition stream.
type Event interface {
	EventType() string
}

// TranscriptEvent carries the recognized text of the user's speech.
type TranscriptEvent struct {
	Text  string
	Final bool
}

func (TranscriptEvent) EventType() string { return "transcript" }

// IntentEvent carries a matched intent and its confidence (0..1).
type IntentEvent struct {
	Name       string
	Confidence float64
}

func (IntentEvent) EventType() string { return "intent" }

// ToolCallEvent carries a function/tool invocation requested by the backend.
type ToolCallEvent struct {
	Name   string
	Params map[string]any
}

func (ToolCallEvent) EventType() string { return "tool_call" }

// AudioChunkEvent carries one chunk of synthesized response audio.
type AudioChunkEvent struct {
	Data audio.Frame
}

func (AudioChunkEvent) EventType() string { return "audio_chunk" }

// TurnCompleteEvent terminates a stream that finished normally.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) EventType() string { return "turn_complete" }

// FailureEvent terminates a stream that ended in error.
type FailureEvent struct {
	Reason string
}

func (FailureEvent) EventType() string { return "failure" }

// Terminal reports whether ev ends its stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case TurnCompleteEvent, FailureEvent:
		return true
	default:
		return false
	}
}

// Bridge is one outbound streaming call to the remote recognition service,
// exclusively owned by the session that opened it.
//
// Send pushes one audio frame into the outbound half and fails with
// ErrStreamClosed once the call has ended. Events yields the inbound events
// in the order the remote service produced them; the channel is closed after
// a terminal event (TurnCompleteEvent or FailureEvent) is delivered. The
// sequence is finite and not restartable.
//
// Cancel is idempotent. It tears down the underlying call and guarantees no
// further progress is observable: events not yet read at the cancellation
// point are dropped, never delivered late.
type Bridge interface {
	Send(f audio.Frame) error
	Events() <-chan Event
	Cancel()
}

// Dialer opens a fresh bridge for one speech segment.
type Dialer interface {
	Open(ctx context.Context, sessionID string) (Bridge, error)
}
