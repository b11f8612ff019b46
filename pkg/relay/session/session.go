// Package session implements the per-connection voice session state machine:
// buffering speech frames between start and stop signals, relaying each
// completed segment to the speech backend over a stream bridge, forwarding
// backend events to the client in order, and cancelling in-flight work on
// barge-in.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlane/voicerelay/pkg/relay/audio"
	"github.com/voxlane/voicerelay/pkg/relay/protocol"
	"github.com/voxlane/voicerelay/pkg/relay/stream"
	"github.com/voxlane/voicerelay/pkg/relay/vad"
)

// ErrSessionClosed is returned by Deliver once the session has shut down.
var ErrSessionClosed = errors.New("session closed")

// TurnRecord captures one completed exchange for persistence.
type TurnRecord struct {
	SessionID  string
	StartedAt  time.Time
	EndedAt    time.Time
	Transcript string
	Intent     string
	Frames     int
	BytesIn    int
	BytesOut   int
	Outcome    string
	FailReason string
}

// TurnRecorder receives finished turns. Implementations must not block;
// stores that persist asynchronously should enqueue and return.
type TurnRecorder interface {
	RecordTurn(rec TurnRecord)
}

type Config struct {
	BufferCapacity    int
	InboxSize         int
	OutboundQueueSize int
}

type Dependencies struct {
	Dialer   stream.Dialer
	Gate     *vad.Gate
	Recorder TurnRecorder
	Logger   *slog.Logger
	Config   Config
	Now      func() time.Time
}

// Session drives one client connection. Inbound messages enter through
// Deliver, outbound messages leave through Out; all handling happens
// sequentially on the Run goroutine, so the state machine never observes
// concurrent transitions.
type Session struct {
	id       string
	cfg      Config
	dialer   stream.Dialer
	gate     *vad.Gate
	recorder TurnRecorder
	logger   *slog.Logger
	now      func() time.Time

	buffer *SpeechBuffer

	inbox chan protocol.ClientMessage
	out   chan protocol.ServerMessage
	done  chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	started   atomic.Bool

	mu    sync.RWMutex
	state State

	// Owned by the Run goroutine.
	runCtx    context.Context
	bridge    stream.Bridge
	events    <-chan stream.Event
	segCancel context.CancelFunc
	turn      turnStats
}

type turnStats struct {
	active     bool
	startedAt  time.Time
	transcript string
	intent     string
	frames     int
	bytesIn    int
	bytesOut   int
}

func New(id string, deps Dependencies) (*Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("stream dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gate == nil {
		deps.Gate = vad.NewGate(nil, vad.DefaultGateConfig())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.BufferCapacity <= 0 {
		deps.Config.BufferCapacity = DefaultBufferCapacity
	}
	if deps.Config.InboxSize <= 0 {
		deps.Config.InboxSize = 64
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		cfg:      deps.Config,
		dialer:   deps.Dialer,
		gate:     deps.Gate,
		recorder: deps.Recorder,
		logger:   deps.Logger.With("session_id", id),
		now:      deps.Now,
		buffer:   NewSpeechBuffer(deps.Config.BufferCapacity),
		inbox:    make(chan protocol.ClientMessage, deps.Config.InboxSize),
		out:      make(chan protocol.ServerMessage, deps.Config.OutboundQueueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
	}, nil
}

// ID returns the immutable session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Out is the ordered outbound message channel. It is closed when the
// session finishes; no message is sent after close.
func (s *Session) Out() <-chan protocol.ServerMessage { return s.out }

// Deliver hands one inbound message to the session. It blocks while the
// inbox is full and returns ErrSessionClosed after shutdown.
func (s *Session) Deliver(msg protocol.ClientMessage) error {
	select {
	case s.inbox <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close shuts the session down and waits for the run loop to finish.
// It is idempotent and safe to call from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(s.cancel)
	if s.started.Load() {
		<-s.done
	}
}

// Run processes inbound messages and bridge events until ctx or Close
// stops it. It must be called exactly once.
func (s *Session) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.runCtx = ctx
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			s.handleClient(msg)
		case ev, ok := <-s.events:
			s.handleEvent(ev, ok)
		}
	}
}

// teardown releases the bridge, discards buffered audio, and closes the
// outbound channel. Runs exactly once, when the run loop exits.
func (s *Session) teardown() {
	s.releaseBridge()
	s.buffer.Clear()
	s.finishTurn("disconnect", "")
	s.setState(StateIdle)
	close(s.out)
	close(s.done)
	s.logger.Debug("session finished")
}

func (s *Session) handleClient(msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.ClientStartSpeaking:
		s.startSpeaking()
	case protocol.ClientStopSpeaking:
		s.stopSpeaking()
	case protocol.ClientBargeIn:
		s.bargeIn("barge_in")
	case protocol.ClientAudioChunk:
		s.audioChunk(m)
	default:
		s.logger.Warn("unhandled client message", "type", msg.ClientType())
	}
}

func (s *Session) startSpeaking() {
	switch s.State() {
	case StateIdle:
		s.gate.Reset()
		s.turn = turnStats{startedAt: s.now()}
		s.setState(StateListening)
	case StateListening:
		// Restarted segment: the partial buffer is superseded.
		s.buffer.Clear()
		s.gate.Reset()
		s.turn = turnStats{startedAt: s.now()}
		s.logger.Debug("speech segment restarted")
	case StateProcessing, StateResponding:
		s.bargeIn("start_speaking")
	}
}

func (s *Session) stopSpeaking() {
	if s.State() != StateListening {
		s.logger.Debug("stop_speaking outside listening", "state", s.State().String())
		return
	}

	frames := s.buffer.DrainAll()
	if len(frames) == 0 {
		// Silence-only segment: no remote call.
		s.turn = turnStats{}
		s.setState(StateIdle)
		return
	}
	s.openBridge(frames)
}

// openBridge dials the backend and feeds the drained segment into it, in
// order, as fast as the bridge accepts frames.
func (s *Session) openBridge(frames []audio.Frame) {
	segCtx, segCancel := context.WithCancel(s.ctx)
	bridge, err := s.dialer.Open(segCtx, s.id)
	if err != nil {
		segCancel()
		s.logger.Error("bridge open failed", "error", err)
		s.emit(protocol.ServerError{
			Type:      "error",
			SessionID: s.id,
			Code:      "remote_failure",
			Message:   "speech backend unavailable",
		})
		s.turn = turnStats{}
		s.setState(StateIdle)
		return
	}

	s.bridge = bridge
	s.events = bridge.Events()
	s.segCancel = segCancel
	s.turn.active = true
	s.setState(StateProcessing)
	s.logger.Debug("segment dispatched", "frames", len(frames))

	for i, f := range frames {
		if err := bridge.Send(f); err != nil {
			if errors.Is(err, stream.ErrStreamClosed) {
				// Bridge ended underneath us; its events resolve the turn.
				s.logger.Warn("bridge closed during segment feed", "sent", i, "frames", len(frames))
				return
			}
			s.logger.Error("bridge send failed", "error", err)
			s.failTurn("speech backend send failed", err.Error())
			return
		}
	}
}

// bargeIn cancels the active stream, discards buffered speech, and puts
// the session back into Listening. Late events from the cancelled bridge
// are never forwarded: the events channel is dropped from the run loop
// before any further receive.
func (s *Session) bargeIn(trigger string) {
	s.releaseBridge()
	s.buffer.Clear()
	s.finishTurn("barge_in", "")
	s.gate.Reset()
	s.turn = turnStats{startedAt: s.now()}
	s.setState(StateListening)
	s.logger.Info("barge-in", "trigger", trigger)
}

func (s *Session) audioChunk(m protocol.ClientAudioChunk) {
	if s.State() != StateListening {
		s.logger.Debug("audio_chunk outside listening", "state", s.State().String())
		return
	}

	frame, err := audio.Decode(m.DataB64)
	if err != nil {
		code, message := "bad_audio", "invalid audio frame"
		var de *audio.DecodeError
		if errors.As(err, &de) {
			code, message = de.Code, de.Error()
		}
		s.logger.Warn("dropping undecodable audio frame", "error", err)
		s.emit(protocol.ServerError{Type: "error", SessionID: s.id, Code: code, Message: message})
		return
	}

	// Classification is advisory: quiet frames still buffer, so soft
	// speech edges are never lost.
	if s.gate.Classify(frame) == vad.ActivitySilence {
		s.logger.Debug("silent frame buffered", "bytes", frame.Len())
	}
	s.buffer.Append(frame)
	s.turn.frames++
	s.turn.bytesIn += frame.Len()
}

func (s *Session) handleEvent(ev stream.Event, ok bool) {
	if !ok {
		// Stream ended without a terminal event.
		s.logger.Debug("bridge events ended", "state", s.State().String())
		s.releaseBridge()
		s.finishTurn("complete", "")
		s.setState(StateIdle)
		return
	}

	switch ev := ev.(type) {
	case stream.TranscriptEvent:
		s.markResponding()
		s.turn.transcript = ev.Text
		s.emit(protocol.ServerTranscription{
			Type:      "transcription",
			SessionID: s.id,
			Text:      ev.Text,
			Final:     ev.Final,
		})
	case stream.IntentEvent:
		s.markResponding()
		s.turn.intent = ev.Name
		s.emit(protocol.ServerIntent{
			Type:       "intent",
			SessionID:  s.id,
			Name:       ev.Name,
			Confidence: ev.Confidence,
		})
	case stream.ToolCallEvent:
		s.markResponding()
		s.emit(protocol.ServerToolCall{
			Type:      "tool_call",
			SessionID: s.id,
			Name:      ev.Name,
			Params:    ev.Params,
		})
	case stream.AudioChunkEvent:
		s.markResponding()
		s.turn.bytesOut += ev.Data.Len()
		s.emit(protocol.ServerAudioResponse{
			Type:      "audio_response",
			SessionID: s.id,
			DataB64:   audio.Encode(ev.Data),
		})
	case stream.TurnCompleteEvent:
		s.releaseBridge()
		s.finishTurn("complete", "")
		s.setState(StateIdle)
	case stream.FailureEvent:
		s.logger.Warn("stream failure", "reason", ev.Reason)
		s.emit(protocol.ServerError{
			Type:      "error",
			SessionID: s.id,
			Code:      "remote_failure",
			Message:   ev.Reason,
		})
		s.releaseBridge()
		s.buffer.Clear()
		s.finishTurn("failure", ev.Reason)
		s.setState(StateIdle)
	default:
		s.logger.Warn("unhandled stream event", "type", ev.EventType())
	}
}

// failTurn reports a backend error to the client and resets to Idle.
func (s *Session) failTurn(message, reason string) {
	s.emit(protocol.ServerError{
		Type:      "error",
		SessionID: s.id,
		Code:      "remote_failure",
		Message:   message,
	})
	s.releaseBridge()
	s.buffer.Clear()
	s.finishTurn("failure", reason)
	s.setState(StateIdle)
}

func (s *Session) markResponding() {
	if s.State() == StateProcessing {
		s.setState(StateResponding)
	}
}

// releaseBridge raises the segment cancel signal, tears the bridge down,
// and stops selecting on its events channel.
func (s *Session) releaseBridge() {
	if s.segCancel != nil {
		s.segCancel()
		s.segCancel = nil
	}
	if s.bridge != nil {
		s.bridge.Cancel()
		s.bridge = nil
	}
	s.events = nil
}

func (s *Session) finishTurn(outcome, reason string) {
	if !s.turn.active {
		return
	}
	rec := TurnRecord{
		SessionID:  s.id,
		StartedAt:  s.turn.startedAt,
		EndedAt:    s.now(),
		Transcript: s.turn.transcript,
		Intent:     s.turn.intent,
		Frames:     s.turn.frames,
		BytesIn:    s.turn.bytesIn,
		BytesOut:   s.turn.bytesOut,
		Outcome:    outcome,
		FailReason: reason,
	}
	s.turn = turnStats{}
	if s.recorder != nil {
		s.recorder.RecordTurn(rec)
	}
}

// emit queues one outbound message, preserving order. It blocks while the
// queue is full and gives up only when the session stops.
func (s *Session) emit(msg protocol.ServerMessage) {
	select {
	case s.out <- msg:
	case <-s.runCtx.Done():
	case <-s.ctx.Done():
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Debug("session state", "from", prev.String(), "to", next.String())
	}
}
