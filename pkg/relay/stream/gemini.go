package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/voxlane/voicerelay/pkg/relay/audio"
)

// DefaultGeminiModel is the Live API model used when none is configured.
const DefaultGeminiModel = "gemini-2.0-flash-live-001"

// GeminiConfig configures the Gemini Live backend.
type GeminiConfig struct {
	APIKey string
	// Model defaults to DefaultGeminiModel.
	Model string
	// Voice selects a prebuilt voice for synthesized audio. Empty uses the
	// service default.
	Voice string
	// SystemInstruction steers the model for every segment.
	SystemInstruction string
	// InputSampleRateHz is the PCM rate of frames pushed through Send.
	// Defaults to 16000.
	InputSampleRateHz int
	// EventBuffer is the capacity of each bridge's event channel.
	// Defaults to 32.
	EventBuffer int
}

// GeminiDialer opens one Gemini Live session per speech segment.
type GeminiDialer struct {
	cfg    GeminiConfig
	client *genai.Client
	logger *slog.Logger
}

var _ Dialer = (*GeminiDialer)(nil)

// NewGeminiDialer validates cfg and builds the shared API client.
func NewGeminiDialer(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.InputSampleRateHz <= 0 {
		cfg.InputSampleRateHz = 16000
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiDialer{cfg: cfg, client: client, logger: logger}, nil
}

// Open connects a live session scoped to one speech segment.
func (d *GeminiDialer) Open(ctx context.Context, sessionID string) (Bridge, error) {
	cc := &genai.LiveConnectConfig{
		ResponseModalities:      []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if strings.TrimSpace(d.cfg.SystemInstruction) != "" {
		cc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: d.cfg.SystemInstruction}},
		}
	}
	if strings.TrimSpace(d.cfg.Voice) != "" {
		cc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: d.cfg.Voice},
			},
		}
	}

	sess, err := d.client.Live.Connect(ctx, d.cfg.Model, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: connect live session: %w", err)
	}

	b := &geminiBridge{
		sess:   sess,
		mime:   fmt.Sprintf("audio/pcm;rate=%d", d.cfg.InputSampleRateHz),
		events: make(chan Event, d.cfg.EventBuffer),
		done:   make(chan struct{}),
		logger: d.logger.With("session_id", sessionID),
	}
	go b.receiveLoop()
	return b, nil
}

type geminiBridge struct {
	sess   *genai.Session
	mime   string
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	closed     atomic.Bool
	cancelOnce sync.Once
}

var _ Bridge = (*geminiBridge)(nil)

func (b *geminiBridge) Send(f audio.Frame) error {
	if b.closed.Load() {
		return ErrStreamClosed
	}
	err := b.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: f, MIMEType: b.mime},
	})
	if err != nil {
		if b.closed.Load() {
			return ErrStreamClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

func (b *geminiBridge) Events() <-chan Event {
	return b.events
}

func (b *geminiBridge) Cancel() {
	b.cancelOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
		if err := b.sess.Close(); err != nil {
			b.logger.Debug("gemini: close live session", "error", err)
		}
	})
}

func (b *geminiBridge) receiveLoop() {
	defer close(b.events)
	for {
		msg, err := b.sess.Receive()
		if err != nil {
			if b.closed.Load() {
				return
			}
			b.closed.Store(true)
			if errors.Is(err, io.EOF) {
				// Server closed the stream without an explicit turn marker.
				b.deliver(TurnCompleteEvent{})
				return
			}
			b.deliver(FailureEvent{Reason: err.Error()})
			return
		}
		if msg == nil {
			continue
		}
		if !b.translate(msg) {
			return
		}
	}
}

// translate maps one server message to events. Returns false once a terminal
// event has been delivered.
func (b *geminiBridge) translate(msg *genai.LiveServerMessage) bool {
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil || strings.TrimSpace(fc.Name) == "" {
				continue
			}
			if !b.deliver(ToolCallEvent{Name: fc.Name, Params: fc.Args}) {
				return false
			}
		}
	}

	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	if tr := sc.InputTranscription; tr != nil && strings.TrimSpace(tr.Text) != "" {
		if !b.deliver(TranscriptEvent{Text: tr.Text, Final: tr.Finished}) {
			return false
		}
	}
	if turn := sc.ModelTurn; turn != nil {
		for _, part := range turn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				if !b.deliver(AudioChunkEvent{Data: audio.Frame(part.InlineData.Data)}) {
					return false
				}
			}
		}
	}
	if sc.TurnComplete {
		b.closed.Store(true)
		b.deliver(TurnCompleteEvent{})
		return false
	}
	return true
}

// deliver hands one event to the reader, aborting if the bridge is cancelled
// so a reader that stopped consuming never strands this goroutine.
func (b *geminiBridge) deliver(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}
