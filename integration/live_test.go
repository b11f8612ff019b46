//go:build integration
// +build integration

package integration_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voxlane/voicerelay/pkg/relay/protocol"
	"github.com/voxlane/voicerelay/pkg/relay/stream"
)

// TestLive_Gemini_RespondsToSpokenAudio runs the full relay against the
// real Gemini Live API. It needs GEMINI_API_KEY and is skipped otherwise.
func TestLive_Gemini_RespondsToSpokenAudio(t *testing.T) {
	key := requireGeminiKey(t)
	ctx := testContext(t, 120*time.Second)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer, err := stream.NewGeminiDialer(ctx, stream.GeminiConfig{
		APIKey:            key,
		SystemInstruction: "You are a terse voice assistant. Answer in one short sentence.",
		InputSampleRateHz: testSampleRate,
	}, logger)
	if err != nil {
		t.Fatalf("NewGeminiDialer: %v", err)
	}

	env := startRelayWith(t, dialer)
	c := env.dial(t)

	// One second of tone. The model hears sound, not meaning, so any
	// synthesized reply before the deadline counts.
	speakTurn(t, c, 50)

	deadline := time.After(90 * time.Second)
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				t.Fatalf("client channel closed: %v", c.Err())
			}
			switch m := msg.(type) {
			case protocol.ServerAudioResponse:
				if m.DataB64 == "" {
					t.Fatal("empty audio response")
				}
				return
			case protocol.ServerTranscription:
				t.Logf("input transcription: %q", m.Text)
			case protocol.ServerError:
				t.Fatalf("relay error %s: %s", m.Code, m.Message)
			}
		case <-deadline:
			t.Fatal("no backend response before deadline")
		}
	}
}
