package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEndpointerEdges(t *testing.T) {
	ep := newEndpointer(0.1, 500*time.Millisecond)
	now := time.Unix(0, 0)

	// Quiet frames before any speech do nothing.
	for i := 0; i < 5; i++ {
		if got := ep.observe(0.01, now); got != endpointNone {
			t.Fatalf("quiet frame %d = %v, want none", i, got)
		}
		now = now.Add(20 * time.Millisecond)
	}

	if got := ep.observe(0.5, now); got != endpointStart {
		t.Fatalf("loud frame = %v, want start", got)
	}
	if got := ep.observe(0.5, now.Add(20*time.Millisecond)); got != endpointNone {
		t.Fatalf("second loud frame = %v, want none", got)
	}

	// Silence shorter than the window keeps the segment open.
	now = now.Add(40 * time.Millisecond)
	if got := ep.observe(0.01, now.Add(300*time.Millisecond)); got != endpointNone {
		t.Fatalf("short silence = %v, want none", got)
	}
	// Crossing the window closes it.
	if got := ep.observe(0.01, now.Add(600*time.Millisecond)); got != endpointStop {
		t.Fatalf("long silence = %v, want stop", got)
	}

	// A new utterance starts a fresh segment.
	if got := ep.observe(0.5, now.Add(700*time.Millisecond)); got != endpointStart {
		t.Fatalf("new utterance = %v, want start", got)
	}
}

func TestEndpointerSpeechResetsSilenceWindow(t *testing.T) {
	ep := newEndpointer(0.1, 500*time.Millisecond)
	now := time.Unix(0, 0)

	ep.observe(0.5, now)
	// Silence almost to the edge, then speech again.
	ep.observe(0.01, now.Add(450*time.Millisecond))
	ep.observe(0.5, now.Add(460*time.Millisecond))

	// The window restarts from the latest speech frame.
	if got := ep.observe(0.01, now.Add(900*time.Millisecond)); got != endpointNone {
		t.Fatalf("silence after restart = %v, want none", got)
	}
	if got := ep.observe(0.01, now.Add(970*time.Millisecond)); got != endpointStop {
		t.Fatalf("expired window = %v, want stop", got)
	}
}

func TestFrameRingKeepsMostRecent(t *testing.T) {
	ring := newFrameRing(3)
	for _, b := range []byte{1, 2, 3, 4, 5} {
		ring.push([]byte{b})
	}

	got := ring.drain()
	if len(got) != 3 {
		t.Fatalf("drained %d frames, want 3", len(got))
	}
	for i, want := range []byte{3, 4, 5} {
		if got[i][0] != want {
			t.Errorf("frame %d = %d, want %d", i, got[i][0], want)
		}
	}
	if len(ring.drain()) != 0 {
		t.Error("second drain should be empty")
	}
}

func TestFrameRingZeroCapacity(t *testing.T) {
	ring := newFrameRing(0)
	ring.push([]byte{1})
	if len(ring.drain()) != 0 {
		t.Error("zero-capacity ring kept a frame")
	}
}

// makeWAV builds a minimal RIFF/WAVE file around the given PCM payload.
func makeWAV(rate, channels, bits, formatTag int, pcm []byte, extraChunk bool) []byte {
	var buf bytes.Buffer
	write16 := func(v int) { _ = binary.Write(&buf, binary.LittleEndian, uint16(v)) }
	write32 := func(v int) { _ = binary.Write(&buf, binary.LittleEndian, uint32(v)) }

	buf.WriteString("RIFF")
	write32(0) // size backfilled below
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	write32(16)
	write16(formatTag)
	write16(channels)
	write32(rate)
	write32(rate * channels * bits / 8)
	write16(channels * bits / 8)
	write16(bits)

	if extraChunk {
		buf.WriteString("LIST")
		write32(4)
		buf.WriteString("INFO")
	}

	buf.WriteString("data")
	write32(len(pcm))
	buf.Write(pcm)

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	return out
}

func TestParseWAV(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	data := makeWAV(16000, 1, 16, 1, pcm, true)

	got, rate, channels, bits, err := parseWAV(data)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if rate != 16000 || channels != 1 || bits != 16 {
		t.Fatalf("format = %d/%d/%d, want 16000/1/16", rate, channels, bits)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
}

func TestParseWAVRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "not riff", data: []byte("MP3 junk that is not a wav file")},
		{name: "compressed format", data: makeWAV(16000, 1, 16, 7, []byte{0, 0}, false)},
		{name: "truncated chunk", data: makeWAV(16000, 1, 16, 1, []byte{0, 0, 0, 0}, false)[:30]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, _, err := parseWAV(tt.data); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestReadAudioFile(t *testing.T) {
	dir := t.TempDir()

	wavPath := filepath.Join(dir, "utterance.wav")
	pcm := []byte{1, 0, 2, 0}
	if err := os.WriteFile(wavPath, makeWAV(16000, 1, 16, 1, pcm, false), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := readAudioFile(wavPath, 16000)
	if err != nil {
		t.Fatalf("readAudioFile(wav): %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("wav pcm = %v, want %v", got, pcm)
	}

	// Wrong sample rate is rejected instead of resampled.
	if _, err := readAudioFile(wavPath, 24000); err == nil {
		t.Fatal("expected rate mismatch error")
	}

	rawPath := filepath.Join(dir, "utterance.pcm")
	if err := os.WriteFile(rawPath, []byte{1, 0, 2, 0, 3, 0}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readAudioFile(rawPath, 16000); err != nil {
		t.Fatalf("readAudioFile(raw): %v", err)
	}

	oddPath := filepath.Join(dir, "odd.pcm")
	if err := os.WriteFile(oddPath, []byte{1, 0, 2}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readAudioFile(oddPath, 16000); err == nil {
		t.Fatal("expected alignment error for odd raw file")
	}
}

func TestRelayWSURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "localhost:8080", want: "ws://localhost:8080/ws/voice"},
		{in: "http://relay.example.com", want: "ws://relay.example.com/ws/voice"},
		{in: "https://relay.example.com", want: "wss://relay.example.com/ws/voice"},
		{in: "wss://relay.example.com/base/", want: "wss://relay.example.com/base/ws/voice"},
		{in: "ftp://relay.example.com", wantErr: true},
		{in: "   ", wantErr: true},
	}
	for _, tt := range tests {
		got, err := relayWSURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("relayWSURL(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("relayWSURL(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("relayWSURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMicFFmpegArgs(t *testing.T) {
	darwin, err := micFFmpegArgs("darwin", 2)
	if err != nil {
		t.Fatalf("darwin args: %v", err)
	}
	joined := strings.Join(darwin, " ")
	if !strings.Contains(joined, "avfoundation") || !strings.Contains(joined, "none:2") {
		t.Errorf("darwin args = %q, want avfoundation input none:2", joined)
	}

	linux, err := micFFmpegArgs("linux", 0)
	if err != nil {
		t.Fatalf("linux args: %v", err)
	}
	if !strings.Contains(strings.Join(linux, " "), "pulse") {
		t.Errorf("linux args = %q, want pulse input", linux)
	}

	if _, err := micFFmpegArgs("windows", 0); err == nil {
		t.Error("expected error for unsupported platform")
	}
}
