// relay-probe is a microphone client for a running voicerelay server. It
// captures PCM16 audio via ffmpeg, detects speech edges locally, drives the
// start_speaking/stop_speaking protocol, and plays synthesized replies
// through ffplay. With -input it streams a WAV or raw PCM file instead of
// the microphone and exits after the turn resolves.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxlane/voicerelay/pkg/client"
	"github.com/voxlane/voicerelay/pkg/relay/audio"
	"github.com/voxlane/voicerelay/pkg/relay/protocol"
)

const (
	audioInSampleRateHz = 16000

	// After a file-mode utterance, exit once the relay has been quiet
	// this long, or give up entirely after the response timeout.
	responseQuiet   = 2 * time.Second
	responseTimeout = 60 * time.Second
)

type options struct {
	relay             string
	input             string
	frameMS           int
	speechThreshold   int
	endpointSilenceMS int
	prerollMS         int
	micDevice         int
	micCmdOverride    string
	listMicDevices    bool
	noPlayback        bool
	ffplayPath        string
	playbackRateHz    int
	debug             bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.relay, "relay", "", "Relay base URL (http(s)://host:port or ws(s)://...); required")
	flag.StringVar(&opt.input, "input", "", "Stream this WAV or raw PCM16 file instead of the microphone")
	flag.IntVar(&opt.frameMS, "frame-ms", 20, "Audio frame duration in ms (default: 20)")
	flag.IntVar(&opt.speechThreshold, "speech-threshold", 500, "PCM16 abs amplitude above which a frame counts as speech (default: 500)")
	flag.IntVar(&opt.endpointSilenceMS, "endpoint-silence-ms", 700, "Silence duration (ms) before sending stop_speaking (default: 700)")
	flag.IntVar(&opt.prerollMS, "preroll-ms", 200, "Audio kept before the detected speech onset (default: 200)")
	flag.IntVar(&opt.micDevice, "mic-device", 0, "macOS avfoundation mic device index (default: 0)")
	flag.StringVar(&opt.micCmdOverride, "mic-cmd", "", "Override mic capture command (runs via /bin/sh -lc). If set, -mic-device is ignored.")
	flag.BoolVar(&opt.listMicDevices, "list-mic-devices", false, "List microphone devices via ffmpeg and exit")
	flag.BoolVar(&opt.noPlayback, "no-playback", false, "Do not spawn ffplay; discard response audio")
	flag.StringVar(&opt.ffplayPath, "ffplay-path", "ffplay", "Path to ffplay executable (default: ffplay)")
	flag.IntVar(&opt.playbackRateHz, "playback-rate", 24000, "Response audio sample rate in Hz (default: 24000)")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging (mic stats, response audio stats)")
	flag.Parse()

	if opt.listMicDevices {
		if err := listMicDevices(); err != nil {
			fmt.Fprintln(os.Stderr, "list mic devices:", err)
			return 2
		}
		return 0
	}

	if strings.TrimSpace(opt.relay) == "" {
		fmt.Fprintln(os.Stderr, "-relay is required")
		return 2
	}
	if opt.frameMS <= 0 {
		fmt.Fprintln(os.Stderr, "-frame-ms must be > 0")
		return 2
	}
	if opt.speechThreshold < 0 {
		fmt.Fprintln(os.Stderr, "-speech-threshold must be >= 0")
		return 2
	}
	if opt.endpointSilenceMS <= 0 {
		fmt.Fprintln(os.Stderr, "-endpoint-silence-ms must be > 0")
		return 2
	}
	if opt.prerollMS < 0 {
		fmt.Fprintln(os.Stderr, "-preroll-ms must be >= 0")
		return 2
	}
	if opt.playbackRateHz <= 0 {
		fmt.Fprintln(os.Stderr, "-playback-rate must be > 0")
		return 2
	}

	wsURL, err := relayWSURL(opt.relay)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -relay:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, client.Config{URL: wsURL})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial relay:", err)
		return 1
	}
	defer c.Close()
	fmt.Fprintf(os.Stderr, "relay session connected: session_id=%s\n", c.SessionID())

	var player *ffplayPCMPlayer
	if !opt.noPlayback {
		player, err = newFFplayPCMPlayer(opt.ffplayPath, opt.playbackRateHz)
		if err != nil {
			fmt.Fprintln(os.Stderr, "start playback:", err)
			return 1
		}
		defer player.Close()
	}

	state := &probeState{}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- printServerLoop(ctx, c, player, state, opt.debug)
	}()

	if strings.TrimSpace(opt.input) != "" {
		if err := runFileMode(ctx, c, state, serverErrCh, opt); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "file mode:", err)
			return 1
		}
		return 0
	}

	micErrCh := make(chan error, 1)
	go func() {
		micErrCh <- runMicLoop(ctx, c, player, state, opt)
	}()

	select {
	case <-ctx.Done():
		return 0
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "server loop error:", err)
			return 1
		}
		return 0
	case err := <-micErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "mic loop error:", err)
			return 1
		}
		return 0
	}
}

// probeState tracks response traffic so the mic loop can tell whether a
// reply is mid-playback and file mode can tell when the turn settled.
type probeState struct {
	mu          sync.Mutex
	messages    int
	lastMsgAt   time.Time
	lastAudioAt time.Time
}

func (p *probeState) noteMessage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages++
	p.lastMsgAt = time.Now()
}

func (p *probeState) noteAudio() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAudioAt = time.Now()
}

func (p *probeState) snapshot() (messages int, lastMsgAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages, p.lastMsgAt
}

func (p *probeState) playbackActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lastAudioAt.IsZero() && time.Since(p.lastAudioAt) < 3*time.Second
}

func printServerLoop(ctx context.Context, c *client.Conn, player *ffplayPCMPlayer, state *probeState, debug bool) error {
	var responseBytes int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.Messages():
			if !ok {
				return c.Err()
			}
			state.noteMessage()
			switch m := msg.(type) {
			case protocol.ServerTranscription:
				label := "partial"
				if m.Final {
					label = "final"
				}
				fmt.Printf("[stt:%s] %s\n", label, m.Text)
			case protocol.ServerIntent:
				fmt.Printf("[intent] %s (%.2f)\n", m.Name, m.Confidence)
			case protocol.ServerToolCall:
				fmt.Printf("[tool_call] %s %s\n", m.Name, compactJSON(m.Params))
			case protocol.ServerAudioResponse:
				pcm, err := audio.Decode(m.DataB64)
				if err != nil {
					fmt.Fprintln(os.Stderr, "bad audio_response payload:", err)
					continue
				}
				state.noteAudio()
				if debug {
					responseBytes += int64(len(pcm))
					fmt.Fprintf(os.Stderr, "[debug] response audio bytes=%d peak=%.3f rms=%.4f\n",
						responseBytes, audio.PeakAmplitude(pcm), audio.RMSEnergy(pcm))
				}
				if player != nil {
					if err := player.Write(pcm); err != nil {
						fmt.Fprintln(os.Stderr, "playback error:", err)
					}
				}
			case protocol.ServerError:
				fmt.Fprintf(os.Stderr, "[error] %s: %s\n", m.Code, m.Message)
			}
		}
	}
}

func runMicLoop(ctx context.Context, c *client.Conn, player *ffplayPCMPlayer, state *probeState, opt options) error {
	frameBytes := audioInSampleRateHz * opt.frameMS / 1000 * audio.SampleWidth

	mic, err := newMicCapture(ctx, opt)
	if err != nil {
		return err
	}
	defer mic.Close()

	threshold := float64(opt.speechThreshold) / 32768.0
	ep := newEndpointer(threshold, time.Duration(opt.endpointSilenceMS)*time.Millisecond)
	ring := newFrameRing(opt.prerollMS / opt.frameMS)

	reader := bufio.NewReaderSize(mic, 64*1024)
	buf := make([]byte, 0, frameBytes*4)
	tmp := make([]byte, 16*1024)

	startedAt := time.Now()
	var lastDataAt, lastDebugAt time.Time
	var totalRead int64
	var lastPeak float64
	warnedNoData := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := reader.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			totalRead += int64(n)
			lastDataAt = time.Now()
		}
		if !warnedNoData && lastDataAt.IsZero() && time.Since(startedAt) > 2*time.Second {
			warnedNoData = true
			fmt.Fprintln(os.Stderr, "[warning] no mic audio received yet; check microphone permissions and device selection (try -list-mic-devices / -mic-device)")
		}
		if opt.debug && (lastDebugAt.IsZero() || time.Since(lastDebugAt) > 2*time.Second) {
			lastDebugAt = time.Now()
			if !lastDataAt.IsZero() {
				fmt.Fprintf(os.Stderr, "[debug] mic bytes read=%d peak=%.3f speaking=%v\n", totalRead, lastPeak, ep.speaking)
			}
		}

		for len(buf) >= frameBytes {
			frame := make([]byte, frameBytes)
			copy(frame, buf[:frameBytes])
			buf = buf[frameBytes:]

			peak := audio.PeakAmplitude(frame)
			lastPeak = peak

			switch ep.observe(peak, time.Now()) {
			case endpointStart:
				// Speaking over an active reply interrupts it; the
				// relay treats start_speaking mid-response as barge-in.
				if player != nil && state.playbackActive() {
					_ = player.Reset()
				}
				if err := c.StartSpeaking(); err != nil {
					return err
				}
				for _, pre := range ring.drain() {
					if err := c.SendAudio(pre); err != nil {
						return err
					}
				}
				if opt.debug {
					fmt.Fprintf(os.Stderr, "[debug] speech onset (peak=%.3f)\n", peak)
				}
			case endpointStop:
				if err := c.StopSpeaking(); err != nil {
					return err
				}
				if opt.debug {
					fmt.Fprintln(os.Stderr, "[debug] endpoint: sent stop_speaking")
				}
			}

			if ep.speaking {
				if err := c.SendAudio(frame); err != nil {
					return err
				}
			} else {
				ring.push(frame)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("mic capture ended (EOF)")
			}
			return err
		}
	}
}

func runFileMode(ctx context.Context, c *client.Conn, state *probeState, serverErrCh <-chan error, opt options) error {
	pcm, err := readAudioFile(opt.input, audioInSampleRateHz)
	if err != nil {
		return err
	}
	frameBytes := audioInSampleRateHz * opt.frameMS / 1000 * audio.SampleWidth

	fmt.Fprintf(os.Stderr, "streaming %s (%d bytes, %dms frames)\n", opt.input, len(pcm), opt.frameMS)
	if err := c.StartSpeaking(); err != nil {
		return err
	}

	// Pace frames at real time so the relay sees a live-shaped segment.
	ticker := time.NewTicker(time.Duration(opt.frameMS) * time.Millisecond)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += frameBytes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serverErrCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while streaming")
		case <-ticker.C:
		}
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := c.SendAudio(pcm[off:end]); err != nil {
			return err
		}
	}
	if err := c.StopSpeaking(); err != nil {
		return err
	}

	stoppedAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErrCh:
			return err
		case <-time.After(250 * time.Millisecond):
			messages, lastMsgAt := state.snapshot()
			if messages > 0 && time.Since(lastMsgAt) > responseQuiet {
				return nil
			}
			if time.Since(stoppedAt) > responseTimeout {
				return errors.New("no response from relay before timeout")
			}
		}
	}
}

type endpointAction int

const (
	endpointNone endpointAction = iota
	endpointStart
	endpointStop
)

// endpointer turns per-frame peak levels into speech edges: a loud frame
// opens a segment, and a silence window at least as long as the configured
// duration closes it.
type endpointer struct {
	threshold float64
	silence   time.Duration

	speaking     bool
	lastSpeechAt time.Time
}

func newEndpointer(threshold float64, silence time.Duration) *endpointer {
	return &endpointer{threshold: threshold, silence: silence}
}

func (e *endpointer) observe(peak float64, now time.Time) endpointAction {
	if peak >= e.threshold {
		e.lastSpeechAt = now
		if !e.speaking {
			e.speaking = true
			return endpointStart
		}
		return endpointNone
	}
	if e.speaking && !e.lastSpeechAt.IsZero() && now.Sub(e.lastSpeechAt) >= e.silence {
		e.speaking = false
		return endpointStop
	}
	return endpointNone
}

// frameRing keeps the most recent n frames so the onset of an utterance is
// not clipped: when speech starts, the buffered preroll is sent first.
type frameRing struct {
	frames [][]byte
	max    int
}

func newFrameRing(max int) *frameRing {
	if max < 0 {
		max = 0
	}
	return &frameRing{max: max}
}

func (r *frameRing) push(frame []byte) {
	if r.max == 0 {
		return
	}
	if len(r.frames) == r.max {
		r.frames = r.frames[1:]
	}
	r.frames = append(r.frames, frame)
}

func (r *frameRing) drain() [][]byte {
	out := r.frames
	r.frames = nil
	return out
}

func relayWSURL(relay string) (string, error) {
	raw := strings.TrimSpace(relay)
	if raw == "" {
		return "", errors.New("empty relay URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	// Preserve any base path, but always route to the voice endpoint.
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/voice"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
