package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/voxlane/voicerelay/pkg/relay/audio"
)

// micCapture reads raw PCM16 mono audio from an ffmpeg child process.
type micCapture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newMicCapture(ctx context.Context, opt options) (*micCapture, error) {
	var cmd *exec.Cmd
	if strings.TrimSpace(opt.micCmdOverride) != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-lc", opt.micCmdOverride)
	} else {
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
		}
		args, err := micFFmpegArgs(runtime.GOOS, opt.micDevice)
		if err != nil {
			return nil, err
		}
		cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open mic stdout: %w", err)
	}
	if opt.debug {
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stderr = io.Discard
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start mic capture: %w", err)
	}
	return &micCapture{cmd: cmd, stdout: stdout}, nil
}

func micFFmpegArgs(goos string, device int) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation",
			// `none:<index>` keeps ffmpeg from opening a camera.
			"-i", fmt.Sprintf("none:%d", device),
			"-ac", "1", "-ar", fmt.Sprintf("%d", audioInSampleRateHz),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", fmt.Sprintf("%d", audioInSampleRateHz),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

func (m *micCapture) Read(p []byte) (int, error) {
	if m == nil || m.stdout == nil {
		return 0, io.EOF
	}
	return m.stdout.Read(p)
}

func (m *micCapture) Close() error {
	if m == nil {
		return nil
	}
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}

func listMicDevices() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return errors.New("ffmpeg is required (install ffmpeg and ensure it is in PATH)")
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("ffmpeg", "-f", "avfoundation", "-list_devices", "true", "-i", "")
	case "linux":
		cmd = exec.Command("ffmpeg", "-sources", "pulse")
	default:
		return fmt.Errorf("device listing is not implemented for %s", runtime.GOOS)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		// ffmpeg exits non-zero after printing device lists; treat that
		// as success as long as the binary executed.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
	return nil
}

// ffplayPCMPlayer streams raw PCM16 mono audio into an ffplay child
// process. Reset kills and restarts it, cutting playback instantly on
// barge-in.
type ffplayPCMPlayer struct {
	mu     sync.Mutex
	path   string
	rateHz int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
}

func newFFplayPCMPlayer(path string, rateHz int) (*ffplayPCMPlayer, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("%s is required for playback (install ffmpeg/ffplay or pass -no-playback)", path)
	}
	player := &ffplayPCMPlayer{path: path, rateHz: rateHz}
	if err := player.startLocked(); err != nil {
		return nil, err
	}
	return player, nil
}

func (p *ffplayPCMPlayer) startLocked() error {
	p.cmd = exec.Command(p.path,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", p.rateHz),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	p.cmd.Stdout = io.Discard
	p.cmd.Stderr = io.Discard
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p.stdin = stdin
	return nil
}

func (p *ffplayPCMPlayer) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return errors.New("ffplay stdin is not initialized")
	}
	_, err := p.stdin.Write(data)
	return err
}

func (p *ffplayPCMPlayer) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.stdin = nil
	return p.startLocked()
}

func (p *ffplayPCMPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.stdin = nil
	return nil
}

// readAudioFile loads a WAV or raw PCM16 file and returns its samples.
// WAV input must be 16-bit mono at the expected rate; anything else is
// rejected rather than silently resampled.
func readAudioFile(path string, wantRateHz int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if isWAV(data) {
		pcm, rate, channels, bits, err := parseWAV(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if bits != 16 {
			return nil, fmt.Errorf("%s: %d-bit WAV, want 16-bit PCM", path, bits)
		}
		if channels != 1 {
			return nil, fmt.Errorf("%s: %d channels, want mono", path, channels)
		}
		if rate != wantRateHz {
			return nil, fmt.Errorf("%s: sample rate %d, want %d", path, rate, wantRateHz)
		}
		return pcm, nil
	}

	if len(data)%audio.SampleWidth != 0 {
		return nil, fmt.Errorf("%s: raw PCM length %d is not 16-bit aligned", path, len(data))
	}
	return data, nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// parseWAV walks the RIFF chunks of a WAV file and returns the PCM payload
// with its format. Only uncompressed PCM (format tag 1) is supported.
func parseWAV(data []byte) (pcm []byte, sampleRate, channels, bits int, err error) {
	if !isWAV(data) {
		return nil, 0, 0, 0, errors.New("not a RIFF/WAVE file")
	}

	var haveFmt bool
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return nil, 0, 0, 0, fmt.Errorf("chunk %q overruns file", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, 0, errors.New("fmt chunk too short")
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if format != 1 {
				return nil, 0, 0, 0, fmt.Errorf("format tag %d, want PCM (1)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, 0, errors.New("data chunk before fmt chunk")
			}
			return data[body : body+size], sampleRate, channels, bits, nil
		}

		// Chunks are word aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}
	return nil, 0, 0, 0, errors.New("no data chunk found")
}
