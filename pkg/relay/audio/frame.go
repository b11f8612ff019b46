package audio

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// SampleWidth is the size in bytes of one PCM sample (16-bit signed).
const SampleWidth = 2

// Frame is one decoded chunk of PCM audio: 16-bit signed little-endian
// samples, single channel.
type Frame []byte

// Len returns the payload length in bytes.
func (f Frame) Len() int { return len(f) }

// Samples returns the number of PCM samples in the frame.
func (f Frame) Samples() int { return len(f) / SampleWidth }

// Duration returns the playback duration of the frame at the given sample rate.
func (f Frame) Duration(sampleRateHz int) time.Duration {
	if sampleRateHz <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(sampleRateHz)
}

// DecodeError reports a malformed wire audio payload.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badAudio(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_audio", Message: message, Param: param}
}

// Decode converts the wire representation of an audio payload (standard
// base64) into a Frame. It fails with *DecodeError on invalid base64, an
// empty payload, or a payload whose length is not a multiple of SampleWidth.
func Decode(wire string) (Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return nil, badAudio("invalid base64 audio payload", "data_b64")
	}
	if len(raw) == 0 {
		return nil, badAudio("empty audio payload", "data_b64")
	}
	if len(raw)%SampleWidth != 0 {
		return nil, badAudio("audio payload is not aligned to the sample width", "data_b64")
	}
	return Frame(raw), nil
}

// Encode converts a Frame back to its wire representation.
// Decode(Encode(f)) returns a frame equal to f for every valid frame.
func Encode(f Frame) string {
	return base64.StdEncoding.EncodeToString(f)
}
