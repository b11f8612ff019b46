// Package protocol defines the JSON messages exchanged with voice clients
// over the websocket transport. Inbound messages are decoded through
// DecodeClientMessage; outbound messages are plain structs written by the
// connection writer.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

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

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientMessage is implemented by every inbound message. SessionRef returns
// the optional session correlation id carried by the message; empty means
// the message implicitly targets the connection's own session.
type ClientMessage interface {
	ClientType() string
	SessionRef() string
}

// ClientStartSpeaking marks the start of a speech segment.
type ClientStartSpeaking struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

func (m ClientStartSpeaking) ClientType() string { return "start_speaking" }
func (m ClientStartSpeaking) SessionRef() string { return m.SessionID }

// ClientStopSpeaking marks the end of a speech segment. The legacy alias
// "end_of_speech" decodes to this type.
type ClientStopSpeaking struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

func (m ClientStopSpeaking) ClientType() string { return "stop_speaking" }
func (m ClientStopSpeaking) SessionRef() string { return m.SessionID }

// ClientBargeIn interrupts an in-progress response.
type ClientBargeIn struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

func (m ClientBargeIn) ClientType() string { return "barge_in" }
func (m ClientBargeIn) SessionRef() string { return m.SessionID }

// ClientAudioChunk carries one base64-encoded audio frame.
type ClientAudioChunk struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	DataB64   string `json:"data_b64"`
}

func (m ClientAudioChunk) ClientType() string { return "audio_chunk" }
func (m ClientAudioChunk) SessionRef() string { return m.SessionID }

// DecodeClientMessage parses one inbound JSON frame into its typed message.
// Failures are *DecodeError values suitable for an outbound error message.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start_speaking":
		var msg ClientStartSpeaking
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_speaking frame", "")
		}
		return msg, nil
	case "stop_speaking", "end_of_speech":
		var msg ClientStopSpeaking
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop_speaking frame", "")
		}
		msg.Type = "stop_speaking"
		return msg, nil
	case "barge_in":
		var msg ClientBargeIn
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid barge_in frame", "")
		}
		return msg, nil
	case "audio_chunk":
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_chunk.data_b64 is required", "data_b64")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ServerMessage is implemented by every outbound message.
type ServerMessage interface {
	ServerType() string
}

// ServerSessionStart announces the session id right after connect.
type ServerSessionStart struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (ServerSessionStart) ServerType() string { return "session_start" }

// ServerAudioResponse carries one base64-encoded chunk of response audio.
type ServerAudioResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	DataB64   string `json:"data_b64"`
}

func (ServerAudioResponse) ServerType() string { return "audio_response" }

// ServerTranscription carries the recognized text of the user's speech.
type ServerTranscription struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Final     bool   `json:"final,omitempty"`
}

func (ServerTranscription) ServerType() string { return "transcription" }

// ServerIntent carries a matched intent.
type ServerIntent struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

func (ServerIntent) ServerType() string { return "intent" }

// ServerToolCall carries a tool invocation requested by the backend.
type ServerToolCall struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
}

func (ServerToolCall) ServerType() string { return "tool_call" }

// ServerError reports a client-visible error.
type ServerError struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (ServerError) ServerType() string { return "error" }

// DecodeServerMessage parses one relay frame into its typed message. It is
// the client-side counterpart of DecodeClientMessage.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "session_start":
		var msg ServerSessionStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_start frame", "")
		}
		return msg, nil
	case "audio_response":
		var msg ServerAudioResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_response frame", "")
		}
		return msg, nil
	case "transcription":
		var msg ServerTranscription
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcription frame", "")
		}
		return msg, nil
	case "intent":
		var msg ServerIntent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid intent frame", "")
		}
		return msg, nil
	case "tool_call":
		var msg ServerToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tool_call frame", "")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}
