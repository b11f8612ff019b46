// Package client is a small Go client for the relay's voice websocket.
// It dials /ws/voice, consumes the session_start handshake, and exposes
// typed send helpers plus a channel of decoded server messages.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voicerelay/pkg/relay/audio"
	"github.com/voxlane/voicerelay/pkg/relay/protocol"
)

const defaultDialTimeout = 10 * time.Second

type Config struct {
	// URL is the voice endpoint, e.g. ws://localhost:8080/ws/voice.
	URL string
	// DialTimeout bounds the dial and the session_start wait.
	// Defaults to 10s.
	DialTimeout time.Duration
}

// Conn is one live voice connection. Send helpers are safe for concurrent
// use; Messages is consumed by a single reader.
type Conn struct {
	conn      *websocket.Conn
	sessionID string

	messages chan protocol.ServerMessage
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial connects to the relay and waits for the session_start frame.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: url is required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s (status %d): %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: read session_start: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	first, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: decode first frame: %w", err)
	}
	switch m := first.(type) {
	case protocol.ServerSessionStart:
		c := &Conn{
			conn:      conn,
			sessionID: m.SessionID,
			messages:  make(chan protocol.ServerMessage, 256),
			done:      make(chan struct{}),
		}
		go c.readLoop()
		return c, nil
	case protocol.ServerError:
		_ = conn.Close()
		return nil, fmt.Errorf("client: relay refused connection: %s (%s)", m.Message, m.Code)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("client: unexpected first frame type %q", first.ServerType())
	}
}

// SessionID returns the id assigned by the relay.
func (c *Conn) SessionID() string { return c.sessionID }

// Messages yields decoded server messages until the connection ends.
func (c *Conn) Messages() <-chan protocol.ServerMessage {
	if c == nil {
		return nil
	}
	return c.messages
}

// StartSpeaking opens a speech segment.
func (c *Conn) StartSpeaking() error {
	return c.sendJSON(protocol.ClientStartSpeaking{Type: "start_speaking", SessionID: c.sessionID})
}

// SendAudio ships one frame of raw PCM audio.
func (c *Conn) SendAudio(pcm []byte) error {
	return c.sendJSON(protocol.ClientAudioChunk{
		Type:      "audio_chunk",
		SessionID: c.sessionID,
		DataB64:   audio.Encode(audio.Frame(pcm)),
	})
}

// StopSpeaking closes the current speech segment.
func (c *Conn) StopSpeaking() error {
	return c.sendJSON(protocol.ClientStopSpeaking{Type: "stop_speaking", SessionID: c.sessionID})
}

// BargeIn interrupts the in-flight response and reopens the floor.
func (c *Conn) BargeIn() error {
	return c.sendJSON(protocol.ClientBargeIn{Type: "barge_in", SessionID: c.sessionID})
}

func (c *Conn) sendJSON(v any) error {
	if c == nil {
		return fmt.Errorf("client: connection must not be nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("client: connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Close shuts the connection down and waits for the read loop to finish.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal connection error, if any, after the read loop
// has finished.
func (c *Conn) Err() error {
	if c == nil {
		return nil
	}
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.closed.Load() {
				return
			}
			c.setErr(err)
			return
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.setErr(fmt.Errorf("client: decode frame: %w", err))
			return
		}
		select {
		case c.messages <- msg:
		default:
			// Avoid deadlocking the read loop if the caller stops consuming.
		}
	}
}
