package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voicerelay/pkg/relay/protocol"
	"github.com/voxlane/voicerelay/pkg/relay/session"
)

// handleVoiceWS owns one client connection end to end: it creates the
// session, pumps decoded client messages into it, and drains its outbound
// queue through a single writer goroutine so responses reach the wire in
// order. Connection-level errors (undecodable frames, session_id
// mismatches) are reported on the same connection without touching the
// session.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.draining.Load() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining", "server is draining")
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.RecordConnectError()
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	sess, err := s.registry.Create()
	if err != nil {
		s.logger.Error("session create failed", "error", err)
		s.writeWSError(conn, "", "internal", "failed to create session")
		return
	}
	id := sess.ID()
	logger := s.logger.With("session_id", id)
	reqID, _ := RequestIDFrom(r.Context())

	// The ack goes out before the writer starts, so it is always the
	// first frame the client sees.
	if err := conn.WriteJSON(protocol.ServerSessionStart{Type: "session_start", SessionID: id}); err != nil {
		sess.Close()
		s.registry.Remove(id)
		return
	}
	s.metrics.RecordSessionStart()
	s.metrics.RecordMessageOut("session_start")
	logger.Info("session connected", "request_id", reqID, "remote_addr", r.RemoteAddr)

	connCtx, cancelConn := context.WithCancel(r.Context())
	defer cancelConn()

	// outbox carries connection-level errors; session messages flow on
	// sess.Out(). One writer drains both, so each stream stays ordered.
	outbox := make(chan protocol.ServerMessage, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancelConn()
		err := s.writeLoop(conn, outbox, sess.Out())
		// Dropping the connection unblocks the read loop, which is how a
		// server-initiated session close reaches a silent client.
		_ = conn.Close()
		if err != nil {
			logger.Debug("websocket writer stopped", "error", err)
		}
	}()

	go sess.Run(connCtx)

	s.readLoop(connCtx, conn, sess, outbox, logger)

	// Teardown order matters: close the session first so its bridge is
	// cancelled and its outbound queue drains, then let the writer finish,
	// and only then drop the registry entry. Nothing can be delivered to
	// the client after the entry is gone.
	sess.Close()
	close(outbox)
	<-writerDone
	s.registry.Remove(id)
	s.metrics.RecordSessionEnd()
	logger.Info("session disconnected", "request_id", reqID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, outbox chan<- protocol.ServerMessage, logger *slog.Logger) {
	readTimeout := s.cfg.ReadTimeout
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		msg, err := protocol.DecodeClientMessage(payload)
		if err != nil {
			s.metrics.RecordDecodeError()
			code, message := "bad_request", "invalid message"
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				code, message = de.Code, de.Message
			}
			logger.Warn("client frame rejected", "error", err)
			if !s.sendConnError(ctx, outbox, protocol.ServerError{Type: "error", Code: code, Message: message}) {
				return
			}
			continue
		}
		s.metrics.RecordMessageIn(msg.ClientType())

		// Messages may name a session explicitly; one that names a
		// different session is refused without disturbing this one.
		if ref := msg.SessionRef(); ref != "" && ref != sess.ID() {
			logger.Warn("message for unknown session", "ref", ref)
			if !s.sendConnError(ctx, outbox, protocol.ServerError{Type: "error", Code: "not_found", Message: "unknown session_id"}) {
				return
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.ClientAudioChunk:
			s.metrics.RecordAudioBytes("in", len(m.DataB64))
		case protocol.ClientBargeIn:
			s.metrics.RecordBargeIn()
		}

		if err := sess.Deliver(msg); err != nil {
			logger.Debug("session rejected message", "error", err)
			return
		}
	}
}

// sendConnError queues a connection-level error for the writer. It reports
// false when the connection is already going away.
func (s *Server) sendConnError(ctx context.Context, outbox chan<- protocol.ServerMessage, msg protocol.ServerError) bool {
	select {
	case outbox <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, outbox <-chan protocol.ServerMessage, sessionOut <-chan protocol.ServerMessage) error {
	pingInterval := s.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case msg, ok := <-outbox:
			if !ok {
				outbox = nil
				continue
			}
			if err := s.writeMessage(conn, msg, writeTimeout); err != nil {
				return err
			}
		case msg, ok := <-sessionOut:
			if !ok {
				// Session output is the last thing the client can receive;
				// say goodbye once it ends.
				deadline := time.Now().Add(writeTimeout)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return nil
			}
			if err := s.writeMessage(conn, msg, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg protocol.ServerMessage, writeTimeout time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.metrics.RecordMessageOut(msg.ServerType())
	if ar, ok := msg.(protocol.ServerAudioResponse); ok {
		s.metrics.RecordAudioBytes("out", len(ar.DataB64))
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// writeWSError is for failures before the session writer exists; it writes
// directly and closes the connection.
func (s *Server) writeWSError(conn *websocket.Conn, sessionID, code, message string) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", SessionID: sessionID, Code: code, Message: message})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, message), time.Now().Add(2*time.Second))
}
