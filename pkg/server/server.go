// Package server exposes the relay over HTTP: the voice websocket at
// /ws/voice plus health, metrics and turn-history endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxlane/voicerelay/pkg/relay/config"
	"github.com/voxlane/voicerelay/pkg/relay/session"
	"github.com/voxlane/voicerelay/pkg/relay/sessions"
)

// TurnSource serves recorded turns for the history endpoint.
type TurnSource interface {
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]session.TurnRecord, error)
}

type Dependencies struct {
	Logger   *slog.Logger
	Registry *sessions.Registry
	Metrics  *Metrics

	// History is optional; /history answers 503 without it.
	History TurnSource
}

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *sessions.Registry
	metrics  *Metrics
	history  TurnSource
	mux      *http.ServeMux

	draining atomic.Bool
}

func New(cfg config.Config, deps Dependencies) (*Server, error) {
	if deps.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics("")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: deps.Registry,
		metrics:  metrics,
		history:  deps.History,
		mux:      http.NewServeMux(),
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.HandleFunc("/history", s.handleHistory)
	s.mux.HandleFunc("/ws/voice", s.handleVoiceWS)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recoverMiddleware(s.logger, h)
	h = accessLogMiddleware(s.logger, h)
	h = requestIDMiddleware(h)
	return h
}

// SetDraining flips the server into shutdown mode: /healthz starts
// failing and new websocket connections are refused. Established
// sessions keep running until closed elsewhere.
func (s *Server) SetDraining(v bool) {
	s.draining.Store(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	type indexResp struct {
		Service   string `json:"service"`
		WebSocket string `json:"websocket"`
		Sessions  int    `json:"sessions_active"`
	}
	writeJSON(w, http.StatusOK, indexResp{
		Service:   "voicerelay",
		WebSocket: "/ws/voice",
		Sessions:  s.registry.Len(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if s.history == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "turn history is not configured")
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.history.RecentTurns(r.Context(), sessionID, limit)
	if err != nil {
		reqID, _ := RequestIDFrom(r.Context())
		s.logger.Error("history query failed", "request_id", reqID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal", "failed to load turn history")
		return
	}

	type turnResp struct {
		SessionID  string    `json:"session_id"`
		StartedAt  time.Time `json:"started_at"`
		EndedAt    time.Time `json:"ended_at"`
		Transcript string    `json:"transcript,omitempty"`
		Intent     string    `json:"intent,omitempty"`
		Frames     int       `json:"frames"`
		BytesIn    int       `json:"bytes_in"`
		BytesOut   int       `json:"bytes_out"`
		Outcome    string    `json:"outcome"`
		FailReason string    `json:"fail_reason,omitempty"`
	}
	turns := make([]turnResp, 0, len(recs))
	for _, rec := range recs {
		turns = append(turns, turnResp{
			SessionID:  rec.SessionID,
			StartedAt:  rec.StartedAt,
			EndedAt:    rec.EndedAt,
			Transcript: rec.Transcript,
			Intent:     rec.Intent,
			Frames:     rec.Frames,
			BytesIn:    rec.BytesIn,
			BytesOut:   rec.BytesOut,
			Outcome:    rec.Outcome,
			FailReason: rec.FailReason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}
