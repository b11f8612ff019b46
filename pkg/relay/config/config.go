// Package config loads the relay's runtime configuration from the
// environment. Every knob has a VOICERELAY_-prefixed variable and a
// working default; only the Gemini API key is mandatory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	LogLevel  string
	LogFormat string

	// WebSocket transport.
	MaxMessageBytes   int64
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	OutboundQueueSize int

	// Per-session speech buffering.
	BufferCapacityFrames int

	// Energy VAD. A threshold of 0 disables classification entirely, which
	// fails open to treating every frame as speech.
	VADEnergyThreshold float64
	VADSpeechFrames    int
	VADSilenceFrames   int

	// Gemini live backend.
	GeminiAPIKey      string
	GeminiModel       string
	GeminiVoice       string
	SystemInstruction string
	InputSampleRateHz int

	// Turn history persistence. Empty DatabaseURL disables the store.
	DatabaseURL      string
	HistoryQueueSize int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOICERELAY_ADDR", ":8080"),
		LogLevel:             strings.ToLower(envOr("VOICERELAY_LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOr("VOICERELAY_LOG_FORMAT", "text")),
		MaxMessageBytes:      envInt64Or("VOICERELAY_WS_MAX_MESSAGE_BYTES", 64*1024),
		HandshakeTimeout:     envDurationOr("VOICERELAY_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		PingInterval:         envDurationOr("VOICERELAY_WS_PING_INTERVAL", 20*time.Second),
		WriteTimeout:         envDurationOr("VOICERELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadTimeout:          envDurationOr("VOICERELAY_WS_READ_TIMEOUT", 0),
		OutboundQueueSize:    envIntOr("VOICERELAY_WS_OUTBOUND_QUEUE", 64),
		BufferCapacityFrames: envIntOr("VOICERELAY_BUFFER_FRAMES", 100),
		VADEnergyThreshold:   envFloat64Or("VOICERELAY_VAD_ENERGY_THRESHOLD", 0.015),
		VADSpeechFrames:      envIntOr("VOICERELAY_VAD_SPEECH_FRAMES", 3),
		VADSilenceFrames:     envIntOr("VOICERELAY_VAD_SILENCE_FRAMES", 30),
		GeminiAPIKey:         envOr("VOICERELAY_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		GeminiModel:          envOr("VOICERELAY_GEMINI_MODEL", "gemini-2.0-flash-live-001"),
		GeminiVoice:          envOr("VOICERELAY_GEMINI_VOICE", ""),
		SystemInstruction:    envOr("VOICERELAY_SYSTEM_INSTRUCTION", ""),
		InputSampleRateHz:    envIntOr("VOICERELAY_AUDIO_IN_SAMPLE_RATE", 16000),
		DatabaseURL:          envOr("VOICERELAY_DATABASE_URL", ""),
		HistoryQueueSize:     envIntOr("VOICERELAY_HISTORY_QUEUE", 256),
		ReadHeaderTimeout:    envDurationOr("VOICERELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOICERELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VOICERELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("VOICERELAY_LOG_FORMAT must be one of text|json")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("VOICERELAY_ADDR must not be empty")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICERELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.BufferCapacityFrames <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_BUFFER_FRAMES must be > 0")
	}
	if cfg.VADEnergyThreshold < 0 {
		return Config{}, fmt.Errorf("VOICERELAY_VAD_ENERGY_THRESHOLD must be >= 0")
	}
	if cfg.VADSpeechFrames <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_VAD_SPEECH_FRAMES must be > 0")
	}
	if cfg.VADSilenceFrames <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_VAD_SILENCE_FRAMES must be > 0")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return Config{}, fmt.Errorf("VOICERELAY_GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		return Config{}, fmt.Errorf("VOICERELAY_GEMINI_MODEL must not be empty")
	}
	if cfg.InputSampleRateHz <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_AUDIO_IN_SAMPLE_RATE must be > 0")
	}
	if cfg.HistoryQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_HISTORY_QUEUE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICERELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
