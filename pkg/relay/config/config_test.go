package config

import (
	"strings"
	"testing"
	"time"
)

var relayEnvKeys = []string{
	"VOICERELAY_ADDR",
	"VOICERELAY_LOG_LEVEL",
	"VOICERELAY_LOG_FORMAT",
	"VOICERELAY_WS_MAX_MESSAGE_BYTES",
	"VOICERELAY_WS_HANDSHAKE_TIMEOUT",
	"VOICERELAY_WS_PING_INTERVAL",
	"VOICERELAY_WS_WRITE_TIMEOUT",
	"VOICERELAY_WS_READ_TIMEOUT",
	"VOICERELAY_WS_OUTBOUND_QUEUE",
	"VOICERELAY_BUFFER_FRAMES",
	"VOICERELAY_VAD_ENERGY_THRESHOLD",
	"VOICERELAY_VAD_SPEECH_FRAMES",
	"VOICERELAY_VAD_SILENCE_FRAMES",
	"VOICERELAY_GEMINI_API_KEY",
	"VOICERELAY_GEMINI_MODEL",
	"VOICERELAY_GEMINI_VOICE",
	"VOICERELAY_SYSTEM_INSTRUCTION",
	"VOICERELAY_AUDIO_IN_SAMPLE_RATE",
	"VOICERELAY_DATABASE_URL",
	"VOICERELAY_HISTORY_QUEUE",
	"VOICERELAY_READ_HEADER_TIMEOUT",
	"VOICERELAY_SHUTDOWN_GRACE_PERIOD",
	"GEMINI_API_KEY",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("VOICERELAY_GEMINI_API_KEY", "test-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log defaults = %q/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.MaxMessageBytes != 64*1024 {
		t.Errorf("MaxMessageBytes = %d, want 65536", cfg.MaxMessageBytes)
	}
	if cfg.PingInterval != 20*time.Second {
		t.Errorf("PingInterval = %v, want 20s", cfg.PingInterval)
	}
	if cfg.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want 5s", cfg.WriteTimeout)
	}
	if cfg.ReadTimeout != 0 {
		t.Errorf("ReadTimeout = %v, want 0", cfg.ReadTimeout)
	}
	if cfg.BufferCapacityFrames != 100 {
		t.Errorf("BufferCapacityFrames = %d, want 100", cfg.BufferCapacityFrames)
	}
	if cfg.VADEnergyThreshold != 0.015 {
		t.Errorf("VADEnergyThreshold = %v, want 0.015", cfg.VADEnergyThreshold)
	}
	if cfg.VADSpeechFrames != 3 || cfg.VADSilenceFrames != 30 {
		t.Errorf("VAD frames = %d/%d, want 3/30", cfg.VADSpeechFrames, cfg.VADSilenceFrames)
	}
	if cfg.GeminiModel != "gemini-2.0-flash-live-001" {
		t.Errorf("GeminiModel = %q", cfg.GeminiModel)
	}
	if cfg.InputSampleRateHz != 16000 {
		t.Errorf("InputSampleRateHz = %d, want 16000", cfg.InputSampleRateHz)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
	if cfg.HistoryQueueSize != 256 {
		t.Errorf("HistoryQueueSize = %d, want 256", cfg.HistoryQueueSize)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Errorf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("VOICERELAY_GEMINI_API_KEY", "test-key")
	t.Setenv("VOICERELAY_ADDR", "127.0.0.1:9090")
	t.Setenv("VOICERELAY_LOG_LEVEL", "debug")
	t.Setenv("VOICERELAY_LOG_FORMAT", "json")
	t.Setenv("VOICERELAY_BUFFER_FRAMES", "250")
	t.Setenv("VOICERELAY_VAD_ENERGY_THRESHOLD", "0.02")
	t.Setenv("VOICERELAY_WS_PING_INTERVAL", "45s")
	t.Setenv("VOICERELAY_DATABASE_URL", "postgres://localhost/voicerelay")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != "127.0.0.1:9090" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log settings = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.BufferCapacityFrames != 250 {
		t.Errorf("BufferCapacityFrames = %d, want 250", cfg.BufferCapacityFrames)
	}
	if cfg.VADEnergyThreshold != 0.02 {
		t.Errorf("VADEnergyThreshold = %v, want 0.02", cfg.VADEnergyThreshold)
	}
	if cfg.PingInterval != 45*time.Second {
		t.Errorf("PingInterval = %v, want 45s", cfg.PingInterval)
	}
	if cfg.DatabaseURL != "postgres://localhost/voicerelay" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestLoadFromEnvFallbackGeminiKey(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GEMINI_API_KEY", "fallback-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.GeminiAPIKey != "fallback-key" {
		t.Errorf("GeminiAPIKey = %q, want fallback-key", cfg.GeminiAPIKey)
	}
}

func TestLoadFromEnvValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{
			name:    "missing api key",
			key:     "VOICERELAY_GEMINI_API_KEY",
			value:   "",
			wantErr: "VOICERELAY_GEMINI_API_KEY",
		},
		{
			name:    "bad log level",
			key:     "VOICERELAY_LOG_LEVEL",
			value:   "loud",
			wantErr: "VOICERELAY_LOG_LEVEL",
		},
		{
			name:    "bad log format",
			key:     "VOICERELAY_LOG_FORMAT",
			value:   "xml",
			wantErr: "VOICERELAY_LOG_FORMAT",
		},
		{
			name:    "zero buffer",
			key:     "VOICERELAY_BUFFER_FRAMES",
			value:   "0",
			wantErr: "VOICERELAY_BUFFER_FRAMES",
		},
		{
			name:    "negative threshold",
			key:     "VOICERELAY_VAD_ENERGY_THRESHOLD",
			value:   "-0.5",
			wantErr: "VOICERELAY_VAD_ENERGY_THRESHOLD",
		},
		{
			name:    "zero sample rate",
			key:     "VOICERELAY_AUDIO_IN_SAMPLE_RATE",
			value:   "0",
			wantErr: "VOICERELAY_AUDIO_IN_SAMPLE_RATE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRelayEnv(t)
			if tt.key != "VOICERELAY_GEMINI_API_KEY" {
				t.Setenv("VOICERELAY_GEMINI_API_KEY", "test-key")
			}
			t.Setenv(tt.key, tt.value)

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %s", err, tt.wantErr)
			}
		})
	}
}
