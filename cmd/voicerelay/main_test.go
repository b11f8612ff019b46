package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/voxlane/voicerelay/pkg/relay/config"
	"github.com/voxlane/voicerelay/pkg/relay/history"
	"github.com/voxlane/voicerelay/pkg/relay/session"
	"github.com/voxlane/voicerelay/pkg/relay/sessions"
	"github.com/voxlane/voicerelay/pkg/relay/stream"
	"github.com/voxlane/voicerelay/pkg/relay/stream/streamtest"
	"github.com/voxlane/voicerelay/pkg/server"
)

func TestRunMainReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, relayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newDialer: func(context.Context, config.Config, *slog.Logger) (stream.Dialer, error) {
			t.Fatal("newDialer should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); got == "" {
		t.Fatal("expected stderr output for startup error")
	}
}

func TestBuildHTTPServerUsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestRunRelayShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	var sigCh chan<- os.Signal
	notified := make(chan struct{})
	deps := relayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{
				Addr:                "127.0.0.1:0",
				LogLevel:            "error",
				LogFormat:           "text",
				ShutdownGracePeriod: 2 * time.Second,
			}, nil
		},
		newDialer: func(context.Context, config.Config, *slog.Logger) (stream.Dialer, error) {
			return streamtest.NewDialer(), nil
		},
		signalNotify: func(c chan<- os.Signal, _ ...os.Signal) {
			sigCh = c
			close(notified)
		},
		signalStop: func(chan<- os.Signal) {},
	}

	done := make(chan error, 1)
	go func() { done <- runRelay(context.Background(), deps) }()

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("signal channel never registered")
	}
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRelay returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runRelay did not stop after signal")
	}
}

func TestRelayHandlerStackSmoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := streamtest.NewDialer()
	registry, err := sessions.New(func(id string) (*session.Session, error) {
		return session.New(id, session.Dependencies{
			Dialer: dialer,
			Gate:   newGate(config.Config{VADEnergyThreshold: 0.015}),
			Logger: logger,
		})
	})
	if err != nil {
		t.Fatalf("sessions.New error: %v", err)
	}

	srv, err := server.New(config.Config{
		MaxMessageBytes:  64 * 1024,
		HandshakeTimeout: time.Second,
		PingInterval:     20 * time.Second,
		WriteTimeout:     time.Second,
	}, server.Dependencies{
		Logger:   logger,
		Registry: registry,
		History:  history.NewMemory(0),
	})
	if err != nil {
		t.Fatalf("server.New error: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d, want 200", resp.StatusCode)
	}
}
