package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxlane/voicerelay/pkg/relay/config"
	"github.com/voxlane/voicerelay/pkg/relay/history"
	"github.com/voxlane/voicerelay/pkg/relay/session"
	"github.com/voxlane/voicerelay/pkg/relay/sessions"
	"github.com/voxlane/voicerelay/pkg/relay/stream"
	"github.com/voxlane/voicerelay/pkg/relay/vad"
	"github.com/voxlane/voicerelay/pkg/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newDialer    func(ctx context.Context, cfg config.Config, logger *slog.Logger) (stream.Dialer, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.LoadFromEnv,
		newDialer:  newGeminiDialer,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newGeminiDialer(ctx context.Context, cfg config.Config, logger *slog.Logger) (stream.Dialer, error) {
	return stream.NewGeminiDialer(ctx, stream.GeminiConfig{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.GeminiModel,
		Voice:             cfg.GeminiVoice,
		SystemInstruction: cfg.SystemInstruction,
		InputSampleRateHz: cfg.InputSampleRateHz,
	}, logger)
}

func setupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newGate(cfg config.Config) *vad.Gate {
	var cls vad.Classifier
	if cfg.VADEnergyThreshold > 0 {
		cls = vad.NewEnergyClassifier(cfg.VADEnergyThreshold)
	}
	return vad.NewGate(cls, vad.GateConfig{
		SpeechFrames:  cfg.VADSpeechFrames,
		SilenceFrames: cfg.VADSilenceFrames,
	})
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newDialer == nil {
		return errors.New("missing newDialer dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	dialer, err := deps.newDialer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init speech backend: %w", err)
	}

	var recorder session.TurnRecorder
	var turns server.TurnSource
	if cfg.DatabaseURL != "" {
		if err := history.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate history schema: %w", err)
		}
		pg, err := history.NewPostgres(ctx, cfg.DatabaseURL, history.PostgresConfig{QueueSize: cfg.HistoryQueueSize}, logger)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer pg.Close()
		recorder, turns = pg, pg
		logger.Info("turn history persisted to postgres")
	} else {
		mem := history.NewMemory(0)
		recorder, turns = mem, mem
		logger.Info("turn history kept in memory only")
	}

	registry, err := sessions.New(func(id string) (*session.Session, error) {
		return session.New(id, session.Dependencies{
			Dialer:   dialer,
			Gate:     newGate(cfg),
			Recorder: recorder,
			Logger:   logger,
			Config: session.Config{
				BufferCapacity:    cfg.BufferCapacityFrames,
				OutboundQueueSize: cfg.OutboundQueueSize,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("init session registry: %w", err)
	}

	srv, err := server.New(cfg, server.Dependencies{
		Logger:   logger,
		Registry: registry,
		Metrics:  server.NewMetrics(""),
		History:  turns,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting relay", "addr", cfg.Addr, "model", cfg.GeminiModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	registry.CloseAll()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !registry.Wait(waitCtx) {
		logger.Warn("sessions still open after grace period", "remaining", registry.Len())
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	_ = godotenv.Load()

	if err := runRelay(ctx, deps); err != nil {
		fmt.Fprintf(stderr, "voicerelay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
