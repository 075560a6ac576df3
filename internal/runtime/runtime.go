package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/claude-did-this/chip-audio-receiver/internal/bus"
	"github.com/claude-did-this/chip-audio-receiver/internal/config"
	"github.com/claude-did-this/chip-audio-receiver/internal/jitter"
	"github.com/claude-did-this/chip-audio-receiver/internal/natsserver"
	"github.com/claude-did-this/chip-audio-receiver/internal/negotiator"
	"github.com/claude-did-this/chip-audio-receiver/internal/receiver"
	"github.com/claude-did-this/chip-audio-receiver/internal/session"
	"github.com/claude-did-this/chip-audio-receiver/internal/sessionstore"
	"github.com/claude-did-this/chip-audio-receiver/internal/sink"
	"github.com/claude-did-this/chip-audio-receiver/internal/timesync"
)

// Runtime assembles the receiver core: telemetry, control-plane bus,
// session store, UDP receiver, negotiator and the HTTP health surface.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	out         sink.Sink
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// SetSink installs the downstream consumer. Defaults to the logging sink
// when unset. Must be called before Start.
func (r *Runtime) SetSink(s sink.Sink) {
	r.out = s
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.Shutdown

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := sessionstore.Open(ctx, r.cfg.SessionStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	clock := timesync.Monotonic()
	registry := session.NewRegistry(session.Limits{
		Jitter: jitter.Config{
			TargetMS: r.cfg.Jitter.TargetMS,
			MinMS:    r.cfg.Jitter.MinMS,
			MaxMS:    r.cfg.Jitter.MaxMS,
			Adaptive: r.cfg.Jitter.Adaptive,
		},
		SubtitleDefaultMS:  r.cfg.Subtitles.DefaultDurationMS,
		SessionTimeoutMS:   r.cfg.Session.TimeoutMS,
		TotalMemoryBytes:   r.cfg.Memory.TotalBytes,
		PerSessionMemBytes: r.cfg.Memory.PerSessionBytes,
	}, clock, r.logger)

	out := r.out
	if out == nil {
		out = sink.NewLogSink(r.logger)
	}

	recv, err := receiver.New(ctx, receiver.Config{
		Port:            r.cfg.UDP.Port,
		ReadBufferBytes: r.cfg.UDP.ReadBufferBytes,
	}, registry, out, clock, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start receiver: %w", err)
	}
	defer recv.Close()

	neg := negotiator.NewService(ctx, negotiator.Config{
		AdvertiseHost:        r.cfg.UDP.AdvertiseHost,
		DrainTimeoutMS:       r.cfg.Session.DrainTimeoutMS,
		CleanupIntervalMS:    r.cfg.Session.CleanupIntervalMS,
		ConditionsIntervalMS: r.cfg.Session.ConditionsIntervalMS,
	}, busClient, registry, recv, store, clock, r.logger)

	recv.Start()
	if err := neg.Start(); err != nil {
		return fmt.Errorf("failed to start negotiator: %w", err)
	}
	defer neg.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("http_addr", addr),
		slog.String("udp_addr", recv.LocalAddr().String()))

	select {
	case <-ctx.Done():
	case err := <-recv.Errors():
		r.logger.Error("receiver failed", slog.String("error", err.Error()))
		cancel()
	}

	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
