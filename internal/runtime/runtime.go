// Package runtime assembles the daemon: telemetry, the bus, storage,
// the speech and recognizer services, and the health endpoints.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aloudlabs/aloud-core/internal/bus"
	"github.com/aloudlabs/aloud-core/internal/config"
	"github.com/aloudlabs/aloud-core/internal/eventstore"
	"github.com/aloudlabs/aloud-core/internal/natsserver"
	"github.com/aloudlabs/aloud-core/internal/recognizer"
	"github.com/aloudlabs/aloud-core/internal/speech/backend"
	"github.com/aloudlabs/aloud-core/internal/speech/pipeline"
	speechservice "github.com/aloudlabs/aloud-core/internal/speech/service"
	"github.com/aloudlabs/aloud-core/internal/speech/sink"
	"github.com/aloudlabs/aloud-core/internal/surface"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	registry    *surface.Registry
	speech      *speechservice.Service
	listen      *recognizer.Service
	busClient   *bus.Client
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if embedded != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()
	r.busClient = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}()
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
	}

	registry, err := surface.NewRegistry(ctx, r.cfg.Surfaces, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start surface registry: %w", err)
	}
	defer registry.Close()
	r.registry = registry

	out, err := r.buildSink(busClient, registry)
	if err != nil {
		return fmt.Errorf("failed to build playback sink: %w", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			r.logger.Error("sink close error", slog.String("error", err.Error()))
		}
	}()

	speechSvc, err := r.buildSpeech(ctx, busClient, store, out)
	if err != nil {
		return fmt.Errorf("failed to start speech service: %w", err)
	}
	defer speechSvc.Close()
	r.speech = speechSvc

	listenSvc, err := r.buildRecognizer(ctx, busClient)
	if err != nil {
		return fmt.Errorf("failed to start recognizer service: %w", err)
	}
	defer listenSvc.Close()
	r.listen = listenSvc

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/surfaces", r.handleSurfaces)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
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
		slog.String("addr", addr),
		slog.String("sink", r.cfg.Playback.Sink),
		slog.Bool("speech", r.cfg.Speech.Enabled),
		slog.Bool("recognizer", r.cfg.Recognizer.Enabled))

	<-ctx.Done()
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

func (r *Runtime) buildSink(busClient *bus.Client, registry *surface.Registry) (sink.Sink, error) {
	switch r.cfg.Playback.Sink {
	case "device":
		return sink.NewDevice(r.cfg.Playback, r.cfg.Speech.SampleRate, r.cfg.Speech.Channels, r.logger)
	case "remote":
		return sink.NewRemote(busClient.Conn(), r.cfg.Playback, registry, r.logger)
	case "discard":
		return sink.Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown playback sink %q", r.cfg.Playback.Sink)
	}
}

func (r *Runtime) buildSpeech(ctx context.Context, busClient *bus.Client, store *eventstore.Store, out sink.Sink) (*speechservice.Service, error) {
	var fallback backend.FallbackEngine
	if r.cfg.Speech.Fallback.Command != "" {
		engine, err := backend.NewExecFallback(r.cfg.Speech.Fallback)
		if err != nil {
			return nil, err
		}
		fallback = engine
	} else {
		fallback = backend.NewMockFallback()
	}
	selector := backend.NewSelector(r.cfg.Speech, fallback, r.logger)

	metrics, err := pipeline.NewMetrics()
	if err != nil {
		r.logger.Warn("failed to initialize pipeline metrics", slog.String("error", err.Error()))
	}

	svc := speechservice.NewService(ctx, r.cfg.Speech, busClient, store, selector, out, metrics, r.logger)
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (r *Runtime) buildRecognizer(ctx context.Context, busClient *bus.Client) (*recognizer.Service, error) {
	var rec recognizer.Recognizer
	if r.cfg.Recognizer.Enabled && r.cfg.Recognizer.Mode == "exec" {
		execRec, err := recognizer.NewExecRecognizer(r.cfg.Recognizer)
		if err != nil {
			return nil, err
		}
		rec = execRec
	} else {
		rec = recognizer.NewMockRecognizer()
	}

	svc := recognizer.NewService(ctx, r.cfg.Recognizer, busClient, rec)
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := r.busClient.Healthy() &&
		(r.speech == nil || r.speech.Healthy()) &&
		(r.listen == nil || r.listen.Healthy())
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
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

func (r *Runtime) handleSurfaces(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.registry.List()); err != nil {
		r.logger.Warn("failed to encode surface list", slog.String("error", err.Error()))
	}
}
