package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voicechat/internal/audio"
	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/control"
	"github.com/loqalabs/loqa-voicechat/internal/convstore"
	"github.com/loqalabs/loqa-voicechat/internal/engine"
	"github.com/loqalabs/loqa-voicechat/internal/llm"
	"github.com/loqalabs/loqa-voicechat/internal/natsserver"
	"github.com/loqalabs/loqa-voicechat/internal/pipeline"
	"github.com/loqalabs/loqa-voicechat/internal/stt"
	"github.com/loqalabs/loqa-voicechat/internal/tts"
)

const engineHeartbeat = 30 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *convstore.Store
	engines  *engine.Registry
	orch     *pipeline.Orchestrator
	control  *control.Service
	tts      *tts.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.close()
		_ = shutdownTelemetry(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(r.httpServer) })
	if r.metricsServer != nil {
		g.Go(func() error { return serve(r.metricsServer) })
	}
	if r.cfg.Pipeline.AutoInit {
		g.Go(func() error {
			if err := r.orch.Initialize(gctx); err != nil && gctx.Err() == nil {
				r.logger.Error("engine initialization failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("bus", r.bus.Conn().ConnectedUrl()))
	err = g.Wait()
	r.close()

	if r.tracerClose != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return err
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	}
	return nil
}

// build brings up the bus, the conversation store, the engines and the
// services around the orchestrator.
func (r *Runtime) build(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	store, err := convstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	r.store = store

	device, err := newAudioDevice(r.cfg.Audio)
	if err != nil {
		return err
	}
	recognizer, err := newRecognizer(r.cfg.STT, r.logger)
	if err != nil {
		return err
	}
	generator, err := llm.NewEngine(r.cfg.LLM, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create generation engine: %w", err)
	}

	r.engines = engine.NewRegistry(ctx, r.bus, engineHeartbeat, r.logger)
	source := audio.NewSource(device, r.cfg.Audio.BufferMS*audio.SampleRate/1000, r.logger)
	r.orch = pipeline.New(pipeline.Engines{
		Recognizer:      recognizer,
		RecognizerLife:  r.engines.Track("recognizer"),
		RecognizerModel: r.cfg.STT.ModelPath,
		Generator:       generator,
		GeneratorLife:   r.engines.Track("generator"),
		GeneratorModel:  r.cfg.LLM.ModelPath,
	}, source, store, pipeline.Options{
		ContextMessages:   r.cfg.Pipeline.ContextMessages,
		GenerationTimeout: time.Duration(r.cfg.Pipeline.GenerationTimeoutMS) * time.Millisecond,
		Recognition:       recognitionConfig(r.cfg.STT),
	}, r.logger)

	r.control = control.NewService(ctx, r.bus, r.orch, store, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("failed to start control service: %w", err)
	}

	synth, err := tts.NewSynthesizer(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}
	r.tts = tts.NewService(ctx, r.cfg.TTS, r.bus, synth, r.logger)
	if err := r.tts.Start(); err != nil {
		return fmt.Errorf("failed to start tts service: %w", err)
	}
	return nil
}

// close tears down whatever build created, outermost first.
func (r *Runtime) close() {
	if r.control != nil {
		r.control.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.orch != nil {
		if err := r.orch.Close(); err != nil {
			r.logger.Warn("pipeline close error", slog.String("error", err.Error()))
		}
	}
	if r.engines != nil {
		r.engines.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once the engines are loaded and the bus is up.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if reason := r.notReady(); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady() string {
	switch {
	case r.orch == nil:
		return "starting"
	case !r.bus.Healthy() || !r.control.Healthy():
		return "bus disconnected"
	case !r.engines.Healthy():
		return "engine faulted"
	}
	snap := r.orch.Snapshot()
	if failed, ok := snap.State.(pipeline.Failed); ok {
		return failed.Message
	}
	if snap.Status == pipeline.StatusIdle || snap.Status == pipeline.StatusModelLoading {
		return snap.Status.String()
	}
	return ""
}

func newAudioDevice(cfg config.AudioConfig) (audio.Device, error) {
	switch cfg.Device {
	case "exec":
		dev, err := audio.NewExecDevice(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio device: %w", err)
		}
		return dev, nil
	case "wav":
		return audio.WAVDevice{Path: cfg.File, Realtime: cfg.Realtime}, nil
	case "mock":
		// One spoken phrase between two pauses, repeated.
		return audio.SyntheticDevice{
			Segments: []audio.Segment{
				{Duration: 500 * time.Millisecond},
				{Duration: 1500 * time.Millisecond, Amplitude: 0.3},
				{Duration: 3 * time.Second},
			},
			Loop:     true,
			Realtime: cfg.Realtime,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported audio device %q", cfg.Device)
	}
}

func newRecognizer(cfg config.STTConfig, log *slog.Logger) (stt.Engine, error) {
	switch cfg.Mode {
	case "mock":
		return stt.NewMockEngine(), nil
	case "exec":
		eng, err := stt.NewExecEngine(cfg.Command, cfg.NumThreads, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create recognizer: %w", err)
		}
		return eng, nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func recognitionConfig(cfg config.STTConfig) stt.Config {
	return stt.Config{
		SampleRate:      cfg.SampleRate,
		EnergyThreshold: cfg.EnergyThreshold,
		Rules: stt.EndpointRules{
			Rule1MinTrailingSilence: time.Duration(cfg.Endpoint.Rule1MinTrailingSilenceMS) * time.Millisecond,
			Rule2MinTrailingSilence: time.Duration(cfg.Endpoint.Rule2MinTrailingSilenceMS) * time.Millisecond,
			Rule3MinUtterance:       time.Duration(cfg.Endpoint.Rule3MinUtteranceMS) * time.Millisecond,
		},
		DumpDir: cfg.DumpDir,
	}
}
