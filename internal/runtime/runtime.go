package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voxedit/internal/audiofile"
	"github.com/loqalabs/voxedit/internal/bus"
	"github.com/loqalabs/voxedit/internal/config"
	"github.com/loqalabs/voxedit/internal/editor"
	"github.com/loqalabs/voxedit/internal/history"
	"github.com/loqalabs/voxedit/internal/launcher"
	"github.com/loqalabs/voxedit/internal/natsserver"
	"github.com/loqalabs/voxedit/internal/protocol"
	"github.com/loqalabs/voxedit/internal/render"
	"github.com/loqalabs/voxedit/internal/session"
	"github.com/loqalabs/voxedit/internal/synth"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	history  *history.Store
	launcher *launcher.Launcher
	session  *session.Controller
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
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("GET /metrics", metricHandler)
	}
	var journal journalReader
	if r.history != nil {
		journal = r.history
	}
	newAPI(r.session, journal, r.logger).register(mux)
	if r.bus != nil {
		mux.HandleFunc("GET /api/events", r.handleEvents)
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

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metricHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("metrics", r.cfg.Telemetry.PrometheusBind))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	temp, err := audiofile.NewTempStore(r.cfg.Output.TempDir, r.cfg.Output.TempPrefix, r.logger)
	if err != nil {
		return fmt.Errorf("prepare temp dir: %w", err)
	}
	if removed, err := temp.Cleanup(); err != nil {
		r.logger.Warn("stale temp cleanup incomplete", slog.String("error", err.Error()))
	} else if removed > 0 {
		r.logger.Info("removed stale temp files", slog.Int("count", removed))
	}

	r.history, err = history.Open(ctx, r.cfg.History, r.logger.With(slog.String("component", "history")))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}

	var pub session.Publisher
	var view editor.Renderer
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		r.embedded, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		if r.embedded != nil {
			busCfg.Servers = []string{r.embedded.ClientURL()}
		}
		r.bus, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		pub = r.bus
		view = render.NewBusRenderer(r.bus, r.logger)
	}

	r.launcher, err = launcher.New(r.cfg.Synth, r.logger, func(st launcher.Stage) {
		if pub == nil {
			return
		}
		msg := protocol.BackendStage{Stage: st.String(), Timestamp: time.Now().UTC()}
		if err := pub.PublishJSON(protocol.SubjectBackendStage, msg); err != nil {
			r.logger.Warn("failed to publish backend stage", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	if err := r.launcher.Start(ctx); err != nil {
		return err
	}

	client := synth.NewClient(r.cfg.Synth.Endpoint, time.Duration(r.cfg.Synth.TimeoutMS)*time.Millisecond)
	deps := session.Deps{
		Synth:     client,
		Journal:   r.history,
		Publisher: pub,
		Temp:      temp,
		Renderer:  view,
		Logger:    r.logger,
	}
	r.session, err = session.New(session.OptionsFromConfig(r.cfg), deps)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.awaitBackend(ctx)
	}()
	return nil
}

// awaitBackend waits for the inference server to finish booting, then applies
// the configured vocoder mode.
func (r *Runtime) awaitBackend(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.Synth.StartupTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := r.launcher.WaitReady(waitCtx); err != nil {
		if ctx.Err() == nil {
			r.logger.Error("inference server not ready",
				slog.String("stage", r.launcher.Stage().String()),
				slog.String("error", err.Error()))
		}
		return
	}
	r.logger.Info("inference server ready")
	if !r.cfg.Synth.QuickAndDirty {
		return
	}
	if err := r.session.SetQuickAndDirty(ctx, true); err != nil {
		r.logger.Warn("failed to apply vocoder mode", slog.String("error", err.Error()))
	}
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	if r.session != nil {
		r.session.Close()
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	stage := launcher.Idle
	if r.launcher != nil {
		stage = r.launcher.Stage()
	}
	if r.ready.Load() && stage == launcher.Ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready: " + stage.String()))
}
