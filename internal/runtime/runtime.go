package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/correction"
	"github.com/loqalabs/loqa-vcc/internal/corrector"
	"github.com/loqalabs/loqa-vcc/internal/dispatch"
	"github.com/loqalabs/loqa-vcc/internal/eventstore"
	"github.com/loqalabs/loqa-vcc/internal/input"
	"github.com/loqalabs/loqa-vcc/internal/llm"
	"github.com/loqalabs/loqa-vcc/internal/natsserver"
	"github.com/loqalabs/loqa-vcc/internal/registry"
	"github.com/loqalabs/loqa-vcc/internal/router"
	"github.com/loqalabs/loqa-vcc/internal/sequencer"
	"github.com/loqalabs/loqa-vcc/internal/session"
	"github.com/loqalabs/loqa-vcc/internal/toolhost"
	"github.com/loqalabs/loqa-vcc/internal/tts"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	// stdin and stdout back the line reader when input.stdin is set.
	stdin  io.Reader
	stdout io.Writer

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	events    *eventstore.Store
	registry  *registry.Registry
	session   *session.Client
	sequencer *sequencer.Sequencer
	dispatch  *dispatch.Orchestrator
	router    *router.Service
	stopSpeak context.CancelFunc
}

func New(cfg config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: version,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
	}
}

// Start brings the relay up and blocks until ctx ends or the stdin reader
// reaches EOF, then drains queued speech and shuts down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startPipeline(ctx); err != nil {
		cancel()
		r.shutdown()
		return err
	}

	a := &api{
		submitter:     r.dispatch,
		ledger:        r.events,
		status:        r.status,
		ready:         r.isReady,
		metrics:       metricsHandler,
		maxBytes:      r.cfg.Input.MaxCommandSize,
		ratePerMinute: r.cfg.Input.RatePerMinute,
		logger:        r.logger.With(slog.String("component", "http")),
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	if r.cfg.Input.Stdin {
		reader := input.NewReader(r.dispatch, r.cfg.Input.MaxCommandSize, r.logger)
		// Not tracked by wg: a read on a terminal does not return on cancel.
		go func() {
			if err := reader.Run(ctx, r.stdin, r.stdout); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("stdin reader failed", slogError(err))
			}
			r.logger.Info("stdin closed; draining and stopping")
			cancel()
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("version", r.version),
		slog.String("transport", r.cfg.Correction.Transport),
		slog.String("tts", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.shutdown()
	return nil
}

func (r *Runtime) startPipeline(ctx context.Context) error {
	if r.cfg.NeedsBus() {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.events = events

	reg, err := registry.New(ctx, r.cfg.Registry, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start tool registry: %w", err)
	}
	r.registry = reg

	transport, err := r.buildTransport(ctx)
	if err != nil {
		return err
	}
	r.session = session.NewClient(reg, transport, r.logger)
	adapter := correction.NewAdapter(r.cfg.Correction, r.session, events, r.logger)

	sink, err := tts.NewSink(r.cfg.TTS, r.bus)
	if err != nil {
		return fmt.Errorf("failed to create speech sink: %w", err)
	}
	r.sequencer = sequencer.New(r.cfg.Sequencer, sink, events, r.logger)
	// Speech outlives ctx so queued utterances drain during shutdown.
	speakCtx, stopSpeak := context.WithCancel(context.WithoutCancel(ctx))
	r.stopSpeak = stopSpeak
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sequencer.Run(speakCtx)
	}()

	r.dispatch = dispatch.New(context.WithoutCancel(ctx), r.cfg.Correction, adapter, r.sequencer, r.logger)

	if r.bus != nil && r.cfg.Bus.Enabled {
		r.router = router.NewService(ctx, r.bus, r.dispatch, r.cfg.Input.MaxCommandSize, r.logger)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("failed to start bus intake: %w", err)
		}
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

// buildTransport selects the session transport and makes sure the registry
// learns about the correction tool behind it.
func (r *Runtime) buildTransport(ctx context.Context) (session.Transport, error) {
	cfg := r.cfg.Correction
	switch cfg.Transport {
	case "inproc":
		gen, err := llm.NewGenerator(r.cfg.Corrector)
		if err != nil {
			return nil, fmt.Errorf("failed to create corrector model: %w", err)
		}
		host := toolhost.New(r.cfg.RuntimeName+"-inproc", r.logger)
		host.Handle(cfg.Tool, corrector.Description, corrector.New(r.cfg.Corrector, gen, r.logger).Handle)
		r.registry.Register(registry.Tool{
			Name:        cfg.Tool,
			Description: corrector.Description,
			Transport:   cfg.Transport,
			HostID:      host.ID(),
			Healthy:     true,
		})
		return session.NewInProc(host), nil

	case "mcp-stdio", "mcp-http":
		var (
			t   *session.MCP
			err error
		)
		if cfg.Transport == "mcp-stdio" {
			t, err = session.NewMCPStdio(cfg.Command, r.version, r.logger)
			if err != nil {
				return nil, err
			}
		} else {
			t = session.NewMCPHTTP(cfg.Endpoint, r.version, r.logger)
		}
		discoverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = t.Discover(discoverCtx, r.registry)
		cancel()
		if err != nil {
			// Commands still flow; corrections fall back until the monitor
			// rediscovers the tool.
			r.logger.Warn("correction tool discovery failed", slog.String("tool", cfg.Tool), slogError(err))
			r.registry.Register(registry.Tool{Name: cfg.Tool, Transport: cfg.Transport, Reason: err.Error()})
		}
		interval := time.Duration(r.cfg.Registry.HeartbeatInterval) * time.Millisecond
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			t.Monitor(ctx, r.registry, cfg.Tool, interval)
		}()
		return t, nil

	case "nats":
		if r.bus == nil {
			return nil, errors.New("nats transport requires a bus connection")
		}
		return session.NewNATS(r.bus), nil

	default:
		return nil, fmt.Errorf("unknown correction transport %q", cfg.Transport)
	}
}

func (r *Runtime) status() Status {
	s := Status{
		Ready:     r.isReady(),
		Transport: r.cfg.Correction.Transport,
	}
	if r.dispatch != nil {
		s.Degraded = r.dispatch.Degraded()
		s.LastSequence = r.dispatch.LastSequence()
	}
	if r.sequencer != nil {
		s.Pending = r.sequencer.Pending()
		s.NextSequence = r.sequencer.Next()
	}
	if r.session != nil {
		s.Outstanding = r.session.Outstanding()
	}
	if r.registry != nil {
		s.Tools = r.registry.Tools()
	}
	return s
}

// isReady reports whether startup finished and every bus dependency is up.
func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.nats != nil && !r.nats.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.router == nil || r.router.Healthy()
}

// shutdown stops intake first, lets accepted commands reach the speaker, and
// only then tears down the transports they depend on.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.dispatch != nil {
		r.dispatch.Close()
	}
	if r.sequencer != nil {
		select {
		case <-r.sequencer.Drained():
		case <-shutdownCtx.Done():
			r.logger.Warn("speech backlog not drained before shutdown", slog.Int("pending", r.sequencer.Pending()))
		}
	}
	if r.stopSpeak != nil {
		r.stopSpeak()
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.logger.Warn("session close error", slogError(err))
		}
	}
	r.wg.Wait()

	if r.registry != nil {
		r.registry.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}
