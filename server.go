package coordd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/coordd/internal/archive"
	"pkt.systems/coordd/internal/bqueue"
	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/connguard"
	"pkt.systems/coordd/internal/core"
	"pkt.systems/coordd/internal/eventlog"
	"pkt.systems/coordd/internal/svcfields"
)

// Server owns the listener, the coordinator and every connection handler.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	events    *eventlog.Log
	queues    core.Queues
	coord     *core.Coordinator
	handler   *core.Handler
	guard     *connguard.Guard
	archiver  *archive.Archiver
	telemetry *telemetryBundle

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
	loops  sync.WaitGroup

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	started    bool
	shutdown   bool

	shutdownDone chan struct{}
	shutdownErr  error

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	ArchiveCreds *credentials.Credentials
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects the clock used for event timestamps and metrics.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithArchiveCredentials overrides the credential chain used when uploading
// the event log to cfg.ArchiveStore.
func WithArchiveCredentials(creds *credentials.Credentials) Option {
	return func(o *options) {
		o.ArchiveCreds = creds
	}
}

// NewServer validates cfg and builds a server. The event log is opened here so
// an unwritable path fails before anything listens.
//
//	srv, err := coordd.NewServer(coordd.Config{Listen: ":8080", LogFile: "coordd.log"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	logger := svcfields.WithSubsystem(o.Logger, "server", "lifecycle")

	var archiver *archive.Archiver
	if cfg.ArchiveStore != "" {
		target, err := archive.ParseURL(cfg.ArchiveStore)
		if err != nil {
			return nil, fmt.Errorf("config: archive store: %w", err)
		}
		archiver, err = archive.New(target, archive.Options{
			Credentials: o.ArchiveCreds,
			Clock:       o.Clock,
			Logger:      o.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	// Instruments bind to the global meter provider when the coordinator is
	// built, so telemetry has to be installed first.
	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(o.Logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if telemetry != nil {
			_ = telemetry.Shutdown(context.Background())
		}
	}

	events, err := eventlog.Open(cfg.LogFile, eventlog.Options{NoSync: cfg.LogNoSync})
	if err != nil {
		cleanup()
		return nil, err
	}
	queues := core.NewQueues()
	policy, _ := core.ParseReleasePolicy(cfg.ReleasePolicy)
	coord, err := core.NewCoordinator(core.CoordinatorConfig{
		Queues:        queues,
		Events:        events,
		Clock:         o.Clock,
		Logger:        o.Logger,
		ReleasePolicy: policy,
	})
	if err != nil {
		_ = events.Close()
		cleanup()
		return nil, err
	}
	guard := connguard.New(connguard.Config{
		Enabled:          cfg.ConnguardEnabled,
		FailureThreshold: cfg.ConnguardFailureThreshold,
		FailureWindow:    cfg.ConnguardFailureWindow,
		BlockDuration:    cfg.ConnguardBlockDuration,
	}, o.Clock, o.Logger)
	hcfg := core.HandlerConfig{Queues: queues, Clock: o.Clock, Logger: o.Logger}
	if guard.Enabled() {
		hcfg.Violations = guard
	}
	handler, err := core.NewHandler(hcfg)
	if err != nil {
		_ = events.Close()
		cleanup()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    logger,
		clock:     o.Clock,
		events:    events,
		queues:    queues,
		coord:     coord,
		handler:   handler,
		guard:     guard,
		archiver:  archiver,
		telemetry: telemetry,
		ctx:       ctx,
		cancel:    cancel,
		readyCh:   make(chan struct{}),

		shutdownDone: make(chan struct{}),
	}, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Coordinator exposes the arbiter for introspection.
func (s *Server) Coordinator() *core.Coordinator {
	return s.coord
}

// Start binds the listener, starts the coordinator and accepts connections
// until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server: already shut down")
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		s.logger.Error("server.listen.failed", "network", s.cfg.ListenProto, "address", s.cfg.Listen, "error", err)
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	ln = s.guard.WrapListener(ln)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.loops.Add(1)
	s.mu.Unlock()

	go s.runCoordinator()
	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"event_log", s.events.Path(),
		"release_policy", s.cfg.ReleasePolicy,
		"connguard", s.guard.Enabled())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("server.accept.retry", "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.logger.Error("server.accept.failed", "error", err)
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			_ = s.handler.Serve(s.ctx, conn)
		}()
	}
}

func (s *Server) runCoordinator() {
	defer s.loops.Done()
	err := s.coord.Run(s.ctx)
	if err == nil || errors.Is(err, bqueue.ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("server.coordinator.failed", "error", err)
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitForReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitForReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, aborts every connection and the coordinator,
// closes the event log, archives it when configured and stops telemetry.
// Outstanding grants are dropped; there is no drain. A call made while
// another shutdown is running waits for it (bounded by ctx) and returns its
// result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		select {
		case <-s.shutdownDone:
			return s.shutdownErr
		case <-ctx.Done():
			return fmt.Errorf("server: wait for shutdown in progress: %w", ctx.Err())
		}
	}
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	err := s.stop(ctx, ln)
	s.shutdownErr = err
	close(s.shutdownDone)
	return err
}

func (s *Server) stop(ctx context.Context, ln net.Listener) error {
	s.logger.Info("server.shutdown.begin")
	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	s.cancel()
	s.queues.Close()
	if err := waitGroupContext(ctx, &s.conns, &s.loops); err != nil {
		s.logger.Warn("server.shutdown.wait_timeout", "error", err)
		errs = append(errs, err)
	}
	if err := s.events.Close(); err != nil && !errors.Is(err, eventlog.ErrClosed) {
		errs = append(errs, err)
	}
	if s.archiver != nil {
		if _, err := s.archiver.Upload(ctx, s.events.Path()); err != nil {
			errs = append(errs, err)
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close is Shutdown without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func waitGroupContext(ctx context.Context, groups ...*sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		for _, wg := range groups {
			wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for connections: %w", ctx.Err())
	}
}

// StartServer starts a server in the background and waits until it is ready.
// The returned stop function shuts it down and waits for Start to return.
// When ctx is cancelled the server is stopped automatically.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server: stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Shutdown(shutdownCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = stop(context.Background())
		case <-srv.ctx.Done():
		}
	}()
	return srv, stop, nil
}
