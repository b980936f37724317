package coordd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coordd/client"
	"pkt.systems/coordd/internal/clock"
)

// TestServer wraps a running coordd.Server with convenient handles for tests.
type TestServer struct {
	Server *Server
	Config Config
	Client *client.Client

	stop   func(context.Context) error
	tmpDir string
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) > 0 {
			w.t.Log(string(line))
		}
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger that writes through t.Log.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: level,
	}).With("app", "testserver")
}

// Addr returns the host:port the server listens on.
func (ts *TestServer) Addr() string {
	if ts == nil || ts.Server == nil {
		return ""
	}
	if addr := ts.Server.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// LogFile returns the event log path.
func (ts *TestServer) LogFile() string {
	return ts.Config.LogFile
}

// NewClient returns a client for the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.New(ts.Addr(), opts...)
}

// Stop shuts the server down and removes its temporary directory.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	err := ts.stop(ctx)
	if ts.tmpDir != "" {
		_ = os.RemoveAll(ts.tmpDir)
		ts.tmpDir = ""
	}
	return err
}

type testServerOptions struct {
	cfgFuncs      []func(*Config)
	serverOptions []Option
	clientOptions []client.Option
	startTimeout  time.Duration
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc mutates the config before the server is built.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.cfgFuncs = append(o.cfgFuncs, fn)
		}
	}
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOptions = append(o.serverOptions, WithLogger(logger))
	}
}

// WithTestLoggerFromTB routes server logs through tb at level.
func WithTestLoggerFromTB(tb testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOptions = append(o.serverOptions, WithLogger(NewTestingLogger(tb, level)))
	}
}

// WithTestClock injects the server clock.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOptions = append(o.serverOptions, WithClock(c))
	}
}

// WithTestServerOptions passes raw server options through.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOptions = append(o.serverOptions, opts...)
	}
}

// WithTestClientOptions configures the convenience client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOptions = append(o.clientOptions, opts...)
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

// NewTestServer starts a server on 127.0.0.1 with an ephemeral port and an
// event log in a fresh temporary directory.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{startTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&options)
	}
	tmpDir, err := os.MkdirTemp("", "coordd-test-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	cfg := Config{
		Listen:      "127.0.0.1:0",
		ListenProto: "tcp",
		LogFile:     filepath.Join(tmpDir, DefaultLogFile),
		LogNoSync:   true,
	}
	for _, fn := range options.cfgFuncs {
		fn(&cfg)
	}
	if cfg.ListenProto == "unix" && strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = filepath.Join(tmpDir, "coordd.sock")
	}

	startCtx, cancel := context.WithTimeout(ctx, options.startTimeout)
	defer cancel()
	srv, stop, err := StartServer(startCtx, cfg, options.serverOptions...)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	ts := &TestServer{Server: srv, Config: srv.Config(), stop: stop, tmpDir: tmpDir}
	clientOpts := options.clientOptions
	if cfg.ListenProto == "unix" {
		clientOpts = append([]client.Option{client.WithNetwork("unix")}, clientOpts...)
	}
	cli, err := ts.NewClient(clientOpts...)
	if err != nil {
		_ = ts.Stop(context.Background())
		return nil, err
	}
	ts.Client = cli
	return ts, nil
}

// StartTestServer is NewTestServer that fails the test on error and stops the
// server in t.Cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
