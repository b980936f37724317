package core

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coordd/internal/wire"
)

type violationLog struct {
	mu      sync.Mutex
	reasons []string
}

func (v *violationLog) ReportViolation(_ string, reason string) {
	v.mu.Lock()
	v.reasons = append(v.reasons, reason)
	v.mu.Unlock()
}

func (v *violationLog) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.reasons)
}

func newTestHandler(t *testing.T, queues Queues, violations ViolationReporter) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerConfig{Queues: queues, Logger: pslog.NoopLogger(), Violations: violations})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

// serveAsync runs the handler on the server side of a pipe and returns the
// client side plus a channel carrying Serve's result.
func serveAsync(ctx context.Context, h *Handler) (net.Conn, <-chan error) {
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, server) }()
	return client, done
}

func awaitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
		return nil
	}
}

func TestHandlerFullCycle(t *testing.T) {
	t.Parallel()

	co := startCoordinator(t, ReleaseLenient)
	h := newTestHandler(t, co.queues, nil)
	client, done := serveAsync(context.Background(), h)
	defer client.Close()

	if err := wire.WriteFrame(client, wire.Frame{Op: wire.OpRequest, ProcessID: 11}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	grant, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("read grant: %v", err)
	}
	if grant != (wire.Frame{Op: wire.OpGrant, ProcessID: 11}) {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if err := wire.WriteFrame(client, wire.Frame{Op: wire.OpRelease, ProcessID: 11}); err != nil {
		t.Fatalf("write release: %v", err)
	}
	if err := awaitServe(t, done); err != nil {
		t.Fatalf("serve: %v", err)
	}
	waitFor(t, func() bool {
		_, held := co.coord.Holder()
		return !held && co.coord.Counts()[11] == 1
	})
}

// Two clients connect; the second's request is queued behind the first and
// is only granted once the first releases.
func TestHandlerSecondClientWaitsForRelease(t *testing.T) {
	t.Parallel()

	co := startCoordinator(t, ReleaseLenient)
	h := newTestHandler(t, co.queues, nil)
	a, doneA := serveAsync(context.Background(), h)
	defer a.Close()
	b, doneB := serveAsync(context.Background(), h)
	defer b.Close()

	if err := wire.WriteFrame(a, wire.Frame{Op: wire.OpRequest, ProcessID: 1}); err != nil {
		t.Fatalf("a request: %v", err)
	}
	if g, err := wire.ReadFrame(a); err != nil || g.Op != wire.OpGrant || g.ProcessID != 1 {
		t.Fatalf("a grant: %+v %v", g, err)
	}
	if err := wire.WriteFrame(b, wire.Frame{Op: wire.OpRequest, ProcessID: 2}); err != nil {
		t.Fatalf("b request: %v", err)
	}
	waitFor(t, func() bool { return co.queues.Requests.Len() == 1 })

	bGrant := make(chan wire.Frame, 1)
	go func() {
		f, err := wire.ReadFrame(b)
		if err == nil {
			bGrant <- f
		}
	}()
	select {
	case f := <-bGrant:
		t.Fatalf("b granted before a released: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	if err := wire.WriteFrame(a, wire.Frame{Op: wire.OpRelease, ProcessID: 1}); err != nil {
		t.Fatalf("a release: %v", err)
	}
	select {
	case f := <-bGrant:
		if f.Op != wire.OpGrant || f.ProcessID != 2 {
			t.Fatalf("b grant=%+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b not granted after a released")
	}
	if err := wire.WriteFrame(b, wire.Frame{Op: wire.OpRelease, ProcessID: 2}); err != nil {
		t.Fatalf("b release: %v", err)
	}
	if err := awaitServe(t, doneA); err != nil {
		t.Fatalf("serve a: %v", err)
	}
	if err := awaitServe(t, doneB); err != nil {
		t.Fatalf("serve b: %v", err)
	}
}

func TestHandlerRejectsNonRequestFirstFrame(t *testing.T) {
	t.Parallel()

	queues := NewQueues()
	violations := &violationLog{}
	h := newTestHandler(t, queues, violations)
	client, done := serveAsync(context.Background(), h)
	defer client.Close()

	if err := wire.WriteFrame(client, wire.Frame{Op: wire.OpRelease, ProcessID: 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := awaitServe(t, done)
	if !errors.Is(err, wire.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != string(stageAwaitRequest) {
		t.Fatalf("expected await_request stage, got %v", err)
	}
	if queues.Requests.Len() != 0 {
		t.Fatal("violating connection must not enqueue")
	}
	if violations.count() != 1 {
		t.Fatalf("violations=%d want 1", violations.count())
	}
	if _, err := wire.ReadFrame(client); err == nil {
		t.Fatal("expected connection to be closed without a reply")
	}
}

func TestHandlerRejectsUndecodableFrame(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, NewQueues(), nil)
	client, done := serveAsync(context.Background(), h)
	defer client.Close()
	if _, err := client.Write([]byte{0, 0, 0, 0, 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := awaitServe(t, done); !errors.Is(err, wire.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

// A bad second frame aborts the connection, but the grant already issued is
// not revoked: the coordinator keeps the process as holder.
func TestHandlerBadReleaseKeepsGrant(t *testing.T) {
	t.Parallel()

	co := startCoordinator(t, ReleaseLenient)
	violations := &violationLog{}
	h := newTestHandler(t, co.queues, violations)
	client, done := serveAsync(context.Background(), h)
	defer client.Close()

	_ = wire.WriteFrame(client, wire.Frame{Op: wire.OpRequest, ProcessID: 3})
	if _, err := wire.ReadFrame(client); err != nil {
		t.Fatalf("read grant: %v", err)
	}
	_ = wire.WriteFrame(client, wire.Frame{Op: wire.OpRequest, ProcessID: 3})
	err := awaitServe(t, done)
	if !errors.Is(err, wire.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if holder, ok := co.coord.Holder(); !ok || holder != 3 {
		t.Fatalf("holder=%d ok=%v want 3", holder, ok)
	}
	if violations.count() != 1 {
		t.Fatalf("violations=%d", violations.count())
	}
}

// A client that disconnects after its grant leaves the coordinator waiting
// for a release that never arrives.
func TestHandlerDisconnectAfterGrantStallsCoordinator(t *testing.T) {
	t.Parallel()

	co := startCoordinator(t, ReleaseLenient)
	h := newTestHandler(t, co.queues, nil)
	client, done := serveAsync(context.Background(), h)

	_ = wire.WriteFrame(client, wire.Frame{Op: wire.OpRequest, ProcessID: 4})
	if _, err := wire.ReadFrame(client); err != nil {
		t.Fatalf("read grant: %v", err)
	}
	_ = client.Close()
	if err := awaitServe(t, done); err == nil {
		t.Fatal("expected I/O failure")
	}

	next := NewRequest(wire.Frame{Op: wire.OpRequest, ProcessID: 5}, time.Time{})
	_ = co.queues.Requests.Send(next)
	assertNotGranted(t, next, 150*time.Millisecond)
	if holder, _ := co.coord.Holder(); holder != 4 {
		t.Fatalf("holder=%d want 4", holder)
	}
}

func TestHandlerCancelWhileAwaitingGrant(t *testing.T) {
	t.Parallel()

	queues := NewQueues()
	h := newTestHandler(t, queues, nil)
	ctx, cancel := context.WithCancel(context.Background())
	client, done := serveAsync(ctx, h)
	defer client.Close()

	_ = wire.WriteFrame(client, wire.Frame{Op: wire.OpRequest, ProcessID: 6})
	waitFor(t, func() bool { return queues.Requests.Len() == 1 })
	cancel()
	if err := awaitServe(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandlersProvideMutualExclusion(t *testing.T) {
	t.Parallel()

	const clients = 24
	co := startCoordinator(t, ReleaseLenient)
	h := newTestHandler(t, co.queues, nil)

	var inside atomic.Int32
	var overlaps atomic.Int32
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 1; i <= clients; i++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			conn, done := serveAsync(context.Background(), h)
			defer conn.Close()
			if err := wire.WriteFrame(conn, wire.Frame{Op: wire.OpRequest, ProcessID: id}); err != nil {
				t.Errorf("request %d: %v", id, err)
				return
			}
			g, err := wire.ReadFrame(conn)
			if err != nil || g.Op != wire.OpGrant || g.ProcessID != id {
				t.Errorf("grant %d: %+v %v", id, g, err)
				return
			}
			if inside.Add(1) != 1 {
				overlaps.Add(1)
			}
			granted.Add(1)
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			if err := wire.WriteFrame(conn, wire.Frame{Op: wire.OpRelease, ProcessID: id}); err != nil {
				t.Errorf("release %d: %v", id, err)
				return
			}
			if err := <-done; err != nil {
				t.Errorf("serve %d: %v", id, err)
			}
		}(uint32(i))
	}
	wg.Wait()
	if overlaps.Load() != 0 {
		t.Fatalf("%d overlapping holds observed", overlaps.Load())
	}
	if granted.Load() != clients {
		t.Fatalf("granted=%d want %d", granted.Load(), clients)
	}
	counts := co.coord.Counts()
	for i := uint32(1); i <= clients; i++ {
		if counts[i] != 1 {
			t.Fatalf("count[%d]=%d want 1", i, counts[i])
		}
	}
}
