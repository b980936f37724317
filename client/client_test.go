package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"pkt.systems/coordd/internal/wire"
)

// scriptedServer accepts one connection, reads a Request, answers with
// reply(request) and then reports the next frame the client sends.
func scriptedServer(t *testing.T, reply func(wire.Frame) []byte) (string, <-chan wire.Frame) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	released := make(chan wire.Frame, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		out := reply(req)
		if out == nil {
			<-time.After(5 * time.Second)
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
		if rel, err := wire.ReadFrame(conn); err == nil {
			released <- rel
		}
	}()
	return ln.Addr().String(), released
}

func frameBytes(op wire.Operation, id uint32) []byte {
	b := wire.Encode(wire.Frame{Op: op, ProcessID: id})
	return b[:]
}

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	addr, released := scriptedServer(t, func(req wire.Frame) []byte {
		return frameBytes(wire.OpGrant, req.ProcessID)
	})
	cli, err := New(addr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	hold, err := cli.Acquire(context.Background(), 4242)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if hold.ProcessID() != 4242 || hold.GrantedAt().IsZero() {
		t.Fatalf("unexpected hold %+v", hold)
	}
	if err := hold.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case f := <-released:
		if f != (wire.Frame{Op: wire.OpRelease, ProcessID: 4242}) {
			t.Fatalf("server saw %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the release")
	}
	if err := hold.Release(); !errors.Is(err, ErrReleased) {
		t.Fatalf("second release: %v", err)
	}
}

func TestGrantValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		reply   []byte
		lenient bool
		wantErr bool
	}{
		{name: "strict exact", reply: frameBytes(wire.OpGrant, 7)},
		{name: "strict wrong id", reply: frameBytes(wire.OpGrant, 8), wantErr: true},
		{name: "strict wrong op", reply: frameBytes(wire.OpRelease, 7), wantErr: true},
		{name: "strict both wrong", reply: frameBytes(wire.OpRequest, 9), wantErr: true},
		{name: "lenient wrong id", reply: frameBytes(wire.OpGrant, 8), lenient: true},
		{name: "lenient wrong op", reply: frameBytes(wire.OpRelease, 7), lenient: true},
		{name: "lenient both wrong", reply: frameBytes(wire.OpRequest, 9), lenient: true, wantErr: true},
		{name: "undecodable", reply: []byte{9, 0, 0, 0, 7}, lenient: true, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			addr, _ := scriptedServer(t, func(wire.Frame) []byte { return tc.reply })
			var opts []Option
			if tc.lenient {
				opts = append(opts, WithLenientGrantCheck())
			}
			cli, err := New(addr, opts...)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			hold, err := cli.Acquire(context.Background(), 7)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidGrant) {
					t.Fatalf("expected ErrInvalidGrant, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}
			_ = hold.Release()
		})
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	addr, _ := scriptedServer(t, func(wire.Frame) []byte { return nil })
	cli, err := New(addr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := cli.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAcquireServerClosesEarly(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()
	cli, _ := New(ln.Addr().String())
	if _, err := cli.Acquire(context.Background(), 1); err == nil || errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("expected I/O error, got %v", err)
	}
}

func TestNewRequiresAddress(t *testing.T) {
	t.Parallel()
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for blank address")
	}
	cli, err := New(" 127.0.0.1:1 ", WithNetwork("tcp4"), WithDialer(nil), WithLogger(nil), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.Addr() != "127.0.0.1:1" || cli.network != "tcp4" || cli.dialer == nil {
		t.Fatalf("unexpected client %+v", cli)
	}
}
