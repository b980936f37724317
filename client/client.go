package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coordd/internal/svcfields"
	"pkt.systems/coordd/internal/wire"
)

// ErrInvalidGrant is returned when the coordinator's reply to a Request is
// not an acceptable Grant.
var ErrInvalidGrant = errors.New("coordd: invalid grant")

// ErrReleased is returned by Release on a Hold that was already released.
var ErrReleased = errors.New("coordd: hold already released")

// Client acquires the coordinator's critical region.
type Client struct {
	addr    string
	network string
	dialer  *net.Dialer
	logger  pslog.Logger
	lenient bool
}

// Option customises client construction.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics. Passing nil falls back
// to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.WithSubsystem(logger, "client")
	}
}

// WithDialer replaces the dialer used for every acquisition.
func WithDialer(d *net.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithNetwork selects the dial network (default "tcp").
func WithNetwork(network string) Option {
	return func(c *Client) {
		if network = strings.TrimSpace(network); network != "" {
			c.network = network
		}
	}
}

// WithLenientGrantCheck accepts a reply whose operation is Grant or whose
// process id matches the request, instead of requiring both.
func WithLenientGrantCheck() Option {
	return func(c *Client) {
		c.lenient = true
	}
}

// New returns a Client for the coordinator at addr (host:port).
func New(addr string, opts ...Option) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("coordd: address is required")
	}
	c := &Client{
		addr:    addr,
		network: "tcp",
		dialer:  &net.Dialer{Timeout: 10 * time.Second},
		logger:  svcfields.WithSubsystem(nil, "client"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Addr returns the coordinator address.
func (c *Client) Addr() string {
	return c.addr
}

// Acquire blocks until the coordinator grants process id the critical
// region. Cancelling ctx while waiting closes the connection; the request
// may still be granted by the coordinator, which then waits for a release
// that never comes.
func (c *Client) Acquire(ctx context.Context, id uint32) (*Hold, error) {
	conn, err := c.dialer.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return nil, fmt.Errorf("coordd: dial %s: %w", c.addr, err)
	}
	logger := c.logger.With(svcfields.ProcessKey, id)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	reply, err := c.request(conn, id)
	if !stop() && ctx.Err() != nil {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		logger.Warn("client.acquire.failed", "error", err)
		return nil, err
	}
	if !c.acceptable(reply, id) {
		_ = conn.Close()
		logger.Warn("client.acquire.invalid_grant", "op", reply.Op.String(), "reply_pid", reply.ProcessID)
		return nil, fmt.Errorf("%w: got %s for %d", ErrInvalidGrant, reply.Op, reply.ProcessID)
	}
	logger.Debug("client.acquire.granted")
	return &Hold{conn: conn, id: id, grantedAt: time.Now(), logger: logger}, nil
}

func (c *Client) request(conn net.Conn, id uint32) (wire.Frame, error) {
	if err := wire.WriteFrame(conn, wire.Frame{Op: wire.OpRequest, ProcessID: id}); err != nil {
		return wire.Frame{}, fmt.Errorf("coordd: send request: %w", err)
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		if errors.Is(err, wire.ErrProtocolViolation) {
			return wire.Frame{}, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
		}
		return wire.Frame{}, fmt.Errorf("coordd: receive grant: %w", err)
	}
	return reply, nil
}

func (c *Client) acceptable(reply wire.Frame, id uint32) bool {
	opOK := reply.Op == wire.OpGrant
	idOK := reply.ProcessID == id
	if c.lenient {
		return opOK || idOK
	}
	return opOK && idOK
}

// Hold is a granted critical region.
type Hold struct {
	conn      net.Conn
	id        uint32
	grantedAt time.Time
	logger    pslog.Logger

	once sync.Once
	err  error
}

// ProcessID returns the id the region was granted to.
func (h *Hold) ProcessID() uint32 {
	return h.id
}

// GrantedAt returns when the grant was received.
func (h *Hold) GrantedAt() time.Time {
	return h.grantedAt
}

// Release sends the Release frame and closes the connection. Calling it
// again returns ErrReleased.
func (h *Hold) Release() error {
	released := false
	h.once.Do(func() {
		released = true
		werr := wire.WriteFrame(h.conn, wire.Frame{Op: wire.OpRelease, ProcessID: h.id})
		cerr := h.conn.Close()
		if werr != nil {
			h.err = fmt.Errorf("coordd: send release: %w", werr)
		} else if cerr != nil {
			h.err = fmt.Errorf("coordd: close: %w", cerr)
		}
		h.logger.Debug("client.release", "held", time.Since(h.grantedAt), "error", h.err)
	})
	if !released {
		return ErrReleased
	}
	return h.err
}
