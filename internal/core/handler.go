package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/coordd/internal/bqueue"
	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/svcfields"
	"pkt.systems/coordd/internal/wire"
)

// ViolationReporter is told about connections that broke the protocol.
type ViolationReporter interface {
	ReportViolation(remote, reason string)
}

// HandlerConfig wires a Handler to the coordinator's queues.
type HandlerConfig struct {
	Queues     Queues
	Clock      clock.Clock
	Logger     pslog.Logger
	Violations ViolationReporter
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Handler runs the per-connection protocol: read a Request, enqueue it, wait
// for the grant, send Grant, read a Release, forward it. A connection carries
// exactly one such cycle.
type Handler struct {
	queues     Queues
	clock      clock.Clock
	logger     pslog.Logger
	violations ViolationReporter
	tracer     trace.Tracer
}

// NewHandler returns a Handler feeding cfg.Queues.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Queues.Requests == nil || cfg.Queues.Releases == nil {
		return nil, errors.New("core: handler requires request and release queues")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	return &Handler{
		queues:     cfg.Queues,
		clock:      cfg.Clock,
		logger:     svcfields.WithSubsystem(cfg.Logger, "core", "conn"),
		violations: cfg.Violations,
		tracer:     cfg.TracerProvider.Tracer("pkt.systems/coordd/core"),
	}, nil
}

type stage string

const (
	stageAwaitRequest stage = "await_request"
	stageEnqueue      stage = "enqueue"
	stageAwaitGrant   stage = "await_grant"
	stageSendGrant    stage = "send_grant"
	stageAwaitRelease stage = "await_release"
	stageForward      stage = "forward_release"
)

// StageError reports where in the protocol a connection failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func fail(s stage, err error) error {
	return &StageError{Stage: string(s), Err: err}
}

// Serve runs the protocol on conn and closes it before returning. The
// returned error is nil for a completed cycle; a protocol violation wraps
// wire.ErrProtocolViolation. Cancelling ctx closes the connection and
// abandons any wait for the grant.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	remote := remoteAddr(conn)
	logger := h.logger.With(svcfields.ConnKey, newConnID(), "remote", remote)
	err := h.serve(ctx, conn, logger)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		logger.Debug("conn.shutdown", "error", err)
		return err
	}
	var se *StageError
	stageName := ""
	if errors.As(err, &se) {
		stageName = se.Stage
	}
	// Once the grant has been issued the coordinator waits for this
	// connection's release; failing here leaves it blocked.
	abandoned := stageName == string(stageSendGrant) ||
		stageName == string(stageAwaitRelease) ||
		stageName == string(stageForward)
	switch {
	case errors.Is(err, wire.ErrProtocolViolation):
		logger.Warn("coordd.conn.protocol_violation", "stage", stageName, "grant_abandoned", abandoned, "error", err)
		if h.violations != nil {
			h.violations.ReportViolation(remote, stageName)
		}
	case abandoned:
		logger.Error("coordd.conn.abandoned_grant", "stage", stageName, "error", err)
	case stageName == string(stageAwaitRequest) && errors.Is(err, io.EOF):
		logger.Debug("coordd.conn.closed_before_request")
	default:
		logger.Warn("coordd.conn.io_failure", "stage", stageName, "error", err)
	}
	return err
}

func (h *Handler) serve(ctx context.Context, conn net.Conn, logger pslog.Logger) error {
	req, err := wire.Expect(conn, wire.OpRequest)
	if err != nil {
		return fail(stageAwaitRequest, err)
	}
	id := req.ProcessID
	logger = logger.With(svcfields.ProcessKey, id)

	ctx, span := h.tracer.Start(ctx, "coordd.acquire", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("coordd.process_id", int64(id)),
		attribute.String("net.peer.addr", remoteAddr(conn)),
	)
	finish := func(err error) error {
		if err != nil {
			var se *StageError
			if errors.As(err, &se) {
				span.SetAttributes(attribute.String("coordd.stage", se.Stage))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, failureClass(ctx, err))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}

	pending := NewRequest(req, h.clock.Now())
	if err := h.queues.Requests.Send(pending); err != nil {
		return finish(fail(stageEnqueue, err))
	}
	span.AddEvent("coordd.enqueued")
	logger.Trace("conn.enqueued")

	select {
	case <-pending.Granted():
	case <-ctx.Done():
		return finish(fail(stageAwaitGrant, ctx.Err()))
	}
	span.AddEvent("coordd.granted")

	if err := wire.WriteFrame(conn, wire.Frame{Op: wire.OpGrant, ProcessID: id}); err != nil {
		return finish(fail(stageSendGrant, err))
	}
	logger.Debug("conn.granted")

	rel, err := wire.Expect(conn, wire.OpRelease)
	if err != nil {
		return finish(fail(stageAwaitRelease, err))
	}
	if err := h.queues.Releases.Send(rel.ProcessID); err != nil {
		return finish(fail(stageForward, err))
	}
	span.AddEvent("coordd.released")
	logger.Debug("conn.released", "released", rel.ProcessID)
	return finish(nil)
}

// failureClass names why a cycle ended early: shutdown, protocol_violation
// or io_failure.
func failureClass(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil, errors.Is(err, bqueue.ErrClosed):
		return "shutdown"
	case errors.Is(err, wire.ErrProtocolViolation):
		return "protocol_violation"
	default:
		return "io_failure"
	}
}

func remoteAddr(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func newConnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
