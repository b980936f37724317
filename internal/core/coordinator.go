package core

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/coordd/internal/clock"
	"pkt.systems/coordd/internal/svcfields"
	"pkt.systems/coordd/internal/wire"
)

// CoordinatorConfig wires a Coordinator to its queues and collaborators.
type CoordinatorConfig struct {
	Queues        Queues
	Events        EventRecorder
	Clock         clock.Clock
	Logger        pslog.Logger
	ReleasePolicy ReleasePolicy
}

// Coordinator is the single arbiter of the critical region. Run consumes the
// request queue one entry at a time and does not dequeue the next request
// until a release has been received, which is what guarantees that at most
// one client holds the region.
type Coordinator struct {
	queues  Queues
	events  EventRecorder
	clock   clock.Clock
	logger  pslog.Logger
	policy  ReleasePolicy
	metrics *coordinatorMetrics

	mu        sync.RWMutex
	holder    uint32
	holding   bool
	grantedAt time.Time
	counts    map[uint32]uint64
}

// NewCoordinator validates cfg and returns an idle coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Queues.Requests == nil || cfg.Queues.Releases == nil {
		return nil, errors.New("core: coordinator requires request and release queues")
	}
	policy, ok := ParseReleasePolicy(string(cfg.ReleasePolicy))
	if !ok {
		return nil, errors.New("core: unknown release policy " + string(cfg.ReleasePolicy))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "core", "coordinator")
	c := &Coordinator{
		queues: cfg.Queues,
		events: cfg.Events,
		clock:  cfg.Clock,
		logger: logger,
		policy: policy,
		counts: make(map[uint32]uint64),
	}
	c.metrics = newCoordinatorMetrics(c, logger)
	return c, nil
}

// Run arbitrates until ctx is cancelled or the queues are closed, returning
// the cause. A client that never releases blocks Run indefinitely; there is
// no lease expiry.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator.start", "release_policy", string(c.policy))
	for {
		if err := c.cycle(ctx); err != nil {
			c.logger.Info("coordinator.stop", "reason", err)
			return err
		}
	}
}

func (c *Coordinator) cycle(ctx context.Context) error {
	req, err := c.queues.Requests.Recv(ctx)
	if err != nil {
		return err
	}
	id := req.Frame.ProcessID
	logger := c.logger.With(svcfields.ProcessKey, id)

	now := c.clock.Now()
	c.record(logger, wire.OpRequest, id, now)
	c.mu.Lock()
	c.counts[id]++
	c.holder = id
	c.holding = true
	c.grantedAt = now
	c.mu.Unlock()
	c.metrics.recordRequest(ctx)

	if !req.signal() {
		logger.Warn("coordinator.grant.duplicate")
	}
	c.record(logger, wire.OpGrant, id, c.clock.Now())
	c.metrics.recordGrant(ctx, waitDuration(req.EnqueuedAt, now))
	logger.Debug("coordinator.granted", "queued", c.queues.Requests.Len())

	if err := c.awaitRelease(ctx, logger, id); err != nil {
		return err
	}

	released := c.clock.Now()
	c.record(logger, wire.OpRelease, id, released)
	c.mu.Lock()
	held := released.Sub(c.grantedAt)
	c.holder = 0
	c.holding = false
	c.grantedAt = time.Time{}
	c.mu.Unlock()
	c.metrics.recordRelease(ctx, held)
	logger.Debug("coordinator.released", "held", held)
	return nil
}

func (c *Coordinator) awaitRelease(ctx context.Context, logger pslog.Logger, holder uint32) error {
	for {
		released, err := c.queues.Releases.Recv(ctx)
		if err != nil {
			return err
		}
		if released == holder {
			return nil
		}
		c.metrics.recordMismatch(ctx, c.policy)
		if c.policy == ReleaseStrict {
			logger.Warn("coordinator.release.mismatch_ignored", "released", released)
			continue
		}
		logger.Warn("coordinator.release.mismatch_accepted", "released", released)
		return nil
	}
}

func (c *Coordinator) record(logger pslog.Logger, kind wire.Operation, id uint32, at time.Time) {
	if c.events == nil {
		return
	}
	if err := c.events.Record(kind, id, at); err != nil {
		logger.Error("coordinator.event_log.write_failed", "event", kind.String(), "error", err)
	}
}

func waitDuration(enqueued, granted time.Time) time.Duration {
	if enqueued.IsZero() || granted.Before(enqueued) {
		return 0
	}
	return granted.Sub(enqueued)
}

// Holder returns the process currently granted the region, if any.
func (c *Coordinator) Holder() (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.holder, c.holding
}

// Counts returns a copy of the accepted-request count per process id.
func (c *Coordinator) Counts() map[uint32]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.counts)
}

// Pending returns the frames still waiting in the request queue, head first.
func (c *Coordinator) Pending() []wire.Frame {
	var out []wire.Frame
	c.queues.Requests.Snapshot(func(items []Request) {
		out = make([]wire.Frame, 0, len(items))
		for _, item := range items {
			out = append(out, item.Frame)
		}
	})
	return out
}
