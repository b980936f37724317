package core

import (
	"time"

	"pkt.systems/coordd/internal/bqueue"
	"pkt.systems/coordd/internal/wire"
)

// Request is a queued access request together with the one-shot signal the
// coordinator uses to grant it.
type Request struct {
	Frame      wire.Frame
	EnqueuedAt time.Time

	grant chan struct{}
}

// NewRequest wraps f with a fresh grant signal.
func NewRequest(f wire.Frame, enqueuedAt time.Time) Request {
	return Request{
		Frame:      f,
		EnqueuedAt: enqueuedAt,
		grant:      make(chan struct{}, 1),
	}
}

// Granted returns the channel the owning connection waits on. It yields
// exactly one value once the coordinator grants access.
func (r Request) Granted() <-chan struct{} {
	return r.grant
}

// signal delivers the grant. The channel has capacity one and only the
// coordinator sends on it, so this never blocks; a second call is dropped.
func (r Request) signal() bool {
	select {
	case r.grant <- struct{}{}:
		return true
	default:
		return false
	}
}

// Queues bundles the two queues shared by connection handlers and the
// coordinator.
type Queues struct {
	Requests *bqueue.Queue[Request]
	Releases *bqueue.Queue[uint32]
}

// NewQueues allocates empty request and release queues.
func NewQueues() Queues {
	return Queues{
		Requests: bqueue.New[Request](),
		Releases: bqueue.New[uint32](),
	}
}

// Close closes both queues, waking every blocked receiver.
func (q Queues) Close() {
	if q.Requests != nil {
		q.Requests.Close()
	}
	if q.Releases != nil {
		q.Releases.Close()
	}
}

// EventRecorder is the durable sink for coordinator events.
type EventRecorder interface {
	Record(kind wire.Operation, processID uint32, at time.Time) error
}

// ReleasePolicy decides what the coordinator does when the release it
// receives names a different process than the one it granted.
type ReleasePolicy string

const (
	// ReleaseLenient accepts any release as the end of the current hold and
	// logs the mismatch.
	ReleaseLenient ReleasePolicy = "lenient"
	// ReleaseStrict discards mismatched releases and keeps waiting for the
	// holder's own release.
	ReleaseStrict ReleasePolicy = "strict"
)

// ParseReleasePolicy maps a config string to a ReleasePolicy. Empty selects
// ReleaseLenient.
func ParseReleasePolicy(s string) (ReleasePolicy, bool) {
	switch ReleasePolicy(s) {
	case "", ReleaseLenient:
		return ReleaseLenient, true
	case ReleaseStrict:
		return ReleaseStrict, true
	default:
		return "", false
	}
}
