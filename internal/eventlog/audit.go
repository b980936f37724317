package eventlog

import (
	"fmt"
	"io"
	"time"

	"pkt.systems/coordd/internal/wire"
)

// Report summarises an event log.
type Report struct {
	Events     int
	Cycles     int
	Requests   map[uint32]uint64
	First      time.Time
	Last       time.Time
	Holder     uint32
	Held       bool
	Violations []string
}

// Span is the time between the first and last event.
func (r Report) Span() time.Duration {
	if r.First.IsZero() || r.Last.IsZero() {
		return 0
	}
	return r.Last.Sub(r.First)
}

// Audit replays the events in r and checks that they describe a valid
// sequence of request, grant, release cycles: no grant while another process
// holds the region, every grant preceded by that process's request, every
// release matching the current holder. A log that ends while a grant is
// outstanding is not a violation; Report.Held is set instead.
func Audit(r io.Reader) (Report, error) {
	rep := Report{Requests: make(map[uint32]uint64)}
	var (
		requested   bool
		requestedID uint32
		violationf  = func(ev Event, format string, args ...any) {
			msg := fmt.Sprintf(format, args...)
			rep.Violations = append(rep.Violations, fmt.Sprintf("%s: %s", ev.At.Format(TimeLayout), msg))
		}
	)
	err := Scan(r, func(ev Event) error {
		rep.Events++
		if rep.First.IsZero() {
			rep.First = ev.At
		}
		rep.Last = ev.At
		switch ev.Kind {
		case wire.OpRequest:
			rep.Requests[ev.ProcessID]++
			if requested {
				violationf(ev, "request from %d while request from %d is awaiting its grant", ev.ProcessID, requestedID)
			}
			if rep.Held {
				violationf(ev, "request from %d dequeued while %d holds the region", ev.ProcessID, rep.Holder)
			}
			requested = true
			requestedID = ev.ProcessID
		case wire.OpGrant:
			if rep.Held {
				violationf(ev, "grant to %d while %d holds the region", ev.ProcessID, rep.Holder)
			}
			if !requested || requestedID != ev.ProcessID {
				violationf(ev, "grant to %d without a matching request", ev.ProcessID)
			}
			requested = false
			rep.Held = true
			rep.Holder = ev.ProcessID
		case wire.OpRelease:
			if !rep.Held {
				violationf(ev, "release from %d while nobody holds the region", ev.ProcessID)
				break
			}
			if rep.Holder != ev.ProcessID {
				violationf(ev, "release from %d while %d holds the region", ev.ProcessID, rep.Holder)
			}
			rep.Held = false
			rep.Holder = 0
			rep.Cycles++
		}
		return nil
	})
	return rep, err
}
