// Package console implements the coordinator's operator commands, read one
// per line:
//
//	1  print the current holder and the pending request queue
//	2  print per-process request counts
//	3  terminate the process
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"pkt.systems/coordd/internal/wire"
)

// State is the read-only view of the coordinator the console queries.
type State interface {
	Holder() (uint32, bool)
	Pending() []wire.Frame
	Counts() map[uint32]uint64
}

// Console dispatches commands against a State.
type Console struct {
	state State
	out   io.Writer
	exit  func(code int)
}

// New returns a Console writing to out. exit is invoked for command 3.
func New(state State, out io.Writer, exit func(code int)) *Console {
	return &Console{state: state, out: out, exit: exit}
}

// Run reads commands from in until EOF, ctx cancellation or command 3.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if c.Execute(line) {
				return nil
			}
		}
	}
}

// Execute runs one command line and reports whether the console should stop.
// Blank lines are ignored.
func (c *Console) Execute(line string) bool {
	cmd := strings.TrimSpace(line)
	switch cmd {
	case "":
		return false
	case "1":
		c.printQueue()
	case "2":
		c.printCounts()
	case "3":
		fmt.Fprintln(c.out, "Terminating the coordinator...")
		if c.exit != nil {
			c.exit(0)
		}
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n", cmd)
	}
	return false
}

func (c *Console) printQueue() {
	if id, ok := c.state.Holder(); ok {
		fmt.Fprintf(c.out, "Current holder: %d\n", id)
	} else {
		fmt.Fprintln(c.out, "Current holder: none")
	}
	pending := c.state.Pending()
	fmt.Fprintf(c.out, "Request queue (%s pending):\n", humanize.Comma(int64(len(pending))))
	for _, f := range pending {
		fmt.Fprintf(c.out, "  Process: %d, Operation: %s\n", f.ProcessID, f.Op)
	}
}

func (c *Console) printCounts() {
	counts := c.state.Counts()
	ids := make([]uint32, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fmt.Fprintln(c.out, "Requests per process:")
	for _, id := range ids {
		fmt.Fprintf(c.out, "  Process: %d, Requests: %s\n", id, humanize.Comma(int64(counts[id])))
	}
}
