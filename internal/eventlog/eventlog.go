// Package eventlog persists coordinator events to an append-only text file.
//
// Each event is one line:
//
//	2025-03-01 12:00:00.000000000 +01:00: [R] Request - 42
//	2025-03-01 12:00:00.000100000 +01:00: [S] Grant - 42
//	2025-03-01 12:00:01.250000000 +01:00: [R] Release - 42
//
// [R] marks frames received by the coordinator and [S] frames it sent.
package eventlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/coordd/internal/wire"
)

// TimeLayout is the timestamp layout used at the start of every line.
const TimeLayout = "2006-01-02 15:04:05.000000000 -07:00"

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("eventlog: closed")

// Event is one parsed log line.
type Event struct {
	At        time.Time
	Kind      wire.Operation
	ProcessID uint32
}

// Options tunes a Log.
type Options struct {
	// NoSync skips the fsync after each line. Lines are still written with a
	// single write call in append mode.
	NoSync bool
}

// Log is a durable, append-only event sink safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	noSync bool
	closed bool
}

// Open opens (creating if needed) path for appending. Existing content is
// never truncated.
func Open(path string, opts Options) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("eventlog: path is required")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &Log{path: path, file: f, noSync: opts.NoSync}, nil
}

// Path returns the file path the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Size returns the current size of the log file in bytes.
func (l *Log) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	info, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Record appends one line for the event.
func (l *Log) Record(kind wire.Operation, processID uint32, at time.Time) error {
	line := FormatLine(Event{At: at, Kind: kind, ProcessID: processID})
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, err := io.WriteString(l.file, line); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	if !l.noSync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("eventlog: sync: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the file. Further Record calls fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	return errors.Join(syncErr, closeErr)
}

func direction(kind wire.Operation) string {
	if kind == wire.OpGrant {
		return "S"
	}
	return "R"
}

// FormatLine renders ev as a log line including the trailing newline.
func FormatLine(ev Event) string {
	var b strings.Builder
	b.Grow(len(TimeLayout) + 32)
	b.WriteString(ev.At.Format(TimeLayout))
	b.WriteString(": [")
	b.WriteString(direction(ev.Kind))
	b.WriteString("] ")
	b.WriteString(ev.Kind.String())
	b.WriteString(" - ")
	b.WriteString(strconv.FormatUint(uint64(ev.ProcessID), 10))
	b.WriteByte('\n')
	return b.String()
}

// ParseLine parses a single line produced by FormatLine. The trailing newline
// is optional.
func ParseLine(line string) (Event, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < len(TimeLayout)+2 {
		return Event{}, fmt.Errorf("eventlog: line too short: %q", line)
	}
	at, err := time.Parse(TimeLayout, line[:len(TimeLayout)])
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: parse timestamp: %w", err)
	}
	rest, ok := strings.CutPrefix(line[len(TimeLayout):], ": [")
	if !ok || len(rest) < 3 || rest[1:3] != "] " {
		return Event{}, fmt.Errorf("eventlog: malformed line: %q", line)
	}
	dir := rest[:1]
	kindName, idText, ok := strings.Cut(rest[3:], " - ")
	if !ok {
		return Event{}, fmt.Errorf("eventlog: malformed line: %q", line)
	}
	var kind wire.Operation
	switch kindName {
	case "Request":
		kind = wire.OpRequest
	case "Grant":
		kind = wire.OpGrant
	case "Release":
		kind = wire.OpRelease
	default:
		return Event{}, fmt.Errorf("eventlog: unknown event %q", kindName)
	}
	if dir != direction(kind) {
		return Event{}, fmt.Errorf("eventlog: direction %q does not match %s", dir, kindName)
	}
	id, err := strconv.ParseUint(idText, 10, 32)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: parse process id: %w", err)
	}
	return Event{At: at, Kind: kind, ProcessID: uint32(id)}, nil
}

// Scan parses every non-empty line in r and calls fn for each event, stopping
// at the first parse error or the first error returned by fn.
func Scan(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		ev, err := ParseLine(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}
