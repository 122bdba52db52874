// Package eventlog is the kernel's append-only observability stream. Every
// state-changing action and every rejection appends exactly one Event; Seq
// is strictly monotonic and gap-free, starting at 1, and every event with a
// lower sequence number is durable before a higher-numbered one becomes
// visible to readers.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentecology/kernel/domain/event"
	"github.com/agentecology/kernel/infrastructure/logging"
	"github.com/agentecology/kernel/infrastructure/metrics"
)

// Waiter is notified when an event matching its predicate is appended; the
// agent supervisor's event-based sleep condition is built on this.
type Waiter struct {
	Match func(event.Event) bool
	C     chan event.Event
}

// Log is the append-only event store. Appends are serialized, and readers
// take the same mutex, so a reader holds off a writer for as long as it
// takes to copy the events it returns; every returned slice is a consistent
// prefix of the log.
type Log struct {
	mu       sync.Mutex
	events   []event.Event
	seq      uint64
	clock    func() time.Time
	file     *os.File
	writer   *bufio.Writer
	log      *logging.Logger
	metrics  *metrics.Metrics
	waiters  []*Waiter
}

// Option configures a Log at construction.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLogger attaches a logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Log) { l.log = log }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// WithFile appends every event as a JSON line to path, in addition to
// holding it in memory. The directory is created if missing. Existing
// content is preserved (opened in append mode) — restart does not replay
// into memory; use Open to reload a prior run's file into memory first.
func WithFile(path string) Option {
	return func(l *Log) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			panic(fmt.Sprintf("eventlog: create dir for %s: %v", path, err))
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			panic(fmt.Sprintf("eventlog: open %s: %v", path, err))
		}
		l.file = f
		l.writer = bufio.NewWriter(f)
	}
}

// New constructs an empty Log.
func New(opts ...Option) *Log {
	l := &Log{clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open reloads a prior run's events.log file into memory, then continues
// appending to it. Used on process restart outside of checkpoint restore
// (e.g. to recover events appended after the last checkpoint).
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}

	if raw, err := os.ReadFile(path); err == nil {
		dec := json.NewDecoder(bytes.NewReader(raw))
		for {
			var e event.Event
			if err := dec.Decode(&e); err != nil {
				break
			}
			l.events = append(l.events, e)
			if e.Seq > l.seq {
				l.seq = e.Seq
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return l, nil
}

// Append assigns the next sequence number, stamps the current time, persists
// the event (if a file is attached), makes it visible to readers, and wakes
// any matching waiters. The returned Event carries its assigned Seq.
func (l *Log) Append(kind event.Kind, principalID string, payload map[string]any) event.Event {
	l.mu.Lock()
	l.seq++
	e := event.Event{
		Seq:         l.seq,
		Timestamp:   l.clock(),
		Kind:        kind,
		PrincipalID: principalID,
		Payload:     payload,
	}
	l.events = append(l.events, e)

	if l.writer != nil {
		if raw, err := json.Marshal(e); err == nil {
			l.writer.Write(raw)
			l.writer.WriteByte('\n')
			l.writer.Flush()
		}
	}

	waiters := l.waiters
	var woken []*Waiter
	var remaining []*Waiter
	for _, w := range waiters {
		if w.Match(e) {
			woken = append(woken, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	l.waiters = remaining
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RecordInvocation(string(kind), "logged", 0)
	}
	if l.log != nil {
		l.log.WithFields(map[string]interface{}{
			"seq": e.Seq, "kind": kind, "principal_id": principalID,
		}).Debug("event appended")
	}

	for _, w := range woken {
		w.C <- e
	}
	return e
}

// Filter selects which events Read returns.
type Filter struct {
	Kind        event.Kind // empty matches any
	PrincipalID string     // empty matches any
	SinceSeq    uint64     // 0 matches from the start
}

func (f Filter) matches(e event.Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if e.Seq <= f.SinceSeq {
		return false
	}
	return true
}

// Read returns up to limit events matching filter, after skipping offset
// matches, in ascending sequence order. limit <= 0 means unbounded.
func (l *Log) Read(filter Filter, limit, offset int) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []event.Event
	skipped := 0
	for _, e := range l.events {
		if !filter.matches(e) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Cursor returns the sequence number of the most recently appended event (0
// if the log is empty). Checkpoints record this as their log position.
func (l *Log) Cursor() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Wait registers a predicate-matched waiter and returns a channel delivering
// the first matching event. Used by the agent supervisor's event-based sleep
// primitive. The caller must eventually drain or abandon the channel; there
// is no unregister — a never-matching waiter leaks until the log is closed.
func (l *Log) Wait(match func(event.Event) bool) <-chan event.Event {
	w := &Waiter{Match: match, C: make(chan event.Event, 1)}
	l.mu.Lock()
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()
	return w.C
}

// Close flushes and closes the backing file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		l.writer.Flush()
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Snapshot returns a copy of every event currently held, for checkpointing.
func (l *Log) Snapshot() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Event, len(l.events))
	copy(out, l.events)
	return out
}
