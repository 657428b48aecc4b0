package monitor

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventStarted      EventKind = "started"
	EventStopped      EventKind = "stopped"
	EventCycleStart   EventKind = "cycle_start"
	EventStable       EventKind = "stable"
	EventDelta        EventKind = "delta"
	EventFailure      EventKind = "failure"
	EventNotifyFailed EventKind = "notify_failed"
)

const DefaultEventLogSize = 300

// Event is one event log entry.
type Event struct {
	Seq      uint64      `json:"seq"`
	At       time.Time   `json:"at"`
	Kind     EventKind   `json:"kind"`
	Message  string      `json:"message"`
	Value    string      `json:"value,omitempty"`
	Previous string      `json:"previous,omitempty"`
	Failure  FailureKind `json:"failure,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	RunID    string      `json:"run_id,omitempty"`
}

// EventLog is an append-only, size-bounded log. The oldest entries fall off
// once the capacity is reached. Sinks see every entry, in order.
type EventLog struct {
	mu    sync.Mutex
	buf   []Event
	start int
	n     int
	seq   uint64

	sinkMu sync.Mutex
	sinks  []func(Event)
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return &EventLog{buf: make([]Event, size)}
}

// AddSink registers fn for every subsequent entry. fn runs on the appending
// goroutine and must not block.
func (l *EventLog) AddSink(fn func(Event)) {
	if fn == nil {
		return
	}
	l.sinkMu.Lock()
	l.sinks = append(l.sinks, fn)
	l.sinkMu.Unlock()
}

// Append assigns the sequence number, stores e and fans it out.
func (l *EventLog) Append(e Event) Event {
	// sinkMu is held across the store so sinks observe entries in Seq order.
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()

	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	if e.At.IsZero() {
		e.At = time.Now()
	}
	idx := (l.start + l.n) % len(l.buf)
	l.buf[idx] = e
	if l.n < len(l.buf) {
		l.n++
	} else {
		l.start = (l.start + 1) % len(l.buf)
	}
	l.mu.Unlock()

	for _, fn := range l.sinks {
		fn(e)
	}
	return e
}

// Recent returns up to n entries, oldest first. n <= 0 returns everything.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > l.n {
		n = l.n
	}
	out := make([]Event, 0, n)
	for i := l.n - n; i < l.n; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Count returns how many entries of kind are currently retained.
func (l *EventLog) Count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := 0
	for i := 0; i < l.n; i++ {
		if l.buf[(l.start+i)%len(l.buf)].Kind == kind {
			c++
		}
	}
	return c
}
