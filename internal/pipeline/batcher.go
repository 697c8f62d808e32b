package pipeline

import (
	"sync"
	"time"
)

// EventType distinguishes the kinds of events a Batcher emits.
type EventType string

const (
	EventData  EventType = "data"
	EventExit  EventType = "exit"
	EventError EventType = "error"
)

// Event is one batch delivered to a UI consumer.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	Data       []byte
	HasEscapes bool
}

const (
	batchNewlineThreshold = 50
	batchInterval         = 100 * time.Millisecond
)

// Batcher converts a burst of subprocess output into bounded batches:
// it flushes when the accumulated data contains at least
// batchNewlineThreshold newlines, when batchInterval has elapsed since
// the first unflushed byte, or immediately when a non-data event
// (exit, error) arrives (spec.md §4.D).
type Batcher struct {
	mu       sync.Mutex
	emit     func(Event)
	data     []byte
	newlines int
	escapes  bool
	timer    *time.Timer
	closed   bool
}

// NewBatcher creates a Batcher that invokes emit for every flushed
// event. emit may be called from the batcher's own timer goroutine as
// well as from Write/Event, so it must be safe to call concurrently
// with itself, or do its own internal serialization.
func NewBatcher(emit func(Event)) *Batcher {
	return &Batcher{emit: emit}
}

// Write appends a chunk of display-stream data, flagging whether it
// contained any escape sequences.
func (b *Batcher) Write(data []byte, hasEscapes bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if len(b.data) == 0 {
		b.startTimerLocked()
	}

	b.data = append(b.data, data...)
	if hasEscapes {
		b.escapes = true
	}
	b.newlines += countNewlines(data)

	if b.newlines >= batchNewlineThreshold {
		b.flushLocked(EventData)
	}
}

// Event flushes any pending data, then emits a non-data event (exit
// or error) immediately.
func (b *Batcher) Event(t EventType, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.data) > 0 {
		b.flushLocked(EventData)
	}
	b.emit(Event{Type: t, Timestamp: time.Now(), Data: payload})
}

// Close flushes any pending data and stops the batcher. Subsequent
// Write/Event calls are no-ops.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.data) > 0 {
		b.flushLocked(EventData)
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
}

func (b *Batcher) startTimerLocked() {
	b.timer = time.AfterFunc(batchInterval, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || len(b.data) == 0 {
			return
		}
		b.flushLocked(EventData)
	})
}

func (b *Batcher) flushLocked(t EventType) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.data) == 0 {
		return
	}
	ev := Event{Type: t, Timestamp: time.Now(), Data: append([]byte(nil), b.data...), HasEscapes: b.escapes}
	b.data = nil
	b.newlines = 0
	b.escapes = false
	b.emit(ev)
}

func countNewlines(data []byte) int {
	n := 0
	for _, c := range data {
		if c == '\n' {
			n++
		}
	}
	return n
}
