// internal/state/eventlog.go
package state

import (
	"sync"

	"github.com/user/prayerfeed/internal/types"
)

// DefaultLogCapacity is the number of events retained for replay.
const DefaultLogCapacity = 50

// EventLog is a bounded, in-memory, append-only log of change events.
// Sequence numbers start at 1 and are assigned on append. Once the log is
// full the oldest event is evicted on every append. Nothing is persisted: a
// restart starts the sequence over.
type EventLog struct {
	mu   sync.RWMutex
	ring []types.ChangeEvent
	head int // index of the oldest retained event
	size int
	seq  uint64
}

// NewEventLog creates an empty log retaining up to capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &EventLog{ring: make([]types.ChangeEvent, capacity)}
}

// Append stamps the event with the next sequence number, stores it and
// returns the stored copy.
func (l *EventLog) Append(event types.ChangeEvent) types.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	event.Seq = l.seq

	if l.size < len(l.ring) {
		l.ring[(l.head+l.size)%len(l.ring)] = event
		l.size++
	} else {
		l.ring[l.head] = event
		l.head = (l.head + 1) % len(l.ring)
	}
	return event
}

// After returns the retained events with a sequence number greater than seq,
// oldest first. Events that were evicted are silently missing.
func (l *EventLog) After(seq uint64) []types.ChangeEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var events []types.ChangeEvent
	for i := 0; i < l.size; i++ {
		event := l.ring[(l.head+i)%len(l.ring)]
		if event.Seq > seq {
			events = append(events, event)
		}
	}
	return events
}

// Covers reports whether every event after seq is still retained, i.e. a
// client that last saw seq can be brought up to date without a gap. Ids
// newer than anything issued (e.g. from before a restart) are not covered.
func (l *EventLog) Covers(seq uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq > l.seq {
		return false
	}
	if l.size == 0 {
		return seq == l.seq
	}
	oldest := l.ring[l.head].Seq
	return seq+1 >= oldest
}

// Latest returns the most recently assigned sequence number, 0 if none.
func (l *EventLog) Latest() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Tail returns the last limit retained events, oldest first.
func (l *EventLog) Tail(limit int) []types.ChangeEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	events := make([]types.ChangeEvent, 0, n)
	for i := l.size - n; i < l.size; i++ {
		events = append(events, l.ring[(l.head+i)%len(l.ring)])
	}
	return events
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Cap returns the log capacity.
func (l *EventLog) Cap() int {
	return len(l.ring)
}
