package stream

import "time"

// DefaultMinEmitInterval is the default minimum spacing between two events
// sent to the same connection.
const DefaultMinEmitInterval = 10 * time.Second

// Governor rate-limits emissions for a single connection. It is owned by
// the connection's goroutine and is not safe for concurrent use.
type Governor struct {
	MinInterval time.Duration
	last        time.Time
}

// Allow reports whether an event may be emitted at now.
func (g *Governor) Allow(now time.Time) bool {
	if g.last.IsZero() {
		return true
	}
	return now.Sub(g.last) >= g.MinInterval
}

// Record notes that an event was emitted at now.
func (g *Governor) Record(now time.Time) {
	g.last = now
}

// LastEmission returns when the last event was emitted, zero if never.
func (g *Governor) LastEmission() time.Time {
	return g.last
}
