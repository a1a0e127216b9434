// Package livefeed is a Go client for the prayerfeed live-activity stream.
package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/tmaxmax/go-sse"
)

// Event is one change notification received from the stream.
type Event struct {
	ID                 uint64 `json:"-"`
	WordsChanged       bool   `json:"wordsChanged"`
	PrayersChanged     bool   `json:"prayersChanged"`
	NotificationsCount *int64 `json:"notificationsCount"`
}

// StatusError reports a non-200 answer. Subscribe returns it for statuses
// that reconnecting cannot fix.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("live stream: unexpected status %d", e.Code)
}

// Client consumes the stream and reconnects when it drops.
type Client struct {
	url          string
	viewerHeader string
	viewer       string
	http         *http.Client
	backoff      *Backoff
	clock        clock.Clock
	lastID       atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithViewer identifies the client as viewer. An empty header keeps
// X-Viewer-ID.
func WithViewer(header, viewer string) Option {
	return func(c *Client) {
		if header != "" {
			c.viewerHeader = header
		}
		c.viewer = viewer
	}
}

// WithHTTPClient replaces the default HTTP client. It must not set a
// request timeout, which would cut every stream short.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBackoff sets the reconnect delays.
func WithBackoff(b *Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithLastEventID resumes from id on the first connection.
func WithLastEventID(id uint64) Option {
	return func(c *Client) { c.lastID.Store(id) }
}

// WithClock sets the clock used to wait between attempts.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// New creates a Client for the stream at url, e.g.
// "http://localhost:8080/api/live".
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		viewerHeader: "X-Viewer-ID",
		http:         &http.Client{},
		backoff:      DefaultBackoff(),
		clock:        clock.WallClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LastEventID returns the id of the last event delivered.
func (c *Client) LastEventID() uint64 {
	return c.lastID.Load()
}

// Subscribe delivers events to fn until ctx is done, fn returns an error,
// or the server refuses the client with a permanent status. Dropped streams
// are reopened with exponential backoff and resume from the last event id.
// The backoff starts over only after a healthy connection: one that
// delivered an event or stayed open longer than the maximum delay.
func (c *Client) Subscribe(ctx context.Context, fn func(Event) error) error {
	attempt := 0
	for {
		healthy, err := c.stream(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var fatal *fatalError
		if errors.As(err, &fatal) {
			return fatal.err
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !retryableStatus(statusErr.Code) {
			return err
		}

		if healthy {
			attempt = 0
		}
		attempt++
		delay := c.backoff.NextDelay(attempt)
		slog.Debug("live stream disconnected, reconnecting",
			"attempt", attempt, "delay", delay, "last_event_id", c.LastEventID(), "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

// fatalError ends Subscribe without another attempt: the callback failed or
// the request cannot be built.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }

// stream runs one connection and reports whether it was healthy.
func (c *Client) stream(ctx context.Context, fn func(Event) error) (healthy bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, &fatalError{err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.viewer != "" {
		req.Header.Set(c.viewerHeader, c.viewer)
	}
	if id := c.LastEventID(); id > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(id, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, &StatusError{Code: resp.StatusCode}
	}

	opened := c.clock.Now()
	delivered := false
	wasHealthy := func() bool {
		return delivered || c.clock.Now().Sub(opened) >= c.backoff.MaxDelay
	}

	for msg, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return wasHealthy(), err
		}
		ev, ok := decodeEvent(msg)
		if !ok {
			continue
		}
		delivered = true
		if ev.ID > 0 {
			c.lastID.Store(ev.ID)
		}
		if err := fn(ev); err != nil {
			return true, &fatalError{err: err}
		}
	}
	return wasHealthy(), errors.New("stream closed by server")
}

// decodeEvent converts one stream message. Messages whose data is not an
// event object are logged and skipped.
func decodeEvent(msg sse.Event) (Event, bool) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Data), &ev); err != nil {
		slog.Warn("skipping malformed live event", "id", msg.LastEventID, "error", err)
		return Event{}, false
	}
	if msg.LastEventID != "" {
		if id, err := strconv.ParseUint(msg.LastEventID, 10, 64); err == nil {
			ev.ID = id
		}
	}
	return ev, true
}

// retryableStatus reports whether reconnecting after code can succeed.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return code >= 500
}
