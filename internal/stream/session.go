package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/prayerfeed/internal/detect"
	"github.com/user/prayerfeed/internal/types"
)

// State is the lifecycle state of a connection session.
type State int

const (
	StateOpening State = iota
	StateReplaying
	StateWatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateReplaying:
		return "replaying"
	case StateWatching:
		return "watching"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Sink is the transport side of a connection. Implementations write one
// event per Send and flush it to the client. Advance moves the client's
// resume point to seq without delivering a notification.
type Sink interface {
	Send(event types.ChangeEvent) error
	Advance(seq uint64) error
	KeepAlive() error
}

// Request describes a client opening the stream.
type Request struct {
	Viewer types.ViewerID
	// Resume is set when the client presented a usable LastEventID.
	Resume      bool
	LastEventID uint64
	Remote      string
}

// session is the state of one open connection. It is created, used and
// dropped by the goroutine serving that connection and is never shared.
type session struct {
	hub      *Hub
	sink     Sink
	id       types.ConnID
	req      Request
	state    State
	baseline detect.Baseline
	governor Governor
	openedAt time.Time
	logger   *slog.Logger
}

func newSession(h *Hub, sink Sink, req Request) *session {
	id := types.NewConnID()
	return &session{
		hub:      h,
		sink:     sink,
		id:       id,
		req:      req,
		state:    StateOpening,
		governor: Governor{MinInterval: h.cfg.MinEmitInterval},
		openedAt: h.clock.Now(),
		logger: slog.With(
			"conn_id", string(id),
			"viewer", string(req.Viewer),
		),
	}
}

// run drives the session until ctx is cancelled, the connection reaches its
// maximum age, or a write fails.
func (s *session) run(ctx context.Context) error {
	s.hub.metrics.ConnectionOpened()
	s.logger.Debug("stream opened", "remote", s.req.Remote, "resume", s.req.Resume, "last_event_id", s.req.LastEventID)
	defer func() {
		s.state = StateClosed
		s.hub.metrics.ConnectionClosed(s.hub.clock.Now().Sub(s.openedAt).Seconds())
		s.logger.Debug("stream closed", "last_emission", s.governor.LastEmission())
	}()

	s.state = StateReplaying
	if err := s.replay(); err != nil {
		return err
	}

	s.state = StateWatching
	if err := s.tick(ctx); err != nil {
		return err
	}

	clk := s.hub.clock
	cfg := s.hub.cfg
	tick := clk.After(cfg.TickInterval)
	var keepAlive, expired <-chan time.Time
	if cfg.KeepAlive > 0 {
		keepAlive = clk.After(cfg.KeepAlive)
	}
	if cfg.MaxAge > 0 {
		expired = clk.After(cfg.MaxAge)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-expired:
			s.logger.Debug("stream reached max age")
			return nil
		case <-tick:
			if err := s.tick(ctx); err != nil {
				return err
			}
			tick = clk.After(cfg.TickInterval)
		case <-keepAlive:
			if err := s.sink.KeepAlive(); err != nil {
				return fmt.Errorf("keep-alive: %w", err)
			}
			keepAlive = clk.After(cfg.KeepAlive)
		}
	}
}

// replay writes the buffered events the client missed. An id the log can no
// longer serve without a gap is treated as if no id had been sent.
func (s *session) replay() error {
	if !s.req.Resume {
		return nil
	}
	if !s.hub.events.Covers(s.req.LastEventID) {
		s.logger.Debug("resume id not covered by event log, skipping replay",
			"last_event_id", s.req.LastEventID,
			"latest", s.hub.events.Latest())
		return nil
	}

	backlog := s.hub.events.After(s.req.LastEventID)
	for _, event := range backlog {
		visible := event.For(s.req.Viewer)
		var err error
		if visible.Empty() {
			err = s.sink.Advance(visible.Seq)
		} else {
			err = s.sink.Send(visible)
		}
		if err != nil {
			return fmt.Errorf("replay event %d: %w", event.Seq, err)
		}
	}
	s.hub.metrics.EventsReplayed(len(backlog))
	if len(backlog) > 0 {
		s.logger.Debug("replayed events", "count", len(backlog), "from", backlog[0].Seq)
	}
	return nil
}

// tick runs one detection cycle. Probe failures are logged and skipped;
// only a failed write is returned.
func (s *session) tick(ctx context.Context) error {
	viewer := s.req.Viewer
	snap, err := s.hub.source.Get(ctx, viewer, viewer)
	if err != nil {
		s.logger.Warn("snapshot probe failed", "error", err)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	res := detect.Detect(s.baseline, snap)
	if !res.Any() {
		s.baseline = res.Next
		return nil
	}

	now := s.hub.clock.Now()
	if !s.governor.Allow(now) {
		s.baseline = res.Hold
		s.hub.metrics.EmissionWithheld()
		s.logger.Debug("emission withheld", "classes", res.Changed, "count_changed", res.CountChanged)
		return nil
	}

	event := types.ChangeEvent{
		Classes: res.Changed,
		Viewer:  viewer,
		At:      now,
	}
	if res.CountChanged {
		count := res.Count
		event.Count = &count
	}
	event = s.hub.events.Append(event)
	s.governor.Record(now)
	s.baseline = res.Next
	s.hub.metrics.EventEmitted()

	if err := s.sink.Send(event); err != nil {
		return fmt.Errorf("write event %d: %w", event.Seq, err)
	}
	return nil
}
