package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/user/prayerfeed/internal/state"
	"github.com/user/prayerfeed/internal/types"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu     sync.Mutex
	items  map[types.Class]*types.ItemRef
	unread int64
	err    error
	gets   int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items: map[types.Class]*types.ItemRef{
			types.ClassWords: {ID: "w1", CreatedAt: epoch.Add(-time.Hour)},
		},
	}
}

func (f *fakeSource) Get(_ context.Context, _, viewer types.ViewerID) (types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return types.Snapshot{}, f.err
	}
	snap := types.Snapshot{Items: make(map[types.Class]*types.ItemRef)}
	for _, class := range types.ContentClasses {
		snap.Items[class] = f.items[class]
	}
	if !viewer.Anonymous() {
		n := f.unread
		snap.Unread = &n
	}
	return snap, nil
}

func (f *fakeSource) post(class types.Class, id types.ItemID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make(map[types.Class]*types.ItemRef, len(f.items)+1)
	for k, v := range f.items {
		items[k] = v
	}
	items[class] = &types.ItemRef{ID: id, CreatedAt: at}
	f.items = items
}

func (f *fakeSource) setUnread(n int64) {
	f.mu.Lock()
	f.unread = n
	f.mu.Unlock()
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// waitGets blocks until the source has been probed at least n times.
func (f *fakeSource) waitGets(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.calls() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d probes, got %d", n, f.calls())
		}
		time.Sleep(time.Millisecond)
	}
}

type recordingSink struct {
	events     chan types.ChangeEvent
	advances   chan uint64
	keepAlives atomic.Int32
	mu         sync.Mutex
	err        error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		events:   make(chan types.ChangeEvent, 64),
		advances: make(chan uint64, 64),
	}
}

func (s *recordingSink) Send(event types.ChangeEvent) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.events <- event
	return nil
}

func (s *recordingSink) Advance(seq uint64) error {
	s.advances <- seq
	return nil
}

func (s *recordingSink) nextAdvance(t *testing.T) uint64 {
	t.Helper()
	select {
	case seq := <-s.advances:
		return seq
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an id-only frame")
		return 0
	}
}

func (s *recordingSink) KeepAlive() error {
	s.keepAlives.Add(1)
	return nil
}

func (s *recordingSink) next(t *testing.T) types.ChangeEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return types.ChangeEvent{}
	}
}

func (s *recordingSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func testConfig() Config {
	return Config{TickInterval: 10 * time.Second, MinEmitInterval: 10 * time.Second}
}

func newTestHub(t *testing.T, src types.SnapshotSource, log types.EventLog, cfg Config) (*Hub, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	if log == nil {
		log = state.NewEventLog(state.DefaultLogCapacity)
	}
	hub := NewHub(src, log, cfg, clk, nil)
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)
	return hub, clk
}

func serve(t *testing.T, hub *Hub, sink Sink, req Request) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- hub.Serve(ctx, sink, req) }()
	return cancel, errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
		return nil
	}
}

func TestSessionFirstSnapshotIsBaseline(t *testing.T) {
	src := newFakeSource()
	src.setUnread(4)
	hub, clk := newTestHub(t, src, nil, testConfig())
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u1"})

	src.waitGets(t, 1)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	src.waitGets(t, 2)
	sink.expectNone(t)
}

func TestSessionEmitsNewItem(t *testing.T) {
	src := newFakeSource()
	hub, clk := newTestHub(t, src, nil, testConfig())
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u1"})

	src.waitGets(t, 1)
	src.post(types.ClassPrayers, "p1", epoch)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}

	ev := sink.next(t)
	if ev.Seq != 1 {
		t.Errorf("expected id 1, got %d", ev.Seq)
	}
	if !ev.Has(types.ClassPrayers) || ev.Has(types.ClassWords) {
		t.Errorf("expected only prayers changed, got %v", ev.Classes)
	}
	if ev.Count != nil {
		t.Errorf("unchanged count should be omitted, got %d", *ev.Count)
	}
	if hub.Events().Latest() != 1 {
		t.Errorf("event should be in the shared log")
	}
}

func TestSessionEmitsCountChange(t *testing.T) {
	src := newFakeSource()
	hub, clk := newTestHub(t, src, nil, testConfig())
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u1"})

	src.waitGets(t, 1)
	src.setUnread(3)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}

	ev := sink.next(t)
	if len(ev.Classes) != 0 {
		t.Errorf("expected no content classes, got %v", ev.Classes)
	}
	if ev.Count == nil || *ev.Count != 3 {
		t.Fatalf("expected count 3, got %v", ev.Count)
	}
	if ev.Viewer != "u1" {
		t.Errorf("expected event tagged with viewer, got %q", ev.Viewer)
	}
}

func TestSessionGovernorDefersChanges(t *testing.T) {
	src := newFakeSource()
	hub, clk := newTestHub(t, src, nil, Config{TickInterval: 2 * time.Second, MinEmitInterval: 10 * time.Second})
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u1"})

	src.waitGets(t, 1)
	src.post(types.ClassWords, "w2", epoch)
	if err := clk.WaitAdvance(2*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	first := sink.next(t)
	if !first.At.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("first change should go out immediately, got %v", first.At)
	}

	// Changes during the quiet period are withheld, not lost, and go out
	// together once the interval has passed.
	src.post(types.ClassWords, "w3", epoch.Add(time.Second))
	for i := 0; i < 4; i++ {
		if err := clk.WaitAdvance(2*time.Second, time.Second, 1); err != nil {
			t.Fatal(err)
		}
		src.waitGets(t, 3+i)
		if i == 1 {
			src.post(types.ClassPrayers, "p1", epoch.Add(time.Second))
		}
	}
	if err := clk.WaitAdvance(2*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}

	second := sink.next(t)
	if second.Seq != 2 {
		t.Errorf("expected id 2, got %d", second.Seq)
	}
	if !second.At.Equal(epoch.Add(12 * time.Second)) {
		t.Errorf("expected deferred emission at +12s, got %v", second.At.Sub(epoch))
	}
	if !second.Has(types.ClassWords) || !second.Has(types.ClassPrayers) {
		t.Errorf("expected both classes in the deferred event, got %v", second.Classes)
	}
}

func TestSessionSurvivesProbeFailure(t *testing.T) {
	src := newFakeSource()
	src.setErr(errors.New("db down"))
	hub, clk := newTestHub(t, src, nil, testConfig())
	sink := newRecordingSink()
	_, errc := serve(t, hub, sink, Request{Viewer: "u1"})

	src.waitGets(t, 1)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	src.waitGets(t, 2)

	// First good probe becomes the baseline.
	src.setErr(nil)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	src.waitGets(t, 3)
	src.post(types.ClassWords, "w2", epoch)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}

	if ev := sink.next(t); !ev.Has(types.ClassWords) {
		t.Errorf("expected words change after recovery, got %v", ev.Classes)
	}
	select {
	case err := <-errc:
		t.Fatalf("probe failures must not close the connection: %v", err)
	default:
	}
}

func TestSessionReplaysMissedEvents(t *testing.T) {
	log := state.NewEventLog(state.DefaultLogCapacity)
	five := int64(5)
	log.Append(types.ChangeEvent{Classes: []types.Class{types.ClassWords}})
	log.Append(types.ChangeEvent{Classes: []types.Class{types.ClassPrayers}})
	log.Append(types.ChangeEvent{Count: &five, Viewer: "u2"})

	src := newFakeSource()
	hub, clk := newTestHub(t, src, log, testConfig())
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u1", Resume: true, LastEventID: 1})

	if ev := sink.next(t); ev.Seq != 2 || !ev.Has(types.ClassPrayers) {
		t.Errorf("expected replay of id 2, got %+v", ev)
	}
	// Id 3 only held u2's count, so u1 gets the id without a message.
	if seq := sink.nextAdvance(t); seq != 3 {
		t.Errorf("expected id-only frame for 3, got %d", seq)
	}

	src.waitGets(t, 1)
	src.post(types.ClassWords, "w2", epoch)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	if ev := sink.next(t); ev.Seq != 4 {
		t.Errorf("expected live event id 4 after replay, got %d", ev.Seq)
	}
}

func TestSessionReplayKeepsOwnCount(t *testing.T) {
	log := state.NewEventLog(state.DefaultLogCapacity)
	two := int64(2)
	log.Append(types.ChangeEvent{Classes: []types.Class{types.ClassWords}})
	log.Append(types.ChangeEvent{Count: &two, Viewer: "u1"})

	src := newFakeSource()
	hub, _ := newTestHub(t, src, log, testConfig())
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u1", Resume: true, LastEventID: 1})

	ev := sink.next(t)
	if ev.Seq != 2 {
		t.Errorf("expected id 2, got %d", ev.Seq)
	}
	if ev.Count == nil || *ev.Count != 2 {
		t.Errorf("expected own count to be replayed, got %v", ev.Count)
	}
	src.waitGets(t, 1)
	sink.expectNone(t)
}

func TestSessionReplaysRedactedEventsAsIDs(t *testing.T) {
	log := state.NewEventLog(state.DefaultLogCapacity)
	one, two := int64(1), int64(2)
	log.Append(types.ChangeEvent{Classes: []types.Class{types.ClassWords}})
	log.Append(types.ChangeEvent{Count: &one, Viewer: "u1"})
	log.Append(types.ChangeEvent{Count: &two, Viewer: "u1"})
	log.Append(types.ChangeEvent{Classes: []types.Class{types.ClassPrayers}, Count: &two, Viewer: "u1"})

	src := newFakeSource()
	hub, _ := newTestHub(t, src, log, testConfig())
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u2", Resume: true, LastEventID: 1})

	for _, want := range []uint64{2, 3} {
		if seq := sink.nextAdvance(t); seq != want {
			t.Errorf("expected id-only frame for %d, got %d", want, seq)
		}
	}
	ev := sink.next(t)
	if ev.Seq != 4 || !ev.Has(types.ClassPrayers) || ev.Count != nil {
		t.Errorf("expected id 4 with prayers and no count, got %+v", ev)
	}
	src.waitGets(t, 1)
	sink.expectNone(t)
}

func TestSessionSkipsReplayForEvictedID(t *testing.T) {
	log := state.NewEventLog(2)
	for i := 0; i < 5; i++ {
		log.Append(types.ChangeEvent{Classes: []types.Class{types.ClassWords}})
	}

	src := newFakeSource()
	hub, clk := newTestHub(t, src, log, testConfig())
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u1", Resume: true, LastEventID: 1})

	src.waitGets(t, 1)
	sink.expectNone(t)

	src.post(types.ClassWords, "w2", epoch)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	if ev := sink.next(t); ev.Seq != 6 {
		t.Errorf("expected fresh live event id 6, got %d", ev.Seq)
	}
}

func TestSessionUpToDateResume(t *testing.T) {
	log := state.NewEventLog(state.DefaultLogCapacity)
	log.Append(types.ChangeEvent{Classes: []types.Class{types.ClassWords}})
	log.Append(types.ChangeEvent{Classes: []types.Class{types.ClassPrayers}})

	src := newFakeSource()
	hub, _ := newTestHub(t, src, log, testConfig())
	sink := newRecordingSink()
	serve(t, hub, sink, Request{Viewer: "u1", Resume: true, LastEventID: 2})

	src.waitGets(t, 1)
	sink.expectNone(t)
}

func TestSessionWriteFailureClosesConnection(t *testing.T) {
	src := newFakeSource()
	hub, clk := newTestHub(t, src, nil, testConfig())
	sink := newRecordingSink()
	broken := errors.New("broken pipe")
	sink.err = broken
	_, errc := serve(t, hub, sink, Request{Viewer: "u1"})

	src.waitGets(t, 1)
	src.post(types.ClassWords, "w2", epoch)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	if err := waitErr(t, errc); !errors.Is(err, broken) {
		t.Errorf("expected write error, got %v", err)
	}
}

func TestSessionKeepAlive(t *testing.T) {
	src := newFakeSource()
	cfg := testConfig()
	cfg.KeepAlive = 5 * time.Second
	hub, clk := newTestHub(t, src, nil, cfg)
	sink := newRecordingSink()
	serve(t, hub, sink, Request{})

	src.waitGets(t, 1)
	if err := clk.WaitAdvance(5*time.Second, time.Second, 2); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.keepAlives.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a keep-alive")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionMaxAge(t *testing.T) {
	src := newFakeSource()
	cfg := Config{TickInterval: time.Minute, MaxAge: 30 * time.Second}
	hub, clk := newTestHub(t, src, nil, cfg)
	_, errc := serve(t, hub, newRecordingSink(), Request{Viewer: "u1"})

	src.waitGets(t, 1)
	if err := clk.WaitAdvance(30*time.Second, time.Second, 2); err != nil {
		t.Fatal(err)
	}
	if err := waitErr(t, errc); err != nil {
		t.Errorf("expected clean close at max age, got %v", err)
	}
}

func TestSessionClientDisconnect(t *testing.T) {
	src := newFakeSource()
	hub, _ := newTestHub(t, src, nil, testConfig())
	cancel, errc := serve(t, hub, newRecordingSink(), Request{Viewer: "u1"})

	src.waitGets(t, 1)
	cancel()
	if err := waitErr(t, errc); err != nil {
		t.Errorf("expected clean close, got %v", err)
	}
}

func TestHubStopClosesConnections(t *testing.T) {
	src := newFakeSource()
	hub, _ := newTestHub(t, src, nil, testConfig())
	_, errc := serve(t, hub, newRecordingSink(), Request{Viewer: "u1"})
	src.waitGets(t, 1)

	if got := hub.Stats().Connections; got != 1 {
		t.Errorf("expected 1 open connection, got %d", got)
	}

	hub.Stop()
	if err := waitErr(t, errc); err != nil {
		t.Errorf("expected clean close on stop, got %v", err)
	}
	if err := hub.Serve(context.Background(), newRecordingSink(), Request{}); !errors.Is(err, ErrHubStopped) {
		t.Errorf("expected ErrHubStopped after stop, got %v", err)
	}
	if _, err := hub.Admit(); !errors.Is(err, ErrHubStopped) {
		t.Errorf("expected Admit to refuse after stop, got %v", err)
	}
	if got := hub.Stats().Connections; got != 0 {
		t.Errorf("expected 0 open connections, got %d", got)
	}
}

func TestHubAdmit(t *testing.T) {
	hub, _ := newTestHub(t, newFakeSource(), nil, Config{MaxConnections: 1})

	release, err := hub.Admit()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Admit(); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	release()
	release()

	release2, err := hub.Admit()
	if err != nil {
		t.Fatalf("expected a free slot after release, got %v", err)
	}
	release2()
}

func TestHubServeBeforeStart(t *testing.T) {
	hub := NewHub(newFakeSource(), state.NewEventLog(1), Config{}, nil, nil)
	if _, err := hub.Admit(); !errors.Is(err, ErrHubStopped) {
		t.Errorf("expected Admit to refuse before start, got %v", err)
	}
	if err := hub.Serve(context.Background(), newRecordingSink(), Request{}); !errors.Is(err, ErrHubStopped) {
		t.Errorf("expected ErrHubStopped, got %v", err)
	}
}

func TestGovernor(t *testing.T) {
	g := Governor{MinInterval: 10 * time.Second}
	if !g.Allow(epoch) {
		t.Error("first emission should always be allowed")
	}
	g.Record(epoch)
	if g.Allow(epoch.Add(9 * time.Second)) {
		t.Error("emission inside the interval should be withheld")
	}
	if !g.Allow(epoch.Add(10 * time.Second)) {
		t.Error("emission at the interval boundary should be allowed")
	}
	if !g.LastEmission().Equal(epoch) {
		t.Errorf("unexpected last emission %v", g.LastEmission())
	}

	unlimited := Governor{}
	unlimited.Record(epoch)
	if !unlimited.Allow(epoch) {
		t.Error("zero interval should never withhold")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateOpening, "opening"},
		{StateReplaying, "replaying"},
		{StateWatching, "watching"},
		{StateClosed, "closed"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d: got %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
