package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/prayerfeed/internal/stream"
)

// waitFires polls until fires reaches at least one or the deadline passes.
func waitFires(t *testing.T, fires *atomic.Int32) {
	t.Helper()
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("job did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{
		Name:     "every-second",
		Schedule: "* * * * * *",
		Fn:       func() { fires.Add(1) },
	})
	if n := sched.Start(); n != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", n)
	}
	defer sched.Stop()

	waitFires(t, &fires)
}

func TestSchedulerSkipsUnscheduled(t *testing.T) {
	var fires atomic.Int32
	sched := New(
		Job{Name: "disabled", Schedule: "", Fn: func() { fires.Add(1) }},
		Job{Name: "broken", Schedule: "not a schedule", Fn: func() { fires.Add(1) }},
	)
	if n := sched.Start(); n != 0 {
		t.Errorf("expected no scheduled jobs, got %d", n)
	}
	defer sched.Stop()

	time.Sleep(1500 * time.Millisecond)
	if n := fires.Load(); n != 0 {
		t.Errorf("expected 0 fires, got %d", n)
	}
}

type countingPruner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (p *countingPruner) Prune(maxAge time.Duration) int {
	p.calls.Add(1)
	p.maxAge.Store(int64(maxAge))
	return 3
}

func TestPruneJob(t *testing.T) {
	p := &countingPruner{}
	sched := New(PruneJob("@every 1s", p, time.Minute))
	sched.Start()
	defer sched.Stop()

	waitFires(t, &p.calls)
	if got := time.Duration(p.maxAge.Load()); got != time.Minute {
		t.Errorf("expected max age 1m, got %v", got)
	}
}

func TestStatsJob(t *testing.T) {
	var calls atomic.Int32
	job := StatsJob("@every 5m", func() stream.Stats {
		calls.Add(1)
		return stream.Stats{Connections: 2, LatestSeq: 7}
	})
	if job.Name != "log-stats" || job.Schedule != "@every 5m" {
		t.Errorf("unexpected job %+v", job)
	}
	job.Fn()
	if calls.Load() != 1 {
		t.Errorf("expected stats to be read once, got %d", calls.Load())
	}
}
