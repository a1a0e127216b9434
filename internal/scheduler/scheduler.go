// Package scheduler runs periodic housekeeping jobs for the server.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/prayerfeed/internal/stream"
)

// Job is a named function fired on a cron schedule. An empty Schedule
// disables the job.
type Job struct {
	Name     string
	Schedule string
	Fn       func()
}

// Scheduler fires jobs on their cron schedules.
type Scheduler struct {
	jobs []Job
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field, plus descriptors such as
// "@every 1m".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Scheduler for jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every job with a schedule and starts the cron ticker. It
// returns the number of jobs scheduled. Jobs with an invalid schedule are
// logged and skipped.
func (s *Scheduler) Start() int {
	scheduled := 0
	for _, job := range s.jobs {
		if job.Schedule == "" || job.Fn == nil {
			continue
		}
		_, err := s.cron.AddFunc(job.Schedule, func() {
			slog.Debug("cron firing job", "name", job.Name)
			job.Fn()
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		scheduled++
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return scheduled
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Pruner drops entries older than maxAge and reports how many it removed.
type Pruner interface {
	Prune(maxAge time.Duration) int
}

// PruneJob drops snapshot cache entries of viewers that stopped asking.
func PruneJob(schedule string, p Pruner, maxAge time.Duration) Job {
	return Job{
		Name:     "prune-cache",
		Schedule: schedule,
		Fn: func() {
			if n := p.Prune(maxAge); n > 0 {
				slog.Debug("pruned snapshot cache", "removed", n)
			}
		},
	}
}

// StatsJob logs the hub's connection and event log figures.
func StatsJob(schedule string, stats func() stream.Stats) Job {
	return Job{
		Name:     "log-stats",
		Schedule: schedule,
		Fn: func() {
			st := stats()
			slog.Info("stream stats",
				"connections", st.Connections,
				"latest_event_id", st.LatestSeq,
				"retained_events", st.Retained,
				"cache_entries", st.CacheEntries)
		},
	}
}
