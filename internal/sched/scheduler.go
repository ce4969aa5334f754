// Package sched hosts the daemon's recurring jobs on one cron runner.
// Jobs are addressed by string id so owners can replace or retire their
// own entries without touching anyone else's.
package sched

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/log"
)

// Scheduler wraps a cron runner with named entries. Every job runs with
// single-flight semantics: a tick that arrives while the previous run is
// still going is dropped.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a stopped scheduler; call Start to run it.
func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  log.WithComponent("sched"),
		entries: map[string]cron.EntryID{},
	}
}

// Install registers or replaces the job under id. spec is a standard cron
// expression, optionally with a CRON_TZ= prefix, or an @every descriptor.
func (s *Scheduler) Install(id, spec string, job func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
		delete(s.entries, id)
	}
	wrapped := s.singleFlight(id, job)
	entryID, err := s.cron.AddFunc(spec, wrapped)
	if err != nil {
		return fmt.Errorf("sched: install %q with spec %q: %w", id, spec, err)
	}
	s.entries[id] = entryID
	s.logger.Info().Str("event", "sched.installed").Str("job", id).Str("spec", spec).Msg("job installed")
	return nil
}

// Remove retires the job under id. Unknown ids are ignored.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
		s.logger.Info().Str("event", "sched.removed").Str("job", id).Msg("job removed")
	}
}

// RemovePrefix retires every job whose id starts with prefix.
func (s *Scheduler) RemovePrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entryID := range s.entries {
		if strings.HasPrefix(id, prefix) {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
	}
}

// Jobs returns the installed job ids, for diagnostics.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Str("event", "sched.started").Int("jobs", len(s.Jobs())).Msg("scheduler started")
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sched: jobs still running at shutdown: %w", ctx.Err())
	}
}

// singleFlight drops overlapping runs of the same job and logs how long
// each run took.
func (s *Scheduler) singleFlight(id string, job func()) func() {
	var running sync.Mutex
	return func() {
		if !running.TryLock() {
			s.logger.Warn().Str("event", "sched.overlap").Str("job", id).Msg("previous run still going, tick dropped")
			return
		}
		defer running.Unlock()
		start := time.Now()
		job()
		s.logger.Debug().
			Str("event", "sched.ran").
			Str("job", id).
			Dur("took", time.Since(start)).
			Msg("job finished")
	}
}

// InstallInterval registers a job firing every interval.
func (s *Scheduler) InstallInterval(id string, interval time.Duration, job func()) error {
	return s.Install(id, fmt.Sprintf("@every %s", interval), job)
}
