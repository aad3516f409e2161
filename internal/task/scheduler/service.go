package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"batchbridge/internal/storage"
	"batchbridge/internal/task/engine"
	logx "batchbridge/pkg/logx"
)

// New builds the trigger service. eng runs the fires; store may be nil for
// memory-only registrations.
func New(cfg Config, eng *engine.Service, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		engine:      eng,
		store:       store,
		jobs:        map[JobKey]*jobEntry{},
		handlers:    map[string]Handler{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Running reports whether triggers are firing.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply swaps the config. A time zone change restarts cron with the same jobs.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	running := s.c != nil
	tzChanged := oldTZ != strings.TrimSpace(cfg.Timezone)
	if running && cfg.Enabled && tzChanged {
		s.restartLocked()
	}
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		return s.Start(ctx)
	}
	return nil
}

// Restore loads persisted registrations. It runs at most once and is called
// by Start; callers that inspect registrations before Start call it first.
func (s *Service) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreLocked(ctx)
}

func (s *Service) restoreLocked(ctx context.Context) error {
	if s.restored || s.store == nil {
		s.restored = true
		return nil
	}
	recs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: restore: %w", err)
	}
	s.restored = true
	n := 0
	for _, r := range recs {
		key := JobKey{Name: r.Name, Group: r.Group}
		if _, ok := s.jobs[key]; ok {
			continue
		}
		sched, err := ParseCron(r.Cron)
		if err != nil {
			s.log.Warn("persisted job has invalid cron; left unscheduled", logx.String("job", key.String()), logx.String("cron", r.Cron), logx.Err(err))
			continue
		}
		s.jobs[key] = &jobEntry{
			detail:    JobDetail{Key: key, Description: r.Description, Kind: r.Kind, Data: r.Data},
			trigger:   Trigger{Key: TriggerKey{Name: r.TriggerName, Group: r.TriggerGroup}, JobKey: key, Cron: r.Cron},
			schedule:  sched,
			state:     &engine.RunState{},
			createdAt: r.UpdatedAt,
		}
		n++
	}
	if n > 0 {
		s.log.Info("restored persisted jobs", logx.Int("jobs", n))
	}
	return nil
}

// Start restores persisted jobs and starts firing triggers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(ctx); err != nil {
		return err
	}
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; triggers will not fire", logx.Int("jobs", len(s.jobs)))
		return nil
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, e := range s.jobs {
		s.addCronLocked(e)
	}
	s.c.Start()
}

// Stop stops firing. Registrations stay in memory and in the store.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.jobs {
		e.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) addCronLocked(e *jobEntry) {
	e.entryID = s.c.Schedule(e.schedule, cron.FuncJob(func() { s.fire(e, false) }))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
