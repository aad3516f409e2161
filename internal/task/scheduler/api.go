package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"batchbridge/internal/storage"
	"batchbridge/internal/task/engine"
	logx "batchbridge/pkg/logx"
)

// ScheduleJob registers detail with trigger. It fails with ErrJobAlreadyExists
// if the job key is taken; the trigger's JobKey defaults to detail.Key.
func (s *Service) ScheduleJob(ctx context.Context, detail JobDetail, trigger Trigger) error {
	detail.Key.Name = strings.TrimSpace(detail.Key.Name)
	if detail.Key.Name == "" {
		return ErrInvalidKey
	}
	if trigger.JobKey == (JobKey{}) {
		trigger.JobKey = detail.Key
	}
	if trigger.JobKey != detail.Key {
		return fmt.Errorf("scheduler: trigger %s targets %s, not %s", trigger.Key, trigger.JobKey, detail.Key)
	}
	if strings.TrimSpace(trigger.Key.Name) == "" {
		trigger.Key = TriggerKey{Name: detail.Key.Name + "_trigger", Group: detail.Key.Group}
	}
	sched, err := ParseCron(trigger.Cron)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	detail.Data = detail.Data.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(ctx); err != nil {
		return err
	}
	if _, ok := s.jobs[detail.Key]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, detail.Key)
	}
	now := time.Now()
	if s.store != nil {
		err := s.store.PutJob(ctx, storage.JobRecord{
			Name:         detail.Key.Name,
			Group:        detail.Key.Group,
			Description:  detail.Description,
			Kind:         detail.Kind,
			Data:         detail.Data,
			TriggerName:  trigger.Key.Name,
			TriggerGroup: trigger.Key.Group,
			Cron:         trigger.Cron,
			UpdatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("scheduler: persist %s: %w", detail.Key, err)
		}
	}
	e := &jobEntry{detail: detail, trigger: trigger, schedule: sched, state: &engine.RunState{}, createdAt: now}
	s.jobs[detail.Key] = e
	if s.c != nil {
		s.addCronLocked(e)
	}

	fields := []logx.Field{logx.String("job", detail.Key.String()), logx.String("trigger", trigger.Key.String()), logx.String("cron", trigger.Cron)}
	if s.log.Enabled(logx.LevelDebug) {
		if next := previewNext(sched, s.locationLocked(), 3); next != "" {
			fields = append(fields, logx.String("next", next))
		}
	}
	s.log.Debug("job scheduled", fields...)
	return nil
}

// CheckExists reports whether a job with key is registered.
func (s *Service) CheckExists(ctx context.Context, key JobKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(ctx); err != nil {
		return false, err
	}
	_, ok := s.jobs[key]
	return ok, nil
}

// DeleteJob unschedules the job and its trigger and removes it from the
// store. It reports whether a job was removed.
func (s *Service) DeleteJob(ctx context.Context, key JobKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(ctx); err != nil {
		return false, err
	}
	e, ok := s.jobs[key]
	if s.store != nil {
		removed, err := s.store.DeleteJob(ctx, key.Name, key.Group)
		if err != nil {
			return false, fmt.Errorf("scheduler: delete %s: %w", key, err)
		}
		ok = ok || removed
	}
	if e != nil {
		if s.c != nil && e.entryID != 0 {
			s.c.Remove(e.entryID)
		}
		delete(s.jobs, key)
	}
	if ok {
		s.log.Debug("job deleted", logx.String("job", key.String()))
	}
	return ok, nil
}

// GetJob returns a copy of the registered descriptor and trigger.
func (s *Service) GetJob(key JobKey) (JobDetail, Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[key]
	if !ok {
		return JobDetail{}, Trigger{}, false
	}
	d := e.detail
	d.Data = d.Data.Clone()
	return d, e.trigger, true
}

// JobKeys lists registered keys in group ("" lists all), sorted by name.
func (s *Service) JobKeys(group string) []JobKey {
	s.mu.Lock()
	out := make([]JobKey, 0, len(s.jobs))
	for k := range s.jobs {
		if group == "" || k.Group == group {
			out = append(out, k)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RegisterHandler binds the handler that runs jobs of kind.
func (s *Service) RegisterHandler(kind string, h Handler) {
	s.hmu.Lock()
	s.handlers[kind] = h
	s.hmu.Unlock()
}

func (s *Service) handler(kind string) Handler {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handlers[kind]
}

// AddListener installs l. A listener with the same name is replaced.
func (s *Service) AddListener(l JobListener) {
	if l == nil {
		return
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, cur := range s.listeners {
		if cur.Name() == l.Name() {
			s.listeners[i] = l
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *Service) RemoveListener(name string) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	for i, cur := range s.listeners {
		if cur.Name() == name {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Service) Listeners() []string {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	out := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Name())
	}
	return out
}

// TriggerJob fires the job now, outside its schedule. The error reports only
// whether the fire was accepted; execution failures go to listeners.
func (s *Service) TriggerJob(ctx context.Context, key JobKey) error {
	s.mu.Lock()
	err := s.restoreLocked(ctx)
	e, ok := s.jobs[key]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	return s.fire(e, true)
}

func (s *Service) locationLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}
