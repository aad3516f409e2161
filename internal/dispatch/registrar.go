package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"batchbridge/internal/params"
	"batchbridge/internal/task/scheduler"
	logx "batchbridge/pkg/logx"
)

// Registrar reconciles catalog entries with the scheduler.
type Registrar struct {
	sched    Scheduler
	listener scheduler.JobListener
	log      logx.Logger

	listenerOnce sync.Once

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistrar builds a registrar. listener may be nil.
func NewRegistrar(sched Scheduler, listener scheduler.JobListener, log logx.Logger) *Registrar {
	return &Registrar{
		sched:    sched,
		listener: listener,
		log:      log.With(logx.String("comp", "registrar")),
		locks:    map[string]*sync.Mutex{},
	}
}

// Initialize registers every enabled definition, replacing any existing
// registration with the same identity. Failures are isolated per job; the
// returned error wraps ErrRegistrationFatal only when a non-empty active set
// failed entirely.
func (r *Registrar) Initialize(ctx context.Context, catalog []JobDefinition) (Summary, error) {
	r.listenerOnce.Do(func() {
		if r.listener != nil {
			r.sched.AddListener(r.listener)
		}
	})

	var sum Summary
	var errs []error
	active := 0
	for _, def := range catalog {
		if !def.Enabled {
			r.log.Debug("job disabled; not registered", logx.String("job", def.Name))
			continue
		}
		active++
		err := r.register(ctx, def)
		sum.add(Outcome{Name: def.Name, Succeeded: err == nil, Err: err})
		if err != nil {
			errs = append(errs, err)
			r.log.Error("job registration failed", logx.String("job", def.Name), logx.String("cron", def.Cron), logx.Err(err))
			continue
		}
		r.log.Info("job registered", logx.String("job", def.Name), logx.String("cron", def.Cron))
	}

	if active > 0 && sum.FailureCount == active {
		return sum, fmt.Errorf("%w (%d of %d): %w", ErrRegistrationFatal, sum.FailureCount, active, errors.Join(errs...))
	}
	r.log.Info("job registration finished",
		logx.Int("active", active),
		logx.Int("succeeded", sum.SuccessCount),
		logx.Int("failed", sum.FailureCount),
	)
	return sum, nil
}

// Reconcile is Initialize followed by removal of registrations in the batch
// group whose names are no longer enabled in the catalog.
func (r *Registrar) Reconcile(ctx context.Context, catalog []JobDefinition) (Summary, error) {
	sum, err := r.Initialize(ctx, catalog)

	keep := make(map[string]bool, len(catalog))
	for _, def := range catalog {
		if def.Enabled {
			keep[strings.TrimSpace(def.Name)] = true
		}
	}
	for _, key := range r.sched.JobKeys(JobGroup) {
		if keep[key.Name] {
			continue
		}
		removed, derr := r.unregister(ctx, key)
		if derr != nil {
			r.log.Warn("stale job removal failed", logx.String("job", key.Name), logx.Err(derr))
			continue
		}
		if removed {
			sum.Pruned = append(sum.Pruned, key.Name)
			r.log.Info("job unscheduled; no longer in catalog", logx.String("job", key.Name))
		}
	}
	return sum, err
}

func (r *Registrar) register(ctx context.Context, def JobDefinition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return &RegistrationError{Err: fmt.Errorf("%w: name required", ErrInvalidDefinition)}
	}
	// Validate before touching the scheduler so a bad cron leaves any
	// existing registration in place.
	if _, err := scheduler.ParseCron(def.Cron); err != nil {
		return &RegistrationError{Job: def.Name, Err: fmt.Errorf("%w: %v", scheduler.ErrInvalidCron, err)}
	}

	data := params.NewMap()
	data.Set(JobNameKey, def.Name)
	data.Merge(def.Params)
	detail := scheduler.JobDetail{Key: def.JobKey(), Description: def.Description, Kind: HandlerKind, Data: data, AllowOverlap: def.AllowOverlap}
	trigger := scheduler.Trigger{Key: def.TriggerKey(), JobKey: detail.Key, Cron: def.Cron}

	unlock := r.lock(def.Name)
	defer unlock()

	exists, err := r.sched.CheckExists(ctx, detail.Key)
	if err != nil {
		return &RegistrationError{Job: def.Name, Err: err}
	}
	if exists {
		if _, err := r.sched.DeleteJob(ctx, detail.Key); err != nil {
			return &RegistrationError{Job: def.Name, Err: err}
		}
		r.log.Debug("existing registration replaced", logx.String("job", def.Name))
	}
	if err := r.sched.ScheduleJob(ctx, detail, trigger); err != nil {
		return &RegistrationError{Job: def.Name, Err: err}
	}
	return nil
}

func (r *Registrar) unregister(ctx context.Context, key scheduler.JobKey) (bool, error) {
	unlock := r.lock(key.Name)
	defer unlock()
	return r.sched.DeleteJob(ctx, key)
}

// lock serializes check/delete/schedule for one job identity.
func (r *Registrar) lock(name string) func() {
	r.mu.Lock()
	m, ok := r.locks[name]
	if !ok {
		m = &sync.Mutex{}
		r.locks[name] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}
