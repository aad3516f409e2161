package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"batchbridge/internal/task/engine"
	logx "batchbridge/pkg/logx"
)

const enqueueWarnEvery = 30 * time.Second

// fire hands one trigger fire to the engine. A rejected fire is reported to
// listeners as vetoed and never reaches the handler.
func (s *Service) fire(e *jobEntry, manual bool) error {
	now := time.Now()
	detail := e.detail
	detail.Data = detail.Data.Clone()
	jc := &JobContext{
		FireID:        uuid.NewString(),
		Detail:        detail,
		Trigger:       e.trigger,
		ScheduledTime: now.Truncate(time.Second),
		FireTime:      now,
		Manual:        manual,
	}
	if manual {
		jc.ScheduledTime = now
	}

	if s.engine == nil {
		go func() { _ = s.execute(context.Background(), jc) }()
		return nil
	}

	overlap := engine.OverlapSkipIfRunning
	if detail.AllowOverlap {
		overlap = engine.OverlapAllow
	}
	task := engine.Task{
		ID:    jc.FireID,
		Name:  detail.Key.String(),
		Run:   func(ctx context.Context) error { return s.execute(ctx, jc) },
		Opt:   engine.TaskOptions{Overlap: overlap},
		State: e.state,
	}
	err := s.engine.EnqueueNotify(task, func(err error) { s.veto(jc, err) })
	if err != nil {
		s.veto(jc, err)
		s.reportEnqueueError(detail.Key, err)
		return err
	}
	return nil
}

func (s *Service) execute(ctx context.Context, jc *JobContext) (err error) {
	for _, l := range s.listenerList() {
		s.notify(l, "JobToBeExecuted", func() { l.JobToBeExecuted(ctx, jc) })
	}

	err = s.runHandler(ctx, jc)

	for _, l := range s.listenerList() {
		s.notify(l, "JobWasExecuted", func() { l.JobWasExecuted(ctx, jc, err) })
	}
	return err
}

func (s *Service) runHandler(ctx context.Context, jc *JobContext) (err error) {
	h := s.handler(jc.Detail.Kind)
	if h == nil {
		return fmt.Errorf("%w: %q", ErrNoHandler, jc.Detail.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job handler panic", logx.String("job", jc.Detail.Key.String()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("scheduler: job %s panicked: %v", jc.Detail.Key, r)
		}
	}()
	return h.Execute(ctx, jc)
}

func (s *Service) veto(jc *JobContext, reason error) {
	jc.VetoReason = reason
	ctx := context.Background()
	for _, l := range s.listenerList() {
		s.notify(l, "JobExecutionVetoed", func() { l.JobExecutionVetoed(ctx, jc) })
	}
}

func (s *Service) listenerList() []JobListener {
	s.lmu.RLock()
	defer s.lmu.RUnlock()
	out := make([]JobListener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

// notify isolates fires from listener panics.
func (s *Service) notify(l JobListener, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job listener panic", logx.String("listener", l.Name()), logx.String("hook", hook), logx.Any("panic", r))
		}
	}()
	fn()
}

func (s *Service) reportEnqueueError(key JobKey, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("fire skipped; previous run still active", logx.String("job", key.String()))
		return
	}
	now := time.Now()
	name := key.String()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	warn := last.IsZero() || now.Sub(last) >= enqueueWarnEvery
	if warn {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()
	if warn {
		s.log.Warn("fire rejected by task engine", logx.String("job", name), logx.Err(err))
	}
}

func previewNext(sched cron.Schedule, loc *time.Location, n int) string {
	if sched == nil || n <= 0 {
		return ""
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}
