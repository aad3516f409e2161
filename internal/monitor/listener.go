// Package monitor times job fires and reports one execution record per run.
package monitor

import (
	"context"
	"fmt"
	"time"

	"batchbridge/internal/task/scheduler"
	logx "batchbridge/pkg/logx"
)

// ListenerName is the name the listener registers under.
const ListenerName = "execution-monitor"

// startKey is the JobContext key holding the fire start time.
const startKey = "monitor.start"

// VetoCounter is implemented by sinks that also count rejected fires.
type VetoCounter interface {
	Vetoed(job string)
}

// Listener is a scheduler.JobListener. It holds no per-fire state; the start
// time lives in each fire's JobContext.
type Listener struct {
	log  logx.Logger
	sink Sink
	now  func() time.Time
}

func NewListener(sink Sink, log logx.Logger) *Listener {
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Listener{log: log.With(logx.String("comp", "monitor")), sink: sink, now: time.Now}
}

func (l *Listener) Name() string { return ListenerName }

func (l *Listener) JobToBeExecuted(_ context.Context, jc *scheduler.JobContext) {
	jc.Put(startKey, l.now())
	l.log.Info("job about to run", logx.String("job", jc.JobName()), logx.String("fire_id", jc.FireID), logx.Bool("manual", jc.Manual))
}

func (l *Listener) JobExecutionVetoed(_ context.Context, jc *scheduler.JobContext) {
	fields := []logx.Field{logx.String("job", jc.JobName()), logx.String("fire_id", jc.FireID)}
	if jc.VetoReason != nil {
		fields = append(fields, logx.Err(jc.VetoReason))
	}
	l.log.Warn("job execution vetoed", fields...)
	if vc, ok := l.sink.(VetoCounter); ok {
		l.guard(jc.JobName(), func() error { vc.Vetoed(jc.JobName()); return nil })
	}
}

func (l *Listener) JobWasExecuted(_ context.Context, jc *scheduler.JobContext, err error) {
	end := l.now()
	start := end
	if v, ok := jc.Get(startKey); ok {
		if t, ok := v.(time.Time); ok {
			start = t
		}
	}
	dur := end.Sub(start)
	if dur < 0 {
		dur = 0
	}
	rec := Record{JobName: jc.JobName(), FireID: jc.FireID, Start: start, End: end, Duration: dur, Success: err == nil}
	if err != nil {
		rec.FailureMessage = err.Error()
		l.log.Error("job failed", logx.String("job", rec.JobName), logx.Duration("took", dur), logx.Err(err))
	} else {
		l.log.Info("job completed", logx.String("job", rec.JobName), logx.Duration("took", dur))
	}
	l.guard(rec.JobName, func() error { return l.sink.Emit(rec) })
}

// guard runs fn, turning errors and panics into a logged SinkError.
func (l *Listener) guard(job string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()
	if err != nil {
		se := &SinkError{Sink: fmt.Sprintf("%T", l.sink), Job: job, Err: err}
		l.log.Warn("monitoring sink failed", logx.Err(se))
	}
}
