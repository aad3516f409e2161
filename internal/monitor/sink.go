package monitor

import (
	"errors"
	"fmt"
	"time"

	logx "batchbridge/pkg/logx"
)

// Record describes one finished fire.
type Record struct {
	JobName        string        `json:"job_name"`
	FireID         string        `json:"fire_id,omitempty"`
	Start          time.Time     `json:"start"`
	End            time.Time     `json:"end"`
	Duration       time.Duration `json:"duration"`
	Success        bool          `json:"success"`
	FailureMessage string        `json:"failure_message,omitempty"`
}

// DurationMs is the duration in whole milliseconds.
func (r Record) DurationMs() int64 { return r.Duration.Milliseconds() }

// Sink receives execution records. Implementations may fail; the listener
// logs the failure and carries on.
type Sink interface {
	Emit(r Record) error
}

type SinkFunc func(r Record) error

func (f SinkFunc) Emit(r Record) error { return f(r) }

// SinkError wraps a failure raised while emitting a record.
type SinkError struct {
	Sink string
	Job  string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("monitor: sink %s failed for job %s: %v", e.Sink, e.Job, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Noop discards records.
type Noop struct{}

func (Noop) Emit(Record) error { return nil }

// LogSink writes each record as one structured log line.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Emit(r Record) error {
	fields := []logx.Field{
		logx.String("job", r.JobName),
		logx.Time("start", r.Start),
		logx.Time("end", r.End),
		logx.Int64("duration_ms", r.DurationMs()),
		logx.Bool("success", r.Success),
	}
	if r.FireID != "" {
		fields = append(fields, logx.String("fire_id", r.FireID))
	}
	if !r.Success {
		fields = append(fields, logx.String("failure", r.FailureMessage))
		s.Log.Warn("execution record", fields...)
		return nil
	}
	s.Log.Info("execution record", fields...)
	return nil
}

// Multi fans a record out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Emit(r Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Vetoed(job string) {
	for _, s := range m {
		if vc, ok := s.(VetoCounter); ok {
			vc.Vetoed(job)
		}
	}
}
