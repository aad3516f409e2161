package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"batchbridge/internal/params"
	logx "batchbridge/pkg/logx"
)

var (
	// ErrJobInstanceAlreadyComplete rejects a run whose job name and
	// parameters match an instance that already completed.
	ErrJobInstanceAlreadyComplete = errors.New("batch: job instance already complete")
	// ErrJobExecutionAlreadyRunning rejects a run whose instance is in flight.
	ErrJobExecutionAlreadyRunning = errors.New("batch: job execution already running")
)

type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Execution is one run of a job instance.
type Execution struct {
	ID          string
	JobName     string
	InstanceKey string
	Params      params.Set
	Status      Status
	StartedAt   time.Time
	EndedAt     time.Time
	Failure     string

	// Log is scoped to this execution.
	Log logx.Logger
}

// Param returns the named parameter of this execution.
func (e *Execution) Param(key string) (params.Value, bool) {
	if e == nil {
		return params.Value{}, false
	}
	return e.Params.Get(key)
}

// Launcher runs a job with a typed parameter set and reports failure as an error.
type Launcher interface {
	Run(ctx context.Context, job Job, p params.Set) (*Execution, error)
}

// SimpleLauncher runs jobs synchronously on the caller's goroutine and keeps
// an in-memory repository of job instances keyed by job name plus parameters.
type SimpleLauncher struct {
	log          logx.Logger
	maxInstances int

	mu        sync.Mutex
	instances map[string]Status
	order     []string
	recent    []Execution
}

type LauncherOption func(*SimpleLauncher)

// WithMaxInstances bounds the instance repository; the oldest finished
// instances are forgotten first.
func WithMaxInstances(n int) LauncherOption {
	return func(l *SimpleLauncher) {
		if n > 0 {
			l.maxInstances = n
		}
	}
}

const recentExecutions = 50

func NewSimpleLauncher(log logx.Logger, opts ...LauncherOption) *SimpleLauncher {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &SimpleLauncher{
		log:          log,
		maxInstances: 10000,
		instances:    map[string]Status{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func instanceKey(jobName string, p params.Set) string {
	return jobName + p.String()
}

func (l *SimpleLauncher) Run(ctx context.Context, job Job, p params.Set) (*Execution, error) {
	if job == nil {
		return nil, ErrInvalidJob
	}
	key := instanceKey(job.Name(), p)

	l.mu.Lock()
	switch l.instances[key] {
	case StatusCompleted:
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrJobInstanceAlreadyComplete, job.Name(), p)
	case StatusStarted:
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", ErrJobExecutionAlreadyRunning, job.Name(), p)
	}
	if _, seen := l.instances[key]; !seen {
		l.order = append(l.order, key)
	}
	l.instances[key] = StatusStarted
	l.mu.Unlock()

	exec := &Execution{
		ID:          uuid.NewString(),
		JobName:     job.Name(),
		InstanceKey: key,
		Params:      p,
		Status:      StatusStarted,
		StartedAt:   time.Now(),
	}
	exec.Log = l.log.With(logx.String("job", exec.JobName), logx.String("execution", exec.ID))
	exec.Log.Info("job execution started", logx.String("params", p.String()))

	err := l.execute(ctx, job, exec)

	exec.EndedAt = time.Now()
	if err != nil {
		exec.Status = StatusFailed
		exec.Failure = err.Error()
		exec.Log.Warn("job execution failed", logx.Err(err), logx.Duration("dur", exec.EndedAt.Sub(exec.StartedAt)))
	} else {
		exec.Status = StatusCompleted
		exec.Log.Info("job execution completed", logx.Duration("dur", exec.EndedAt.Sub(exec.StartedAt)))
	}
	l.finish(key, *exec)

	if err != nil {
		return exec, fmt.Errorf("batch: job %s failed: %w", job.Name(), err)
	}
	return exec, nil
}

func (l *SimpleLauncher) execute(ctx context.Context, job Job, exec *Execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			exec.Log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return job.Execute(ctx, exec)
}

func (l *SimpleLauncher) finish(key string, exec Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instances[key] = exec.Status

	l.recent = append(l.recent, exec)
	if len(l.recent) > recentExecutions {
		l.recent = l.recent[len(l.recent)-recentExecutions:]
	}

	for len(l.instances) > l.maxInstances {
		evicted := false
		for i, k := range l.order {
			if l.instances[k] != StatusStarted {
				delete(l.instances, k)
				l.order = append(l.order[:i], l.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// Recent returns the latest finished executions, oldest first.
func (l *SimpleLauncher) Recent() []Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Execution(nil), l.recent...)
}

// InstanceStatus reports the last known status of an instance.
func (l *SimpleLauncher) InstanceStatus(jobName string, p params.Set) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.instances[instanceKey(jobName, p)]
	return st, ok
}

var _ Launcher = (*SimpleLauncher)(nil)
