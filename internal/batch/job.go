// Package batch is the execution engine side of the bridge: named jobs, the
// registry that resolves them and the launcher that runs them with a typed
// parameter set.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicateJob = errors.New("batch: job already registered")
	ErrInvalidJob   = errors.New("batch: job must have a name and a body")
)

// Job is one named, parameterized unit of batch work.
type Job interface {
	Name() string
	Execute(ctx context.Context, exec *Execution) error
}

type funcJob struct {
	name string
	fn   func(ctx context.Context, exec *Execution) error
}

func (j funcJob) Name() string { return j.name }

func (j funcJob) Execute(ctx context.Context, exec *Execution) error { return j.fn(ctx, exec) }

// NewJob adapts a function to Job.
func NewJob(name string, fn func(ctx context.Context, exec *Execution) error) Job {
	return funcJob{name: name, fn: fn}
}

// Registry resolves a runnable job by name. Implementations must be safe for
// concurrent reads.
type Registry interface {
	Resolve(name string) (Job, bool)
}

// MapRegistry is a Registry populated at startup.
type MapRegistry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry(jobs ...Job) (*MapRegistry, error) {
	r := &MapRegistry{jobs: map[string]Job{}}
	for _, j := range jobs {
		if err := r.Register(j); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *MapRegistry) Register(j Job) error {
	if j == nil || strings.TrimSpace(j.Name()) == "" {
		return ErrInvalidJob
	}
	if fj, ok := j.(funcJob); ok && fj.fn == nil {
		return ErrInvalidJob
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name())
	}
	r.jobs[j.Name()] = j
	return nil
}

func (r *MapRegistry) Resolve(name string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[name]
	return j, ok
}

func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.jobs))
	for n := range r.jobs {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

var _ Registry = (*MapRegistry)(nil)
