package dispatch

import (
	"context"
	"fmt"
	"strings"

	"batchbridge/internal/batch"
	"batchbridge/internal/params"
	logx "batchbridge/pkg/logx"
)

// Runner runs jobs on demand, outside any trigger.
type Runner struct {
	registry batch.Registry
	launcher batch.Launcher
	builder  *params.Builder
	log      logx.Logger
}

// NewRunner shares builder with the Bridge so both paths coerce identically.
func NewRunner(registry batch.Registry, launcher batch.Launcher, builder *params.Builder, log logx.Logger) *Runner {
	if builder == nil {
		builder = params.NewBuilder()
	}
	return &Runner{registry: registry, launcher: launcher, builder: builder, log: log.With(logx.String("comp", "runner"))}
}

// Run resolves jobName, builds parameters from source and runs the job.
// source may be a *params.Map, a params.FieldSource or a map[string]any; a
// source whose fields cannot be read fails with *params.AccessError.
func (r *Runner) Run(ctx context.Context, jobName string, source any) error {
	name := strings.TrimSpace(jobName)
	job, ok := r.registry.Resolve(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobResolution, name)
	}
	set, err := r.builder.BuildAny(source)
	if err != nil {
		r.log.Warn("ad-hoc parameters unreadable", logx.String("job", name), logx.Err(err))
		return err
	}
	exec, err := r.launcher.Run(ctx, job, set)
	if err != nil {
		r.log.Warn("ad-hoc run failed", logx.String("job", name), logx.Err(err))
		return &ExecutionError{Job: name, Err: err}
	}
	fields := []logx.Field{logx.String("job", name)}
	if exec != nil {
		fields = append(fields, logx.String("execution", exec.ID))
	}
	r.log.Info("ad-hoc run completed", fields...)
	return nil
}
