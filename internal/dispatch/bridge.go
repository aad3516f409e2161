package dispatch

import (
	"context"
	"fmt"
	"strings"

	"batchbridge/internal/batch"
	"batchbridge/internal/params"
	"batchbridge/internal/task/scheduler"
	logx "batchbridge/pkg/logx"
)

// Bridge runs fired triggers. It is the scheduler handler for HandlerKind
// and keeps no per-fire state.
type Bridge struct {
	registry batch.Registry
	launcher batch.Launcher
	builder  *params.Builder
	log      logx.Logger
}

func NewBridge(registry batch.Registry, launcher batch.Launcher, builder *params.Builder, log logx.Logger) *Bridge {
	if builder == nil {
		builder = params.NewBuilder()
	}
	return &Bridge{registry: registry, launcher: launcher, builder: builder, log: log.With(logx.String("comp", "bridge"))}
}

// Execute implements scheduler.Handler.
func (b *Bridge) Execute(ctx context.Context, jc *scheduler.JobContext) error {
	return b.Dispatch(ctx, jc.Data())
}

// Dispatch runs the job named by data's JOB_NAME entry with the remaining
// entries as parameters.
func (b *Bridge) Dispatch(ctx context.Context, data *params.Map) error {
	raw, _ := data.Get(JobNameKey)
	name, _ := raw.(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrUnknownJob
	}
	rest := data.Clone()
	rest.Delete(JobNameKey)

	job, ok := b.registry.Resolve(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobResolution, name)
	}
	set := b.builder.Build(rest)
	b.log.Debug("dispatching job", logx.String("job", name), logx.String("params", set.String()))

	if _, err := b.launcher.Run(ctx, job, set); err != nil {
		return &ExecutionError{Job: name, Err: err}
	}
	return nil
}

var _ scheduler.Handler = (*Bridge)(nil)
