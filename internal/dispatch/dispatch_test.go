package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchbridge/internal/batch"
	"batchbridge/internal/monitor"
	"batchbridge/internal/params"
	"batchbridge/internal/storage"
	"batchbridge/internal/task/engine"
	"batchbridge/internal/task/scheduler"
	logx "batchbridge/pkg/logx"
)

func def(name, cron string, kv ...any) JobDefinition {
	return JobDefinition{Name: name, Cron: cron, Enabled: true, Params: params.MapOf(kv...)}
}

type countingScheduler struct {
	*scheduler.Service
	listenerAdds atomic.Int32
}

func (c *countingScheduler) AddListener(l scheduler.JobListener) {
	c.listenerAdds.Add(1)
	c.Service.AddListener(l)
}

func TestInitializeEmptyActiveSet(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(scheduler.Config{}, nil, nil, logx.Nop())
	r := NewRegistrar(sched, nil, logx.Nop())

	sum, err := r.Initialize(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, sum.SuccessCount)
	assert.Zero(t, sum.FailureCount)

	disabled := def("off", "not a cron")
	disabled.Enabled = false
	sum, err = r.Initialize(context.Background(), []JobDefinition{disabled})
	require.NoError(t, err)
	assert.Empty(t, sum.Outcomes)
	assert.Empty(t, sched.JobKeys(JobGroup))
}

func TestInitializePartialFailure(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(scheduler.Config{}, nil, nil, logx.Nop())
	r := NewRegistrar(sched, nil, logx.Nop())

	sum, err := r.Initialize(context.Background(), []JobDefinition{
		def("a", "0 0/5 * * * ?"),
		def("broken", "61 * * * * ?"),
		def("c", "0 0 1 * * ?"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SuccessCount)
	assert.Equal(t, 1, sum.FailureCount)
	assert.False(t, sum.Outcomes[1].Succeeded)
	assert.NotEmpty(t, sum.Outcomes[1].Error())
	assert.Empty(t, sum.Outcomes[0].Error())
	assert.Equal(t, []scheduler.JobKey{{Name: "a", Group: JobGroup}, {Name: "c", Group: JobGroup}}, sched.JobKeys(JobGroup))
}

func TestInitializeTotalFailureIsFatal(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(scheduler.Config{}, nil, nil, logx.Nop())
	r := NewRegistrar(sched, nil, logx.Nop())

	sum, err := r.Initialize(context.Background(), []JobDefinition{
		def("x", "bogus"),
		def("", "0 * * * * ?"),
	})
	require.ErrorIs(t, err, ErrRegistrationFatal)
	assert.ErrorIs(t, err, scheduler.ErrInvalidCron)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, 0, sum.SuccessCount)
	assert.Equal(t, 2, sum.FailureCount)
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	catalog := []JobDefinition{def("jobA", "0 0/5 * * * ?", "region", "us")}

	sched := scheduler.New(scheduler.Config{}, nil, store, logx.Nop())
	r := NewRegistrar(sched, nil, logx.Nop())
	_, err := r.Initialize(ctx, catalog)
	require.NoError(t, err)
	_, err = r.Initialize(ctx, catalog)
	require.NoError(t, err)
	assert.Len(t, sched.JobKeys(JobGroup), 1)

	// A restarted process sees the persisted registration and replaces it.
	restarted := scheduler.New(scheduler.Config{}, nil, store, logx.Nop())
	sum, err := NewRegistrar(restarted, nil, logx.Nop()).Initialize(ctx, catalog)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SuccessCount)

	recs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "jobA_trigger", recs[0].TriggerName)
	assert.Equal(t, TriggerGroup, recs[0].TriggerGroup)
}

func TestJobDataCarriesJobName(t *testing.T) {
	t.Parallel()
	sched := scheduler.New(scheduler.Config{}, nil, nil, logx.Nop())
	r := NewRegistrar(sched, nil, logx.Nop())
	_, err := r.Initialize(context.Background(), []JobDefinition{def("jobA", "0 0/5 * * * ?", "region", "us", "limit", 10)})
	require.NoError(t, err)

	d, tr, ok := sched.GetJob(scheduler.JobKey{Name: "jobA", Group: JobGroup})
	require.True(t, ok)
	assert.Equal(t, []string{JobNameKey, "region", "limit"}, d.Data.Keys())
	assert.Equal(t, HandlerKind, d.Kind)
	assert.Equal(t, scheduler.TriggerKey{Name: "jobA_trigger", Group: TriggerGroup}, tr.Key)
}

func TestBadCronKeepsExistingRegistration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sched := scheduler.New(scheduler.Config{}, nil, nil, logx.Nop())
	r := NewRegistrar(sched, nil, logx.Nop())
	_, err := r.Initialize(ctx, []JobDefinition{def("jobA", "0 0/5 * * * ?"), def("jobB", "@hourly")})
	require.NoError(t, err)

	sum, err := r.Initialize(ctx, []JobDefinition{def("jobA", "nope"), def("jobB", "@hourly")})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FailureCount)
	_, tr, ok := sched.GetJob(scheduler.JobKey{Name: "jobA", Group: JobGroup})
	require.True(t, ok)
	assert.Equal(t, "0 0/5 * * * ?", tr.Cron)
}

func TestListenerInstalledOnce(t *testing.T) {
	t.Parallel()
	cs := &countingScheduler{Service: scheduler.New(scheduler.Config{}, nil, nil, logx.Nop())}
	r := NewRegistrar(cs, monitor.NewListener(monitor.Noop{}, logx.Nop()), logx.Nop())
	for i := 0; i < 3; i++ {
		_, err := r.Initialize(context.Background(), []JobDefinition{def("a", "@daily")})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), cs.listenerAdds.Load())
	assert.Equal(t, []string{monitor.ListenerName}, cs.Listeners())
}

func TestReconcilePrunesRemovedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sched := scheduler.New(scheduler.Config{}, nil, nil, logx.Nop())
	require.NoError(t, sched.ScheduleJob(ctx, scheduler.JobDetail{Key: scheduler.JobKey{Name: "other", Group: "system"}, Kind: "x"}, scheduler.Trigger{Cron: "@daily"}))
	r := NewRegistrar(sched, nil, logx.Nop())
	_, err := r.Initialize(ctx, []JobDefinition{def("a", "@daily"), def("b", "@daily")})
	require.NoError(t, err)

	off := def("b", "@daily")
	off.Enabled = false
	sum, err := r.Reconcile(ctx, []JobDefinition{def("a", "@hourly"), off})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sum.Pruned)
	assert.Equal(t, []scheduler.JobKey{{Name: "a", Group: JobGroup}}, sched.JobKeys(JobGroup))
	assert.Len(t, sched.JobKeys("system"), 1)
}

func TestConcurrentRegistrationOfSameJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	sched := scheduler.New(scheduler.Config{}, nil, storage.NewMemory(), logx.Nop())
	r := NewRegistrar(sched, nil, logx.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Initialize(ctx, []JobDefinition{def("jobA", "@hourly")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, sched.JobKeys(JobGroup), 1)
}

type captured struct {
	mu   sync.Mutex
	sets []params.Set
}

func (c *captured) job(name string, fail error) batch.Job {
	return batch.NewJob(name, func(_ context.Context, e *batch.Execution) error {
		c.mu.Lock()
		c.sets = append(c.sets, e.Params)
		c.mu.Unlock()
		return fail
	})
}

func (c *captured) all() []params.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]params.Set(nil), c.sets...)
}

func TestBridgeDispatch(t *testing.T) {
	t.Parallel()
	c := &captured{}
	reg, err := batch.NewRegistry(c.job("jobA", nil), c.job("broken", errors.New("step 2 failed")))
	require.NoError(t, err)
	b := NewBridge(reg, batch.NewSimpleLauncher(logx.Nop()), nil, logx.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, b.Dispatch(ctx, params.MapOf("region", "us")), ErrUnknownJob)
	assert.ErrorIs(t, b.Dispatch(ctx, nil), ErrUnknownJob)
	assert.ErrorIs(t, b.Dispatch(ctx, params.MapOf(JobNameKey, "ghost")), ErrJobResolution)

	err = b.Dispatch(ctx, params.MapOf(JobNameKey, "broken"))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "broken", execErr.Job)
	assert.ErrorContains(t, err, "step 2 failed")

	data := params.MapOf(JobNameKey, "jobA", "region", "us", "count", 3)
	require.NoError(t, b.Dispatch(ctx, data))
	require.NoError(t, b.Dispatch(ctx, data))

	sets := c.all()
	require.Len(t, sets, 3)
	got := sets[1]
	assert.Equal(t, []string{"region", "count", params.UUIDKey}, got.Keys())
	v, _ := got.Get("count")
	assert.Equal(t, params.KindLong, v.Kind())
	u1, _ := sets[1].Get(params.UUIDKey)
	u2, _ := sets[2].Get(params.UUIDKey)
	assert.NotEqual(t, u1.Str(), u2.Str())

	// Dispatch never mutates the stored data.
	assert.Equal(t, []string{JobNameKey, "region", "count"}, data.Keys())
}

func TestRunner(t *testing.T) {
	t.Parallel()
	c := &captured{}
	reg, err := batch.NewRegistry(c.job("jobA", nil))
	require.NoError(t, err)
	r := NewRunner(reg, batch.NewSimpleLauncher(logx.Nop()), params.NewBuilder(), logx.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, r.Run(ctx, "ghost", nil), ErrJobResolution)

	unreadable := params.FieldFunc(func() ([]params.Field, error) { return nil, errors.New("field hidden") })
	err = r.Run(ctx, "jobA", unreadable)
	var accessErr *params.AccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Empty(t, c.all())

	src := params.FieldFunc(func() ([]params.Field, error) {
		return []params.Field{{Name: "date", Value: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)}, {Name: "ratio", Value: 0.5}}, nil
	})
	require.NoError(t, r.Run(ctx, "jobA", src))
	require.NoError(t, r.Run(ctx, "jobA", src))
	sets := c.all()
	require.Len(t, sets, 2)
	assert.Equal(t, []string{"date", "ratio", params.UUIDKey}, sets[0].Keys())
	d, _ := sets[0].Get("date")
	assert.Equal(t, params.KindDate, d.Kind())
}

type recordSink struct {
	mu   sync.Mutex
	recs []monitor.Record
}

func (s *recordSink) Emit(r monitor.Record) error {
	s.mu.Lock()
	s.recs = append(s.recs, r)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) records() []monitor.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]monitor.Record(nil), s.recs...)
}

func TestJobAEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 8}, logx.Nop())
	eng.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(stopCtx)
	})
	sched := scheduler.New(scheduler.Config{Enabled: true, Timezone: "UTC"}, eng, storage.NewMemory(), logx.Nop())

	c := &captured{}
	reg, err := batch.NewRegistry(c.job("jobA", nil))
	require.NoError(t, err)
	sched.RegisterHandler(HandlerKind, NewBridge(reg, batch.NewSimpleLauncher(logx.Nop()), nil, logx.Nop()))

	sink := &recordSink{}
	r := NewRegistrar(sched, monitor.NewListener(sink, logx.Nop()), logx.Nop())
	sum, err := r.Initialize(ctx, []JobDefinition{def("jobA", "0 0/5 * * * ?", "region", "us")})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SuccessCount)
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { sched.Stop(context.Background()) })

	_, tr, ok := sched.GetJob(scheduler.JobKey{Name: "jobA", Group: JobGroup})
	require.True(t, ok)
	from := time.Date(2025, 5, 1, 8, 1, 0, 0, time.UTC)
	next, err := scheduler.NextFireTimes(tr.Cron, from, 2)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, next[1].Sub(next[0]))

	require.NoError(t, sched.TriggerJob(ctx, scheduler.JobKey{Name: "jobA", Group: JobGroup}))
	require.Eventually(t, func() bool { return len(sink.records()) == 1 }, 2*time.Second, 5*time.Millisecond)

	rec := sink.records()[0]
	assert.Equal(t, "jobA", rec.JobName)
	assert.True(t, rec.Success)
	assert.GreaterOrEqual(t, rec.DurationMs(), int64(0))

	sets := c.all()
	require.Len(t, sets, 1)
	assert.Equal(t, []string{"region", params.UUIDKey}, sets[0].Keys())
	region, _ := sets[0].Get("region")
	assert.Equal(t, params.KindString, region.Kind())
	assert.Equal(t, "us", region.Str())
}
