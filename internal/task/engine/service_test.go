package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "batchbridge/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, QueueSize: 4})

	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}))
	<-done
	waitFor(t, func() bool { return s.Snapshot().Completed == 1 })

	h := s.Snapshot().History
	require.Len(t, h, 1)
	assert.Equal(t, "ok", h[0].Name)
	assert.NotEmpty(t, h[0].ID)
	assert.Empty(t, h[0].Error)
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})

	require.NoError(t, s.Enqueue(Task{Name: "panics", Run: func(ctx context.Context) error { panic("bad") }}))
	waitFor(t, func() bool { return s.Snapshot().Failed == 1 })

	// The worker survives and keeps draining.
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { return nil }}))
	waitFor(t, func() bool { return s.Snapshot().Completed == 1 })
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, QueueSize: 4})

	release := make(chan struct{})
	started := make(chan struct{})
	st := &RunState{}
	task := Task{Name: "slow", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, State: st, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(task))
	<-started

	err := s.Enqueue(task)
	assert.ErrorIs(t, err, ErrOverlapSkip)
	assert.True(t, IsRejected(err))
	assert.True(t, st.Busy())

	close(release)
	waitFor(t, func() bool { return !st.Busy() })
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: noop}))
	err := s.Enqueue(Task{Name: "overflow", Run: noop})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
	close(release)
}

func TestTimeoutCancelsRunContext(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1, DefaultTimeout: 20 * time.Millisecond})

	got := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{Name: "deadline", Run: func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}}))
	select {
	case err := <-got:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not canceled")
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	noop := Task{Name: "x", Run: func(ctx context.Context) error { return nil }}

	disabled := New(Config{}, logx.Nop())
	assert.ErrorIs(t, disabled.Enqueue(noop), ErrDisabled)

	stopped := New(Config{Enabled: true}, logx.Nop())
	assert.ErrorIs(t, stopped.Enqueue(noop), ErrStopped)

	assert.Error(t, stopped.Enqueue(Task{Name: "nil run"}))
}

func TestRestartReleasesQueuedTasks(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4})

	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	st := &RunState{}
	ran := make(chan struct{}, 1)
	var drops []error
	var dmu sync.Mutex
	queued := Task{Name: "queued", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, State: st, Run: func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}}
	require.NoError(t, s.EnqueueNotify(queued, func(err error) {
		dmu.Lock()
		drops = append(drops, err)
		dmu.Unlock()
	}))
	require.True(t, st.Busy())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Apply(ctx, Config{Enabled: true, Workers: 2, QueueSize: 4})

	dmu.Lock()
	require.Len(t, drops, 1)
	assert.ErrorIs(t, drops[0], ErrStopping)
	dmu.Unlock()
	assert.False(t, st.Busy())
	assert.Equal(t, uint64(1), s.Snapshot().DroppedStopping)

	require.NoError(t, s.Enqueue(queued))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run after restart")
	}
	waitFor(t, func() bool { return !st.Busy() })
}

func TestStopWithQueuedWork(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop())
	s.Start(context.Background())

	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}}))
	<-started
	noop := func(ctx context.Context) error { return nil }
	for range 3 {
		require.NoError(t, s.Enqueue(Task{Name: "queued", Run: noop}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.DroppedStopping)
	assert.Equal(t, uint64(3), snap.Dropped)
	assert.Zero(t, snap.QueueCap)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "late", Run: noop}), ErrStopped)
}
