package storage

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchbridge/internal/params"
	logx "batchbridge/pkg/logx"
)

func sampleRecord(name string) JobRecord {
	when := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	return JobRecord{
		Name:         name,
		Group:        "batch-jobs",
		Description:  "nightly " + name,
		Kind:         "batch",
		Data:         params.MapOf("JOB_NAME", name, "limit", int64(10), "ratio", 0.5, "from", when, "nested", params.MapOf("b", int64(2), "a", int64(1))),
		TriggerName:  name + "_trigger",
		TriggerGroup: "trigger-jobs",
		Cron:         "0 0/5 * * * ?",
	}
}

func exerciseStore(t *testing.T, open func() Store) {
	t.Helper()
	ctx := context.Background()
	s := open()

	require.NoError(t, s.PutJob(ctx, sampleRecord("jobB")))
	require.NoError(t, s.PutJob(ctx, sampleRecord("jobA")))

	got, ok, err := s.GetJob(ctx, "jobA", "batch-jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "jobA_trigger", got.TriggerName)
	assert.Equal(t, []string{"JOB_NAME", "limit", "ratio", "from", "nested"}, got.Data.Keys())
	v, _ := got.Data.Get("limit")
	assert.Equal(t, int64(10), v)
	v, _ = got.Data.Get("ratio")
	assert.Equal(t, 0.5, v)
	v, _ = got.Data.Get("from")
	assert.True(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC).Equal(v.(time.Time)))
	v, _ = got.Data.Get("nested")
	assert.Equal(t, []string{"b", "a"}, v.(*params.Map).Keys())
	assert.False(t, got.UpdatedAt.IsZero())

	// Upsert replaces.
	upd := sampleRecord("jobA")
	upd.Cron = "0 0 1 * * ?"
	require.NoError(t, s.PutJob(ctx, upd))

	list, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "jobA", list[0].Name)
	assert.Equal(t, "0 0 1 * * ?", list[0].Cron)

	removed, err := s.DeleteJob(ctx, "jobB", "batch-jobs")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DeleteJob(ctx, "jobB", "batch-jobs")
	require.NoError(t, err)
	assert.False(t, removed)

	_, ok, err = s.GetJob(ctx, "jobB", "batch-jobs")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Close())

	// Durable drivers see the same state after reopening.
	if reopened := open(); reopened != nil {
		defer reopened.Close()
		if _, isMem := reopened.(*memStore); isMem {
			return
		}
		list, err := reopened.ListJobs(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "jobA", list[0].Name)
		assert.Equal(t, "0 0 1 * * ?", list[0].Cron)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory)
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "jobs.json")
	exerciseStore(t, func() Store {
		s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.db")
	exerciseStore(t, func() Store {
		s, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
		require.NoError(t, err)
		return s
	})
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.PutJob(context.Background(), sampleRecord("x")), ErrClosed)
}

func TestCodecKeepsTypes(t *testing.T) {
	t.Parallel()
	in := params.MapOf(
		"s", "text",
		"i", 7,
		"f", 1.25,
		"b", true,
		"n", nil,
		"l", []any{"x", int64(2), params.MapOf("k", "v")},
	)
	b, err := EncodeData(in)
	require.NoError(t, err)

	out, err := DecodeData(b)
	require.NoError(t, err)
	assert.Equal(t, in.Keys(), out.Keys())

	get := func(k string) any { v, _ := out.Get(k); return v }
	assert.Equal(t, "text", get("s"))
	assert.Equal(t, int64(7), get("i"))
	assert.Equal(t, 1.25, get("f"))
	assert.Equal(t, true, get("b"))
	assert.Nil(t, get("n"))
	l := get("l").([]any)
	require.Len(t, l, 3)
	assert.Equal(t, int64(2), l[1])
	assert.Equal(t, []string{"k"}, l[2].(*params.Map).Keys())

	empty, err := DecodeData(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	_, err = DecodeData([]byte(`[{"k":"x","t":"?"}]`))
	assert.Error(t, err)
}

func TestCodecNonFiniteFloats(t *testing.T) {
	t.Parallel()
	in := params.MapOf("nan", math.NaN(), "pos", math.Inf(1), "neg", math.Inf(-1), "f32", float32(math.Inf(1)))
	b, err := EncodeData(in)
	require.NoError(t, err)

	out, err := DecodeData(b)
	require.NoError(t, err)
	assert.Equal(t, in.Keys(), out.Keys())

	get := func(k string) float64 { v, _ := out.Get(k); return v.(float64) }
	assert.True(t, math.IsNaN(get("nan")))
	assert.True(t, math.IsInf(get("pos"), 1))
	assert.True(t, math.IsInf(get("neg"), -1))
	assert.True(t, math.IsInf(get("f32"), 1))
}

func TestStorePersistsNonFiniteParams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	rec := sampleRecord("jobA")
	rec.Data = params.MapOf("threshold", math.Inf(1))
	require.NoError(t, s.PutJob(ctx, rec))

	got, ok, err := s.GetJob(ctx, "jobA", "batch-jobs")
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := got.Data.Get("threshold")
	assert.True(t, math.IsInf(v.(float64), 1))
}
