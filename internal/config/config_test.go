package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchbridge/internal/params"
	logx "batchbridge/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
task_engine:
  workers: 2
  default_timeout: 30s
storage:
  driver: sqlite
  path: ./bb.db
jobs:
  - name: jobA
    cron: "0 0/5 * * * ?"
    registered: true
    params:
      region: us
      limit: 10
      ratio: 0.25
      since: 2025-01-02T03:04:05Z
      nested:
        b: 2
        a: 1
  - name: jobB
    cron: "0 0 1 * * ?"
    registered: false
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLKeepsParamOrderAndTypes(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	require.Len(t, cfg.Jobs, 2)
	a := cfg.Jobs[0]
	assert.Equal(t, "jobA", a.Name)
	assert.True(t, a.Registered)
	assert.Equal(t, []string{"region", "limit", "ratio", "since", "nested"}, a.Params.Keys())

	limit, _ := a.Params.Get("limit")
	assert.Equal(t, int64(10), limit)
	ratio, _ := a.Params.Get("ratio")
	assert.Equal(t, 0.25, ratio)
	since, _ := a.Params.Get("since")
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), since)
	nested, _ := a.Params.Get("nested")
	require.IsType(t, &params.Map{}, nested)
	assert.Equal(t, []any{int64(2), int64(1)}, nested.(*params.Map).Values())

	assert.Nil(t, cfg.Jobs[1].Params)
	assert.Equal(t, []string{"jobA"}, cfg.EnabledJobs())
	assert.Equal(t, "30s", cfg.TaskEngine.DefaultTimeout)
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	body := `{"scheduler":{"enabled":true},"jobs":[{"name":"jobA","cron":"@hourly","registered":true,"params":{"z":1,"a":"x"}}]}`
	cfg, err := NewConfigManager(writeFile(t, "config.json", body)).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, cfg.Jobs[0].Params.Keys())
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown field":  `{"scheduler":{"enabled":true,"workers":3}}`,
		"trailing data":  `{"jobs":[]}{"jobs":[]}`,
		"duplicate job":  `{"jobs":[{"name":"a","cron":"@daily"},{"name":"a","cron":"@hourly"}]}`,
		"missing name":   `{"jobs":[{"cron":"@daily"}]}`,
		"bad duration":   `{"task_engine":{"default_timeout":"soon"}}`,
		"negative burst": `{"http":{"enabled":true,"burst":-1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, "config.json", body)).Load()
			assert.Error(t, err)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		HTTP: &HTTPConfig{Enabled: true, Token: "secret-a"},
		Jobs: []JobConfig{
			{Name: "a", Cron: "@daily", Registered: true, Params: params.MapOf("x", 1)},
			{Name: "b", Cron: "@daily", Registered: true},
		},
	}
	newCfg := &Config{
		HTTP: &HTTPConfig{Enabled: true, Token: "secret-b"},
		Jobs: []JobConfig{
			{Name: "a", Cron: "@daily", Registered: true, Params: params.MapOf("x", 2)},
			{Name: "c", Cron: "@hourly", Registered: true},
		},
	}
	sections, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"http", "jobs"}, sections)
	assert.Equal(t, []string{"a", "b", "c"}, jobs)
	assert.NotEmpty(t, attrs)

	sections, _, jobs = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, sections)
	assert.Empty(t, jobs)
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 1m ")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)

	d, err = ParseDurationOrDefault("x", "0s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestWatchPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"jobs":[{"name":"a","cron":"@daily","registered":true}]}`)
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":[{"name":"a","cron":"@hourly","registered":true}]}`), 0o600))

	select {
	case cfg := <-ch:
		require.Len(t, cfg.Jobs, 1)
		assert.Equal(t, "@hourly", cfg.Jobs[0].Cron)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("config change not published")
	}
	cancel()
	<-done
}

func TestReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"jobs":[{"name":"a","cron":"@daily","registered":true}]}`)
	m := NewConfigManager(path)
	first, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if len(cfg.Jobs) > 1 {
			return errors.New("too many jobs")
		}
		return nil
	})
	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":[{"name":"a","cron":"@daily"},{"name":"b","cron":"@daily"}]}`), 0o600))
	published, err = m.Reload(context.Background())
	assert.ErrorContains(t, err, "too many jobs")
	assert.False(t, published)
	assert.Same(t, first, m.Get())

	require.NoError(t, os.WriteFile(path, []byte(`{"jobs":[{"name":"a","cron":"@hourly","registered":true}]}`), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, "@hourly", (<-ch).Jobs[0].Cron)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	var b backoff
	b.reset()
	for i := 0; i < 10; i++ {
		w := b.next()
		assert.GreaterOrEqual(t, w, watchBackoffMin)
		assert.LessOrEqual(t, w, watchBackoffMax+watchBackoffMax/2)
	}
	assert.Equal(t, watchBackoffMax, b.cur)
}
