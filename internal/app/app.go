package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batchbridge/internal/batch"
	"batchbridge/internal/config"
	"batchbridge/internal/dispatch"
	"batchbridge/internal/eventbus"
	"batchbridge/internal/httpapi"
	"batchbridge/internal/jobs/sample"
	"batchbridge/internal/monitor"
	"batchbridge/internal/params"
	rtsup "batchbridge/internal/runtime/supervisor"
	"batchbridge/internal/storage"
	"batchbridge/internal/task/engine"
	"batchbridge/internal/task/scheduler"
	logx "batchbridge/pkg/logx"
	"batchbridge/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	bus   *eventbus.Bus

	recent *eventbus.Recent

	engine    *engine.Service
	sched     *scheduler.Service
	registrar *dispatch.Registrar
	runner    *dispatch.Runner
	http      *httpapi.Service

	ready atomic.Bool
}

// NewApp loads the config at cfgPath and wires every component. jobs are
// registered alongside the built-in sample job.
func NewApp(cfgPath string, jobs ...batch.Job) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, root.With(logx.String("comp", "taskengine")))
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, store, root.With(logx.String("comp", "scheduler")))

	registry, err := batch.NewRegistry(append([]batch.Job{sample.New()}, jobs...)...)
	if err != nil {
		return nil, err
	}
	launcher := batch.NewSimpleLauncher(root.With(logx.String("comp", "batch")))
	builder := params.NewBuilder()

	bridge := dispatch.NewBridge(registry, launcher, builder, root)
	schedSvc.RegisterHandler(dispatch.HandlerKind, bridge)

	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	sinks := monitor.Multi{
		monitor.LogSink{Log: root.With(logx.String("comp", "monitor"))},
		monitor.BusSink{Bus: bus},
	}
	if on, ns := metricsEnabled(cfg); on {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		sinks = append(sinks, monitor.NewPrometheusSink(reg, ns, root.With(logx.String("comp", "metrics"))))
	}
	listener := monitor.NewListener(sinks, root)

	a := &App{
		cfgm:      cfgm,
		root:      root,
		log:       log,
		logs:      logSvc,
		store:     store,
		bus:       bus,
		recent:    eventbus.NewRecent(50),
		engine:    engineSvc,
		sched:     schedSvc,
		registrar: dispatch.NewRegistrar(schedSvc, listener, root),
		runner:    dispatch.NewRunner(registry, launcher, builder, root),
	}

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := httpapi.Deps{
		Runner: a.runner,
		Status: a.status,
		Ready:  a.ready.Load,
	}
	if on, _ := metricsEnabled(cfg); on {
		deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	a.http = httpapi.New(httpCfg, deps, root)
	return a, nil
}

// Status is served by /api/v1/status.
type Status struct {
	Ready      bool               `json:"ready"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Recent     []eventbus.Event   `json:"recent_events"`
	BusDropped uint64             `json:"bus_dropped"`
}

func (a *App) status() any {
	return Status{
		Ready:      a.ready.Load(),
		Scheduler:  a.sched.Snapshot(),
		Recent:     a.recent.Items(),
		BusDropped: a.bus.Dropped(),
	}
}

// Scheduler exposes the trigger service for diagnostics.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Runner runs a job on demand, outside any trigger.
func (a *App) Runner() *dispatch.Runner { return a.runner }

// HTTP returns the API server.
func (a *App) HTTP() *httpapi.Service { return a.http }

// Ready reports whether startup registration finished.
func (a *App) Ready() bool { return a.ready.Load() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start registers the job catalog and starts firing triggers. A catalog in
// which every enabled job fails to register aborts startup.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}

	if err := a.sched.Restore(ctx); err != nil {
		return err
	}
	sum, err := a.registrar.Reconcile(ctx, catalog(a.cfgm.Get()))
	if err != nil {
		return err
	}
	a.log.Info("job catalog registered",
		logx.Int("registered", sum.SuccessCount),
		logx.Int("failed", sum.FailureCount),
		logx.Strs("pruned", sum.Pruned),
	)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.http.Enabled() {
		a.http.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.recent", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.recent.Add(e)
				a.log.Debug("event", logx.String("type", e.Type), logx.String("job", e.Job), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.ready.Store(true)
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		_, _ = systemd.Status(fmt.Sprintf("%d jobs scheduled", sum.SuccessCount))
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range []string{"storage", "metrics"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	prevEngEnabled := a.engine.Enabled()
	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
		switch {
		case prevEngEnabled && !engCfg.Enabled:
			a.log.Info("task engine disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.engine.Stop(stopCtx)
			cancel()
		case !prevEngEnabled && engCfg.Enabled:
			a.log.Info("task engine enabled via config")
			a.engine.Start(c)
		}
	}

	if err := a.sched.Apply(c, mapSchedulerConfig(newCfg)); err != nil {
		a.log.Warn("scheduler reconfigure failed", logx.Err(err))
	}

	if len(jobsChanged) > 0 {
		sum, err := a.registrar.Reconcile(c, catalog(newCfg))
		if err != nil {
			// Previously registered jobs keep firing; the next good reload retries.
			a.log.Error("job catalog reload failed", logx.Err(err))
		} else {
			a.log.Info("job catalog reloaded",
				logx.Strs("jobs", jobsChanged),
				logx.Int("registered", sum.SuccessCount),
				logx.Int("failed", sum.FailureCount),
				logx.Strs("pruned", sum.Pruned),
			)
			a.bus.Publish(eventbus.Event{Type: eventbus.CatalogReloaded, Data: jobsChanged})
		}
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.ready.Store(false)
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Err(err),
					logx.Duration("took", time.Since(start)),
				)
			}()
		}
	}

	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
