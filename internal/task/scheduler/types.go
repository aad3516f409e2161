package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"batchbridge/internal/params"
	"batchbridge/internal/storage"
	"batchbridge/internal/task/engine"
	logx "batchbridge/pkg/logx"
)

var (
	ErrJobAlreadyExists = errors.New("scheduler: job already exists")
	ErrJobNotFound      = errors.New("scheduler: job not found")
	ErrInvalidKey       = errors.New("scheduler: job name required")
	ErrInvalidCron      = errors.New("scheduler: invalid cron expression")
	ErrNoHandler        = errors.New("scheduler: no handler for job kind")
)

// Config controls the trigger service; execution settings belong to the
// task engine.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// JobKey identifies a job descriptor.
type JobKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func (k JobKey) String() string { return k.Group + "." + k.Name }

// TriggerKey identifies a trigger. Trigger and job groups are separate namespaces.
type TriggerKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func (k TriggerKey) String() string { return k.Group + "." + k.Name }

// JobDetail is the schedulable descriptor of a job. Kind selects the Handler
// that runs it; Data is the job's raw data slot.
type JobDetail struct {
	Key         JobKey
	Description string
	Kind        string
	Data        *params.Map

	// AllowOverlap disables the per-job overlap gate. It is not persisted;
	// the catalog sets it again on every registration.
	AllowOverlap bool
}

// Trigger fires its job on a cron schedule.
type Trigger struct {
	Key    TriggerKey
	JobKey JobKey
	Cron   string
}

// Handler executes one fire of a job.
type Handler interface {
	Execute(ctx context.Context, jc *JobContext) error
}

type HandlerFunc func(ctx context.Context, jc *JobContext) error

func (f HandlerFunc) Execute(ctx context.Context, jc *JobContext) error { return f(ctx, jc) }

// JobListener observes fires. Hooks run on the executing goroutine; panics
// are recovered and logged.
type JobListener interface {
	Name() string
	JobToBeExecuted(ctx context.Context, jc *JobContext)
	JobExecutionVetoed(ctx context.Context, jc *JobContext)
	JobWasExecuted(ctx context.Context, jc *JobContext, err error)
}

// JobContext is created per fire and is never shared between fires.
type JobContext struct {
	FireID        string
	Detail        JobDetail
	Trigger       Trigger
	ScheduledTime time.Time
	FireTime      time.Time
	// Manual marks fires requested through TriggerJob.
	Manual bool
	// VetoReason is set when the fire was rejected before running.
	VetoReason error

	mu     sync.Mutex
	values map[string]any
}

// JobName is the job key name.
func (c *JobContext) JobName() string { return c.Detail.Key.Name }

// Data returns this fire's copy of the job data.
func (c *JobContext) Data() *params.Map { return c.Detail.Data }

// Put stores a transient per-fire value.
func (c *JobContext) Put(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]any{}
	}
	c.values[key] = v
}

func (c *JobContext) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

type jobEntry struct {
	detail    JobDetail
	trigger   Trigger
	schedule  cron.Schedule
	entryID   cron.EntryID
	state     *engine.RunState
	createdAt time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine *engine.Service
	store  storage.Store

	c        *cron.Cron
	jobs     map[JobKey]*jobEntry
	restored bool

	hmu      sync.RWMutex
	handlers map[string]Handler

	lmu       sync.RWMutex
	listeners []JobListener

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// JobInfo is the diagnostic view of one registration.
type JobInfo struct {
	Key         JobKey     `json:"key"`
	Trigger     TriggerKey `json:"trigger"`
	Cron        string     `json:"cron"`
	Description string     `json:"description,omitempty"`
	Kind        string     `json:"kind"`
	Next        time.Time  `json:"next,omitempty"`
	Prev        time.Time  `json:"prev,omitempty"`
	Busy        bool       `json:"busy"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Running   bool            `json:"running"`
	Timezone  string          `json:"timezone"`
	Persisted bool            `json:"persisted"`
	Listeners []string        `json:"listeners"`
	Jobs      []JobInfo       `json:"jobs"`
	Engine    engine.Snapshot `json:"engine"`
}
