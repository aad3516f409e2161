// Package dispatch connects the job catalog to the scheduler and the batch
// launcher. The Registrar turns catalog entries into scheduled triggers, the
// Bridge runs a fired trigger, and the Runner runs a job on demand.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"batchbridge/internal/params"
	"batchbridge/internal/task/scheduler"
)

const (
	// JobNameKey is the reserved data key naming the job a trigger runs.
	JobNameKey = "JOB_NAME"

	JobGroup     = "batch-jobs"
	TriggerGroup = "trigger-jobs"

	// HandlerKind is the scheduler job kind served by Bridge.
	HandlerKind = "batch"

	triggerSuffix = "_trigger"
)

var (
	ErrRegistrationFatal = errors.New("dispatch: every enabled job failed to register")
	ErrInvalidDefinition = errors.New("dispatch: invalid job definition")
	ErrUnknownJob        = errors.New("dispatch: fired trigger carries no job name")
	ErrJobResolution     = errors.New("dispatch: job not registered")
)

// JobDefinition is one catalog entry.
type JobDefinition struct {
	Name        string
	Description string
	Cron        string
	Enabled     bool
	Params      *params.Map

	AllowOverlap bool
}

func (d JobDefinition) JobKey() scheduler.JobKey {
	return scheduler.JobKey{Name: d.Name, Group: JobGroup}
}

func (d JobDefinition) TriggerKey() scheduler.TriggerKey {
	return scheduler.TriggerKey{Name: d.Name + triggerSuffix, Group: TriggerGroup}
}

// Outcome is the registration result for one job.
type Outcome struct {
	Name      string `json:"name"`
	Succeeded bool   `json:"succeeded"`
	Err       error  `json:"-"`
}

// Error is the failure message, empty on success.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

type Summary struct {
	Outcomes     []Outcome `json:"outcomes"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	// Pruned lists jobs removed because they left the catalog.
	Pruned []string `json:"pruned,omitempty"`
}

func (s *Summary) add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	if o.Succeeded {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
}

// RegistrationError is a configuration failure scoped to one job.
type RegistrationError struct {
	Job string
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("dispatch: register %q: %v", e.Job, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// ExecutionError wraps a failure raised by the batch launcher.
type ExecutionError struct {
	Job string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("dispatch: job %q execution failed: %v", e.Job, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Scheduler is the part of the trigger service the registrar drives.
type Scheduler interface {
	ScheduleJob(ctx context.Context, detail scheduler.JobDetail, trigger scheduler.Trigger) error
	CheckExists(ctx context.Context, key scheduler.JobKey) (bool, error)
	DeleteJob(ctx context.Context, key scheduler.JobKey) (bool, error)
	AddListener(l scheduler.JobListener)
	JobKeys(group string) []scheduler.JobKey
}

var _ Scheduler = (*scheduler.Service)(nil)
