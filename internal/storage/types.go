package storage

import (
	"context"
	"errors"
	"time"

	"batchbridge/internal/params"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver or "none" disables persistence.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is one persisted job descriptor together with its trigger.
type JobRecord struct {
	Name         string
	Group        string
	Description  string
	Kind         string
	Data         *params.Map
	TriggerName  string
	TriggerGroup string
	Cron         string
	UpdatedAt    time.Time
}

// Store is the persistence API used by the scheduler.
type Store interface {
	// PutJob inserts or replaces the record keyed by (Name, Group).
	PutJob(ctx context.Context, r JobRecord) error
	GetJob(ctx context.Context, name, group string) (JobRecord, bool, error)
	// DeleteJob reports whether a record was removed.
	DeleteJob(ctx context.Context, name, group string) (bool, error)
	// ListJobs returns every record ordered by group then name.
	ListJobs(ctx context.Context) ([]JobRecord, error)
	Close() error
}
