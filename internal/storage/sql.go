package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "batchbridge/pkg/logx"
)

// dialect covers the differences between the SQL drivers.
type dialect struct {
	name       string
	migrations string
	numbered   bool // $1, $2 placeholders instead of ?
	timeAsText bool
}

// sqlStore implements Store over database/sql for sqlite and postgres.
type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log, d: d}
}

// bind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) bind(q string) string {
	if !s.d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.migrations); err != nil {
		return fmt.Errorf("storage: %s migrate: %w", s.d.name, err)
	}
	return nil
}

func (s *sqlStore) timeArg(t time.Time) any {
	if s.d.timeAsText {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC()
}

func parseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(x))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time column type %T", v)
	}
}

const (
	upsertJobSQL = `INSERT INTO scheduled_jobs(job_name, job_group, description, kind, job_data, trigger_name, trigger_group, cron, updated_at)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(job_name, job_group) DO UPDATE SET
description=excluded.description, kind=excluded.kind, job_data=excluded.job_data,
trigger_name=excluded.trigger_name, trigger_group=excluded.trigger_group, cron=excluded.cron, updated_at=excluded.updated_at`
	selectJobSQL = `SELECT job_name, job_group, description, kind, job_data, trigger_name, trigger_group, cron, updated_at
FROM scheduled_jobs WHERE job_name = ? AND job_group = ?`
	listJobsSQL = `SELECT job_name, job_group, description, kind, job_data, trigger_name, trigger_group, cron, updated_at
FROM scheduled_jobs ORDER BY job_group, job_name`
	deleteJobSQL = `DELETE FROM scheduled_jobs WHERE job_name = ? AND job_group = ?`
)

func (s *sqlStore) PutJob(ctx context.Context, r JobRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	data, err := EncodeData(r.Data)
	if err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, s.bind(upsertJobSQL),
		r.Name, r.Group, r.Description, r.Kind, string(data),
		r.TriggerName, r.TriggerGroup, r.Cron, s.timeArg(r.UpdatedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (JobRecord, error) {
	var (
		r       JobRecord
		data    string
		updated any
	)
	if err := row.Scan(&r.Name, &r.Group, &r.Description, &r.Kind, &data, &r.TriggerName, &r.TriggerGroup, &r.Cron, &updated); err != nil {
		return JobRecord{}, err
	}
	m, err := DecodeData([]byte(data))
	if err != nil {
		return JobRecord{}, err
	}
	r.Data = m
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return JobRecord{}, err
	}
	return r, nil
}

func (s *sqlStore) GetJob(ctx context.Context, name, group string) (JobRecord, bool, error) {
	if s == nil || s.db == nil {
		return JobRecord{}, false, ErrClosed
	}
	r, err := scanRecord(s.db.QueryRowContext(ctx, s.bind(selectJobSQL), name, group))
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqlStore) DeleteJob(ctx context.Context, name, group string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, s.bind(deleteJobSQL), name, group)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, listJobsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
