package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchbridge/internal/params"
	logx "batchbridge/pkg/logx"
)

var jobColumns = []string{"job_name", "job_group", "description", "kind", "job_data", "trigger_name", "trigger_group", "cron", "updated_at"}

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	return newSQLStore(db, postgresDialect, logx.Nop()), mock
}

func TestPostgresBindNumbersPlaceholders(t *testing.T) {
	t.Parallel()
	s := newSQLStore(nil, postgresDialect, logx.Nop())
	assert.Equal(t, "DELETE FROM scheduled_jobs WHERE job_name = $1 AND job_group = $2", s.bind(deleteJobSQL))
}

func TestPostgresMigrate(t *testing.T) {
	t.Parallel()
	s, mock := newMockPostgres(t)
	mock.ExpectExec(postgresMigrations).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutJob(t *testing.T) {
	t.Parallel()
	s, mock := newMockPostgres(t)
	rec := JobRecord{
		Name: "jobA", Group: "batch-jobs", Kind: "batch",
		Data:        params.MapOf("JOB_NAME", "jobA", "region", "us"),
		TriggerName: "jobA_trigger", TriggerGroup: "trigger-jobs", Cron: "0 0/5 * * * ?",
		UpdatedAt: time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := EncodeData(rec.Data)
	require.NoError(t, err)

	mock.ExpectExec(s.bind(upsertJobSQL)).
		WithArgs("jobA", "batch-jobs", "", "batch", string(data), "jobA_trigger", "trigger-jobs", "0 0/5 * * * ?", rec.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.PutJob(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetJob(t *testing.T) {
	t.Parallel()
	s, mock := newMockPostgres(t)
	data, err := EncodeData(params.MapOf("JOB_NAME", "jobA", "region", "us"))
	require.NoError(t, err)
	updated := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(s.bind(selectJobSQL)).
		WithArgs("jobA", "batch-jobs").
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow("jobA", "batch-jobs", "", "batch", string(data), "jobA_trigger", "trigger-jobs", "0 0/5 * * * ?", updated))
	mock.ExpectQuery(s.bind(selectJobSQL)).
		WithArgs("missing", "batch-jobs").
		WillReturnRows(sqlmock.NewRows(jobColumns))

	got, ok, err := s.GetJob(context.Background(), "jobA", "batch-jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, updated, got.UpdatedAt)
	assert.Equal(t, []string{"JOB_NAME", "region"}, got.Data.Keys())

	_, ok, err = s.GetJob(context.Background(), "missing", "batch-jobs")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListAndDelete(t *testing.T) {
	t.Parallel()
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery(listJobsSQL).
		WillReturnRows(sqlmock.NewRows(jobColumns).
			AddRow("a", "batch-jobs", "", "batch", "[]", "a_trigger", "trigger-jobs", "0 * * * * ?", now).
			AddRow("b", "batch-jobs", "", "batch", "[]", "b_trigger", "trigger-jobs", "0 * * * * ?", now))
	mock.ExpectExec(s.bind(deleteJobSQL)).WithArgs("a", "batch-jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(s.bind(deleteJobSQL)).WithArgs("a", "batch-jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	list, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].Name)

	removed, err := s.DeleteJob(context.Background(), "a", "batch-jobs")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.DeleteJob(context.Background(), "a", "batch-jobs")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, s.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}
