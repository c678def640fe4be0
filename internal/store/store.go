// Package store implements durable persistence of ScheduledJob and
// JobRun rows, backed by an embedded SQLite database with write-ahead
// logging.
package store

import (
	"context"
	"time"

	"github.com/jholhewres/scrapesched/internal/model"
)

// Store is the durable persistence boundary for scheduled jobs and their
// run history. All operations are atomic; failures surface as a single
// *errs.Error of kind StoreError (or NotFound for missing rows).
type Store interface {
	CreateScheduledJob(ctx context.Context, job *model.ScheduledJob) (*model.ScheduledJob, error)
	ListScheduledJobs(ctx context.Context) ([]*model.ScheduledJob, error)
	ListActiveScheduledJobs(ctx context.Context) ([]*model.ScheduledJob, error)
	GetScheduledJob(ctx context.Context, id string) (*model.ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, patch model.ScheduledJobPatch) (*model.ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
	UpdateLastRunTime(ctx context.Context, id string, last, next time.Time) error
	UpdateNextRunTime(ctx context.Context, id string, next time.Time) error

	CreateJobRun(ctx context.Context, run *model.JobRun) (*model.JobRun, error)
	UpdateJobRun(ctx context.Context, id string, patch model.JobRunPatch) (*model.JobRun, error)
	ListJobRuns(ctx context.Context, scheduledJobID string, limit int) ([]*model.JobRun, error)
	GetJobRun(ctx context.Context, id string) (*model.JobRun, error)
	ListRunningRuns(ctx context.Context) ([]*model.JobRun, error)
	CleanupOldJobRuns(ctx context.Context) (int64, error)
	JobRunStats(ctx context.Context, scheduledJobID string) (model.RunStats, error)

	Close() error
}

// RunRetention is how long a JobRun row, whatever its status, is kept
// (measured from its created_at) before CleanupOldJobRuns deletes it.
const RunRetention = 30 * 24 * time.Hour
