package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/jholhewres/scrapesched/internal/errs"
	"github.com/jholhewres/scrapesched/internal/model"
)

// SQLiteStore is the embedded-relational-store implementation of Store:
// WAL mode, a single shared *sql.DB, schema applied idempotently at open
// time. List/Get queries use sqlx's struct scanning to avoid hand-rolled
// Scan() calls for the wide scheduled_jobs/job_runs rows.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and applies all embedded
// migrations. An empty path defaults to "./data/scrapesched.db".
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/scrapesched.db"
	}
	if path != ":memory:" && !strings.Contains(path, "mode=memory") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory %q: %w", dir, err)
			}
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	// SQLite tolerates one writer at a time; serializing through a single
	// connection avoids "database is locked" errors under WAL.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applyMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullableStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

// ---------- ScheduledJob ----------

func (s *SQLiteStore) CreateScheduledJob(ctx context.Context, job *model.ScheduledJob) (*model.ScheduledJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	jobConfigJSON, err := json.Marshal(job.JobConfig)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "marshal job_config", err)
	}
	scheduleConfigJSON, err := json.Marshal(job.ScheduleConfig)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "marshal schedule_config", err)
	}
	var urlsJSON sql.NullString
	if job.URLs != nil {
		b, err := json.Marshal(job.URLs)
		if err != nil {
			return nil, errs.Wrap(errs.KindStoreError, "marshal urls", err)
		}
		urlsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs
			(id, name, job_type, job_config, url, urls, api_endpoint,
			 schedule_type, schedule_config, timezone, is_active,
			 created_at, updated_at, last_run_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(job.JobType), string(jobConfigJSON),
		nullableStr(job.URL), urlsJSON, job.APIEndpoint,
		string(job.ScheduleType), string(scheduleConfigJSON), job.Timezone,
		boolToInt(job.IsActive), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
		nullableTime(job.LastRunAt), formatTime(job.NextRunAt),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "insert scheduled_job", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListScheduledJobs(ctx context.Context) ([]*model.ScheduledJob, error) {
	var rows []dbScheduledJob
	if err := s.db.SelectContext(ctx, &rows, scheduledJobSelect+" ORDER BY created_at DESC"); err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "list scheduled_jobs", err)
	}
	return toScheduledJobs(rows)
}

func (s *SQLiteStore) ListActiveScheduledJobs(ctx context.Context) ([]*model.ScheduledJob, error) {
	var rows []dbScheduledJob
	if err := s.db.SelectContext(ctx, &rows, scheduledJobSelect+" WHERE is_active = 1 ORDER BY created_at DESC"); err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "list active scheduled_jobs", err)
	}
	return toScheduledJobs(rows)
}

func (s *SQLiteStore) GetScheduledJob(ctx context.Context, id string) (*model.ScheduledJob, error) {
	var row dbScheduledJob
	err := s.db.GetContext(ctx, &row, scheduledJobSelect+" WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("scheduled job %q not found", id))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "get scheduled_job", err)
	}
	job, err := row.toModel()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "decode scheduled_job", err)
	}
	return job, nil
}

func (s *SQLiteStore) UpdateScheduledJob(ctx context.Context, id string, patch model.ScheduledJobPatch) (*model.ScheduledJob, error) {
	current, err := s.GetScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		current.Name = *patch.Name
	}
	if patch.JobType != nil {
		current.JobType = *patch.JobType
	}
	if patch.JobConfig != nil {
		current.JobConfig = *patch.JobConfig
	}
	if patch.ClearURL {
		current.URL = nil
	} else if patch.URL != nil {
		current.URL = patch.URL
	}
	if patch.ClearURLs {
		current.URLs = nil
	} else if patch.URLs != nil {
		current.URLs = patch.URLs
	}
	if patch.APIEndpoint != nil {
		current.APIEndpoint = *patch.APIEndpoint
	}
	if patch.ScheduleType != nil {
		current.ScheduleType = *patch.ScheduleType
	}
	if patch.ScheduleConfig != nil {
		current.ScheduleConfig = *patch.ScheduleConfig
	}
	if patch.Timezone != nil {
		current.Timezone = *patch.Timezone
	}
	if patch.IsActive != nil {
		current.IsActive = *patch.IsActive
	}
	current.UpdatedAt = time.Now().UTC()

	jobConfigJSON, err := json.Marshal(current.JobConfig)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "marshal job_config", err)
	}
	scheduleConfigJSON, err := json.Marshal(current.ScheduleConfig)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "marshal schedule_config", err)
	}
	var urlsJSON sql.NullString
	if current.URLs != nil {
		b, err := json.Marshal(current.URLs)
		if err != nil {
			return nil, errs.Wrap(errs.KindStoreError, "marshal urls", err)
		}
		urlsJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			name = ?, job_type = ?, job_config = ?, url = ?, urls = ?,
			api_endpoint = ?, schedule_type = ?, schedule_config = ?,
			timezone = ?, is_active = ?, updated_at = ?,
			last_run_at = ?, next_run_at = ?
		WHERE id = ?`,
		current.Name, string(current.JobType), string(jobConfigJSON),
		nullableStr(current.URL), urlsJSON, current.APIEndpoint,
		string(current.ScheduleType), string(scheduleConfigJSON), current.Timezone,
		boolToInt(current.IsActive), formatTime(current.UpdatedAt),
		nullableTime(current.LastRunAt), formatTime(current.NextRunAt),
		id,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "update scheduled_job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("scheduled job %q not found", id))
	}
	return current, nil
}

func (s *SQLiteStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.KindStoreError, "delete scheduled_job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, fmt.Sprintf("scheduled job %q not found", id))
	}
	return nil
}

func (s *SQLiteStore) UpdateLastRunTime(ctx context.Context, id string, last, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(last), formatTime(next), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return errs.Wrap(errs.KindStoreError, "update last_run_time", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, fmt.Sprintf("scheduled job %q not found", id))
	}
	return nil
}

// UpdateNextRunTime persists next_run_at (and updated_at) without
// touching last_run_at — used by the Scheduler when registering or
// reloading a job, as opposed to UpdateLastRunTime which records an
// actual run attempt.
func (s *SQLiteStore) UpdateNextRunTime(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(next), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return errs.Wrap(errs.KindStoreError, "update next_run_time", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, fmt.Sprintf("scheduled job %q not found", id))
	}
	return nil
}

const scheduledJobSelect = `
	SELECT id, name, job_type, job_config, url, urls, api_endpoint,
	       schedule_type, schedule_config, timezone, is_active,
	       created_at, updated_at, last_run_at, next_run_at
	FROM scheduled_jobs`

// dbScheduledJob mirrors the scheduled_jobs row shape for sqlx struct
// scanning; toModel() does the JSON/time decoding into a
// model.ScheduledJob.
type dbScheduledJob struct {
	ID             string         `db:"id"`
	Name           string         `db:"name"`
	JobType        string         `db:"job_type"`
	JobConfig      string         `db:"job_config"`
	URL            sql.NullString `db:"url"`
	URLs           sql.NullString `db:"urls"`
	APIEndpoint    string         `db:"api_endpoint"`
	ScheduleType   string         `db:"schedule_type"`
	ScheduleConfig string         `db:"schedule_config"`
	Timezone       string         `db:"timezone"`
	IsActive       int            `db:"is_active"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	LastRunAt      sql.NullString `db:"last_run_at"`
	NextRunAt      string         `db:"next_run_at"`
}

func (d *dbScheduledJob) toModel() (*model.ScheduledJob, error) {
	j := &model.ScheduledJob{
		ID:           d.ID,
		Name:         d.Name,
		JobType:      model.JobType(d.JobType),
		APIEndpoint:  d.APIEndpoint,
		ScheduleType: model.ScheduleType(d.ScheduleType),
		Timezone:     d.Timezone,
		IsActive:     d.IsActive != 0,
	}

	if err := json.Unmarshal([]byte(d.JobConfig), &j.JobConfig); err != nil {
		return nil, fmt.Errorf("unmarshal job_config: %w", err)
	}
	if err := json.Unmarshal([]byte(d.ScheduleConfig), &j.ScheduleConfig); err != nil {
		return nil, fmt.Errorf("unmarshal schedule_config: %w", err)
	}
	if d.URL.Valid {
		v := d.URL.String
		j.URL = &v
	}
	if d.URLs.Valid {
		if err := json.Unmarshal([]byte(d.URLs.String), &j.URLs); err != nil {
			return nil, fmt.Errorf("unmarshal urls: %w", err)
		}
	}

	var err error
	if j.CreatedAt, err = parseTime(d.CreatedAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if j.NextRunAt, err = parseTime(d.NextRunAt); err != nil {
		return nil, fmt.Errorf("parse next_run_at: %w", err)
	}
	if d.LastRunAt.Valid {
		t, err := parseTime(d.LastRunAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_run_at: %w", err)
		}
		j.LastRunAt = &t
	}

	return j, nil
}

func toScheduledJobs(rows []dbScheduledJob) ([]*model.ScheduledJob, error) {
	out := make([]*model.ScheduledJob, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toModel()
		if err != nil {
			return nil, errs.Wrap(errs.KindStoreError, "decode scheduled_job", err)
		}
		out = append(out, j)
	}
	return out, nil
}

// ---------- JobRun ----------

func (s *SQLiteStore) CreateJobRun(ctx context.Context, run *model.JobRun) (*model.JobRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs
			(id, scheduled_job_id, run_type, status, started_at,
			 completed_at, result_data, error_message, execution_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScheduledJobID, string(run.RunType), string(run.Status),
		formatTime(run.StartedAt), nullableTime(run.CompletedAt),
		nullableStr(run.ResultData), nullableStr(run.ErrorMessage),
		nullableInt64(run.ExecutionTimeMs), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "insert job_run", err)
	}
	return run, nil
}

func (s *SQLiteStore) UpdateJobRun(ctx context.Context, id string, patch model.JobRunPatch) (*model.JobRun, error) {
	run, err := s.GetJobRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = patch.CompletedAt
	}
	if patch.ResultData != nil {
		run.ResultData = patch.ResultData
	}
	if patch.ErrorMessage != nil {
		run.ErrorMessage = patch.ErrorMessage
	}
	if patch.ExecutionTimeMs != nil {
		run.ExecutionTimeMs = patch.ExecutionTimeMs
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, completed_at = ?, result_data = ?,
			error_message = ?, execution_time_ms = ?
		WHERE id = ?`,
		string(run.Status), nullableTime(run.CompletedAt), nullableStr(run.ResultData),
		nullableStr(run.ErrorMessage), nullableInt64(run.ExecutionTimeMs), id,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "update job_run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("job run %q not found", id))
	}
	return run, nil
}

const jobRunSelect = `
	SELECT id, scheduled_job_id, run_type, status, started_at,
	       completed_at, result_data, error_message, execution_time_ms
	FROM job_runs`

func (s *SQLiteStore) ListJobRuns(ctx context.Context, scheduledJobID string, limit int) ([]*model.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []dbJobRun
	err := s.db.SelectContext(ctx, &rows,
		jobRunSelect+" WHERE scheduled_job_id = ? ORDER BY started_at DESC LIMIT ?",
		scheduledJobID, limit,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "list job_runs", err)
	}
	return toJobRuns(rows)
}

func (s *SQLiteStore) GetJobRun(ctx context.Context, id string) (*model.JobRun, error) {
	var row dbJobRun
	err := s.db.GetContext(ctx, &row, jobRunSelect+" WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("job run %q not found", id))
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "get job_run", err)
	}
	run, err := row.toModel()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "decode job_run", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListRunningRuns(ctx context.Context) ([]*model.JobRun, error) {
	var rows []dbJobRun
	if err := s.db.SelectContext(ctx, &rows, jobRunSelect+" WHERE status = ?", string(model.RunRunning)); err != nil {
		return nil, errs.Wrap(errs.KindStoreError, "list running runs", err)
	}
	return toJobRuns(rows)
}

func (s *SQLiteStore) CleanupOldJobRuns(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-RunRetention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, errs.Wrap(errs.KindStoreError, "cleanup job_runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.KindStoreError, "cleanup job_runs rows affected", err)
	}
	return n, nil
}

func (s *SQLiteStore) JobRunStats(ctx context.Context, scheduledJobID string) (model.RunStats, error) {
	var stats model.RunStats
	query := `SELECT status, COUNT(1) FROM job_runs`
	args := []any{}
	if scheduledJobID != "" {
		query += ` WHERE scheduled_job_id = ?`
		args = append(args, scheduledJobID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return stats, errs.Wrap(errs.KindStoreError, "job_run_stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, errs.Wrap(errs.KindStoreError, "scan job_run_stats", err)
		}
		switch model.RunStatus(status) {
		case model.RunPending:
			stats.Pending = count
		case model.RunRunning:
			stats.Running = count
		case model.RunCompleted:
			stats.Completed = count
		case model.RunFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// dbJobRun mirrors the job_runs row shape for sqlx struct scanning.
type dbJobRun struct {
	ID              string         `db:"id"`
	ScheduledJobID  string         `db:"scheduled_job_id"`
	RunType         string         `db:"run_type"`
	Status          string         `db:"status"`
	StartedAt       string         `db:"started_at"`
	CompletedAt     sql.NullString `db:"completed_at"`
	ResultData      sql.NullString `db:"result_data"`
	ErrorMessage    sql.NullString `db:"error_message"`
	ExecutionTimeMs sql.NullInt64  `db:"execution_time_ms"`
}

func (d *dbJobRun) toModel() (*model.JobRun, error) {
	run := &model.JobRun{
		ID:             d.ID,
		ScheduledJobID: d.ScheduledJobID,
		RunType:        model.RunType(d.RunType),
		Status:         model.RunStatus(d.Status),
	}

	var err error
	if run.StartedAt, err = parseTime(d.StartedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if d.CompletedAt.Valid {
		t, err := parseTime(d.CompletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		run.CompletedAt = &t
	}
	if d.ResultData.Valid {
		v := d.ResultData.String
		run.ResultData = &v
	}
	if d.ErrorMessage.Valid {
		v := d.ErrorMessage.String
		run.ErrorMessage = &v
	}
	if d.ExecutionTimeMs.Valid {
		v := d.ExecutionTimeMs.Int64
		run.ExecutionTimeMs = &v
	}
	return run, nil
}

func toJobRuns(rows []dbJobRun) ([]*model.JobRun, error) {
	out := make([]*model.JobRun, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, errs.Wrap(errs.KindStoreError, "decode job_run", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
