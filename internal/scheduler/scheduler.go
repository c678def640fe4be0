// Package scheduler owns the process-wide scheduling lifecycle: loading
// active jobs from the store, dispatching fires in the job's own
// timezone, serializing per-job execution, and recording run history.
//
// Each job runs its own self-rescheduling timer loop driven by
// recurrence.NextFireAfter, rather than all jobs sharing one cron.Cron
// dispatcher: robfig/cron.Cron applies one location to the whole
// dispatcher, which can't express "daily at 09:00 America/New_York" next
// to "daily at 09:00 Europe/Berlin" in the same instance. The nightly
// cleanup sweep has no per-job timezone concern, so it keeps its own
// small dedicated cron.Cron instance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/scrapesched/internal/errs"
	"github.com/jholhewres/scrapesched/internal/model"
	"github.com/jholhewres/scrapesched/internal/recurrence"
	"github.com/jholhewres/scrapesched/internal/runner"
	"github.com/jholhewres/scrapesched/internal/store"
)

// defaultCleanupCronSpec is used when New is given an empty cleanup
// cron expression.
const defaultCleanupCronSpec = "0 2 * * *"

// Runner is the subset of runner.Runner's contract the Scheduler depends
// on, so fakes can stand in for tests.
type Runner interface {
	Execute(ctx context.Context, job *model.ScheduledJob) (*runner.Result, error)
}

// Status summarizes the Scheduler's lifecycle state for the HTTP surface.
type Status struct {
	Running bool     `json:"running"`
	Count   int      `json:"count"`
	IDs     []string `json:"ids"`
}

// jobHandle is the live state the Scheduler keeps per registered job.
type jobHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler is a lifecycle controller injected at application boot
// rather than referenced as a package-scoped global, so tests can spin
// up isolated instances.
type Scheduler struct {
	store  store.Store
	runner Runner
	logger *slog.Logger

	shutdownTimeout time.Duration
	cleanupCronSpec string

	mu          sync.Mutex
	running     bool
	handles     map[string]*jobHandle
	runningJobs map[string]bool

	cleanupCron *cron.Cron

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New builds a Scheduler. shutdownTimeout bounds how long Stop waits for
// in-flight executions before giving up. cleanupCronSpec schedules the
// nightly old-run sweep; an empty string falls back to
// defaultCleanupCronSpec.
func New(st store.Store, r Runner, logger *slog.Logger, shutdownTimeout time.Duration, cleanupCronSpec string) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	if cleanupCronSpec == "" {
		cleanupCronSpec = defaultCleanupCronSpec
	}
	return &Scheduler{
		store:           st,
		runner:          r,
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
		cleanupCronSpec: cleanupCronSpec,
		handles:         make(map[string]*jobHandle),
		runningJobs:     make(map[string]bool),
	}
}

// Start is idempotent: it reads active jobs from Store, registers each,
// and registers the internal cleanup cron. Safe to call exactly once
// per process.
//
// The per-job run loops registered here live for as long as the
// Scheduler does, not for as long as ctx does: ctx is detached via
// context.WithoutCancel before rootCtx is derived from it, so a caller
// passing a short-lived request context (the HTTP surface calls Start
// with an http.Request's context) doesn't tear down every job loop the
// instant that request returns. Only an explicit Stop() ends them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.mu.Unlock()

	jobs, err := s.store.ListActiveScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("load active scheduled jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.ScheduleJob(ctx, job); err != nil {
			s.logger.Warn("skipping job with invalid schedule", "id", job.ID, "error", err)
		}
	}

	s.cleanupCron = cron.New()
	if _, err := s.cleanupCron.AddFunc(s.cleanupCronSpec, s.runCleanup); err != nil {
		return fmt.Errorf("register cleanup cron: %w", err)
	}
	s.cleanupCron.Start()

	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop unregisters every job and the cleanup task, cancels in-flight
// executions, and waits for them to finish or abort, bounded by
// shutdownTimeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	handles := s.handles
	s.handles = make(map[string]*jobHandle)
	s.mu.Unlock()

	if s.cleanupCron != nil {
		<-s.cleanupCron.Stop().Done()
	}
	if s.rootCancel != nil {
		s.rootCancel()
	}

	deadline := time.After(s.shutdownTimeout)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			s.logger.Warn("scheduler stop timed out waiting for in-flight runs")
			return
		}
	}
	s.logger.Info("scheduler stopped")
}

// ScheduleJob (re)registers job: any prior handle for the id is removed
// first, the cron expression is derived via Recurrence, and next_run_at
// is computed and persisted.
func (s *Scheduler) ScheduleJob(ctx context.Context, job *model.ScheduledJob) error {
	if _, err := recurrence.BuildCronSpec(job); err != nil {
		return err
	}

	s.UnscheduleJob(job.ID)

	next, err := recurrence.NextFireAfter(job, time.Now().UTC())
	if err != nil {
		return err
	}
	job.NextRunAt = next
	if err := s.store.UpdateNextRunTime(ctx, job.ID, next); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	handleCtx, cancel := context.WithCancel(s.rootCtx)
	done := make(chan struct{})
	s.handles[job.ID] = &jobHandle{cancel: cancel, done: done}
	s.mu.Unlock()

	go s.runLoop(handleCtx, job.ID, done)
	return nil
}

// UnscheduleJob removes the handle for id if present; idempotent.
func (s *Scheduler) UnscheduleJob(id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// runLoop drives one job's fires. Each iteration re-reads the job from
// Store (tick procedure step 1), guarding against a handle outliving
// deletion or deactivation.
func (s *Scheduler) runLoop(ctx context.Context, id string, done chan struct{}) {
	defer close(done)
	for {
		job, err := s.store.GetScheduledJob(ctx, id)
		if err != nil || !job.IsActive {
			return
		}

		delay := time.Until(job.NextRunAt)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		job, err = s.store.GetScheduledJob(ctx, id)
		if err != nil || !job.IsActive {
			return
		}
		s.fire(ctx, job, model.RunTypeScheduled)
	}
}

// fire executes one tick for job, skipping it (with a logged warning)
// if a run for the same id is already in flight — single-flight per
// schedule id.
func (s *Scheduler) fire(ctx context.Context, job *model.ScheduledJob, runType model.RunType) error {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		if runType == model.RunTypeManual {
			return errs.New(errs.KindValidation, fmt.Sprintf("job %q already has a run in flight", job.ID))
		}
		s.logger.Warn("skipping tick, run already in flight", "id", job.ID)
		return nil
	}
	s.runningJobs[job.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runningJobs, job.ID)
		s.mu.Unlock()
		if r := recover(); r != nil {
			s.logger.Error("job execution panicked", "id", job.ID, "panic", r)
		}
	}()

	s.performRun(ctx, job, runType)
	return nil
}

// performRun is the single routine shared by scheduled ticks and manual
// triggers, so the two call paths never drift out of sync.
func (s *Scheduler) performRun(ctx context.Context, job *model.ScheduledJob, runType model.RunType) {
	start := time.Now()
	run, err := s.store.CreateJobRun(ctx, &model.JobRun{
		ScheduledJobID: job.ID,
		RunType:        runType,
		Status:         model.RunRunning,
		StartedAt:      start.UTC(),
	})
	if err != nil {
		s.logger.Error("failed to create job run", "id", job.ID, "error", err)
		return
	}

	result, runErr := s.runner.Execute(ctx, job)
	elapsed := time.Since(start).Milliseconds()

	patch := model.JobRunPatch{ExecutionTimeMs: &elapsed}
	now := time.Now().UTC()
	patch.CompletedAt = &now
	if runErr != nil {
		status := model.RunFailed
		msg := runErr.Error()
		patch.Status = &status
		patch.ErrorMessage = &msg
	} else {
		status := model.RunCompleted
		data := string(result.Data)
		patch.Status = &status
		patch.ResultData = &data
	}

	if _, err := s.store.UpdateJobRun(ctx, run.ID, patch); err != nil {
		s.logger.Error("failed to finalize job run", "id", run.ID, "error", err)
	}

	// next_run_at is anchored on completion ("now"), not the nominal fire
	// instant: a long execution shifts the following tick later rather
	// than immediately catching up (drift semantics).
	next, nextErr := recurrence.NextFireAfter(job, now)
	if nextErr != nil {
		s.logger.Error("failed to compute next fire", "id", job.ID, "error", nextErr)
		return
	}
	if err := s.store.UpdateLastRunTime(ctx, job.ID, now, next); err != nil {
		s.logger.Error("failed to persist last/next run time", "id", job.ID, "error", err)
	}
}

// ExecuteJobManually looks up job (must be active), runs it inline under
// the same single-flight rules as a scheduled tick, and recomputes
// next_run_at afterward without altering the scheduled cadence.
func (s *Scheduler) ExecuteJobManually(ctx context.Context, id string) error {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	if !job.IsActive {
		return errs.New(errs.KindValidation, fmt.Sprintf("scheduled job %q is not active", id))
	}

	s.mu.Lock()
	ctxForRun := s.rootCtx
	s.mu.Unlock()
	if ctxForRun == nil {
		ctxForRun = ctx
	}
	return s.fire(ctxForRun, job, model.RunTypeManual)
}

// Reload is equivalent to stopping every job handle (cleanup preserved)
// followed by a fresh load from Store.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*jobHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}

	jobs, err := s.store.ListActiveScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("reload active scheduled jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.ScheduleJob(ctx, job); err != nil {
			s.logger.Warn("skipping job with invalid schedule on reload", "id", job.ID, "error", err)
		}
	}
	return nil
}

// Status reports the live registration set.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return Status{Running: s.running, Count: len(ids), IDs: ids}
}

func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.store.CleanupOldJobRuns(ctx)
	if err != nil {
		s.logger.Error("cleanup of old job runs failed", "error", err)
		return
	}
	s.logger.Info("cleaned up old job runs", "deleted", n)
}

// RecoverOrphanRuns marks every run left in the running state by a prior
// process as failed, with an "interrupted by restart" message. Must run
// after migrations and before Start.
func RecoverOrphanRuns(ctx context.Context, st store.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	running, err := st.ListRunningRuns(ctx)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range running {
		status := model.RunFailed
		msg := "interrupted by restart"
		now := time.Now().UTC()
		_, err := st.UpdateJobRun(ctx, run.ID, model.JobRunPatch{
			Status:       &status,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		})
		if err != nil {
			logger.Error("failed to mark orphan run as interrupted", "id", run.ID, "error", err)
			continue
		}
		logger.Warn("recovered orphan run", "id", run.ID, "scheduled_job_id", run.ScheduledJobID)
	}
	return nil
}

