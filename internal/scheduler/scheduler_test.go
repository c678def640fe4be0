package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/scrapesched/internal/errs"
	"github.com/jholhewres/scrapesched/internal/model"
	"github.com/jholhewres/scrapesched/internal/runner"
)

// fakeStore is an in-memory stand-in for store.Store, sized for scheduler
// unit tests rather than full Store conformance (see internal/store for
// the real SQLite-backed implementation's own tests).
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*model.ScheduledJob
	runs map[string]*model.JobRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*model.ScheduledJob{}, runs: map[string]*model.JobRun{}}
}

func (f *fakeStore) CreateScheduledJob(_ context.Context, job *model.ScheduledJob) (*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	f.jobs[job.ID] = &cp
	return &cp, nil
}

func (f *fakeStore) ListScheduledJobs(context.Context) ([]*model.ScheduledJob, error) {
	return f.ListActiveScheduledJobs(context.Background())
}

func (f *fakeStore) ListActiveScheduledJobs(context.Context) ([]*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.ScheduledJob, 0, len(f.jobs))
	for _, j := range f.jobs {
		if j.IsActive {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetScheduledJob(_ context.Context, id string) (*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "not found")
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) UpdateScheduledJob(_ context.Context, id string, patch model.ScheduledJobPatch) (*model.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "not found")
	}
	if patch.IsActive != nil {
		j.IsActive = *patch.IsActive
	}
	cp := *j
	return &cp, nil
}

func (f *fakeStore) DeleteScheduledJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeStore) UpdateLastRunTime(_ context.Context, id string, last, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return errs.New(errs.KindNotFound, "not found")
	}
	j.LastRunAt = &last
	j.NextRunAt = next
	return nil
}

func (f *fakeStore) UpdateNextRunTime(_ context.Context, id string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return errs.New(errs.KindNotFound, "not found")
	}
	j.NextRunAt = next
	return nil
}

func (f *fakeStore) CreateJobRun(_ context.Context, run *model.JobRun) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	cp := *run
	f.runs[run.ID] = &cp
	return &cp, nil
}

func (f *fakeStore) UpdateJobRun(_ context.Context, id string, patch model.JobRunPatch) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "not found")
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		r.CompletedAt = patch.CompletedAt
	}
	if patch.ResultData != nil {
		r.ResultData = patch.ResultData
	}
	if patch.ErrorMessage != nil {
		r.ErrorMessage = patch.ErrorMessage
	}
	if patch.ExecutionTimeMs != nil {
		r.ExecutionTimeMs = patch.ExecutionTimeMs
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) ListJobRuns(_ context.Context, scheduledJobID string, _ int) ([]*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.JobRun
	for _, r := range f.runs {
		if r.ScheduledJobID == scheduledJobID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetJobRun(_ context.Context, id string) (*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "not found")
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) ListRunningRuns(context.Context) ([]*model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.JobRun
	for _, r := range f.runs {
		if r.Status == model.RunRunning {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CleanupOldJobRuns(context.Context) (int64, error) { return 0, nil }

func (f *fakeStore) JobRunStats(context.Context, string) (model.RunStats, error) {
	return model.RunStats{}, nil
}

func (f *fakeStore) Close() error { return nil }

// fakeRunner lets tests control Execute's duration and outcome.
type fakeRunner struct {
	delay   time.Duration
	fail    error
	calls   int32
	running int32
	maxSeen int32
}

func (f *fakeRunner) Execute(ctx context.Context, _ *model.ScheduledJob) (*runner.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	cur := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, cur) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.fail != nil {
		return nil, f.fail
	}
	return &runner.Result{Data: json.RawMessage(`{"ok":true}`)}, nil
}

func sampleActiveJob(id string) *model.ScheduledJob {
	return &model.ScheduledJob{
		ID:           id,
		Name:         "test job",
		JobType:      model.JobTypeScrape,
		URL:          strPtr("https://example.com"),
		APIEndpoint:  "https://api.example.com",
		ScheduleType: model.ScheduleInterval,
		ScheduleConfig: model.ScheduleConfig{
			Interval: 1,
			Unit:     "minutes",
		},
		Timezone: "UTC",
		IsActive: true,
	}
}

func strPtr(s string) *string { return &s }

func TestScheduleJobPersistsNextRunAt(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	job := sampleActiveJob("job-1")
	created, err := st.CreateScheduledJob(context.Background(), job)
	if err != nil {
		t.Fatalf("CreateScheduledJob: %v", err)
	}

	sched := New(st, &fakeRunner{}, nil, time.Second, "")
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	got, err := st.GetScheduledJob(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetScheduledJob: %v", err)
	}
	if !got.NextRunAt.After(time.Now().UTC().Add(-time.Minute)) {
		t.Fatalf("expected next_run_at to be freshly computed, got %s", got.NextRunAt)
	}
}

func TestExecuteJobManuallyRejectsWhenAlreadyRunning(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	job := sampleActiveJob("job-2")
	if _, err := st.CreateScheduledJob(context.Background(), job); err != nil {
		t.Fatalf("CreateScheduledJob: %v", err)
	}

	r := &fakeRunner{delay: 200 * time.Millisecond}
	sched := New(st, r, nil, 2*time.Second, "")
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- sched.ExecuteJobManually(context.Background(), job.ID)
		}()
	}
	wg.Wait()
	close(errsCh)

	var rejected int
	for err := range errsCh {
		if err != nil {
			if !errs.IsValidation(err) {
				t.Fatalf("expected validation rejection, got %v", err)
			}
			rejected++
		}
	}
	if rejected == 0 {
		t.Fatalf("expected at least one concurrent manual trigger to be rejected")
	}
	if atomic.LoadInt32(&r.maxSeen) > 1 {
		t.Fatalf("expected single-flight: observed %d concurrent executions", r.maxSeen)
	}
}

func TestRecoverOrphanRunsMarksInterrupted(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	job := sampleActiveJob("job-3")
	if _, err := st.CreateScheduledJob(context.Background(), job); err != nil {
		t.Fatalf("CreateScheduledJob: %v", err)
	}
	run, err := st.CreateJobRun(context.Background(), &model.JobRun{
		ScheduledJobID: job.ID,
		RunType:        model.RunTypeScheduled,
		Status:         model.RunRunning,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateJobRun: %v", err)
	}

	if err := RecoverOrphanRuns(context.Background(), st, nil); err != nil {
		t.Fatalf("RecoverOrphanRuns: %v", err)
	}

	got, err := st.GetJobRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetJobRun: %v", err)
	}
	if got.Status != model.RunFailed {
		t.Fatalf("expected failed status, got %s", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "interrupted by restart" {
		t.Fatalf("expected interrupted-by-restart message, got %+v", got.ErrorMessage)
	}
}

func TestStatusReflectsRegisteredJobs(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	for i := 0; i < 3; i++ {
		job := sampleActiveJob(fmt.Sprintf("job-%d", i))
		if _, err := st.CreateScheduledJob(context.Background(), job); err != nil {
			t.Fatalf("CreateScheduledJob: %v", err)
		}
	}

	sched := New(st, &fakeRunner{}, nil, time.Second, "")
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	status := sched.Status()
	if !status.Running || status.Count != 3 {
		t.Fatalf("unexpected status: %+v", status)
	}
}
