package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/scrapesched/internal/errs"
	"github.com/jholhewres/scrapesched/internal/model"
	"github.com/jholhewres/scrapesched/internal/recurrence"
)

// envelope is the wire shape shared by every response: {"success":true,...}
// on success, {"success":false,"error":"..."} on failure.
type envelope map[string]any

// forDisplay returns a copy of job with its timestamps rendered in the
// job's own IANA zone. The store always holds UTC; the zone conversion
// happens only at this boundary, never closer to persistence.
func forDisplay(job *model.ScheduledJob) *model.ScheduledJob {
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return job
	}
	cp := *job
	cp.NextRunAt = job.NextRunAt.In(loc)
	if job.LastRunAt != nil {
		t := job.LastRunAt.In(loc)
		cp.LastRunAt = &t
	}
	return &cp
}

func forDisplayAll(jobs []*model.ScheduledJob) []*model.ScheduledJob {
	out := make([]*model.ScheduledJob, len(jobs))
	for i, j := range jobs {
		out[i] = forDisplay(j)
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, envelope{"success": false, "error": msg})
}

// writeErr maps a taxonomy error to an HTTP status: the kind drives the
// status, the message is passed through, the kind itself is not exposed
// verbatim.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Cause != nil {
			msg += ": " + e.Cause.Error()
		}
	}
	switch {
	case errs.IsValidation(err), errs.IsScheduleConfigInvalid(err):
		s.writeError(w, http.StatusBadRequest, msg)
	case errs.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, msg)
	default:
		s.writeError(w, http.StatusInternalServerError, msg)
	}
}

// createRequest is the body of POST /schedules.
type createRequest struct {
	Name           string               `json:"name"`
	JobType        model.JobType        `json:"jobType"`
	JobConfig      model.JobConfig      `json:"jobConfig"`
	URL            *string              `json:"url"`
	URLs           []string             `json:"urls"`
	APIEndpoint    string               `json:"apiEndpoint"`
	ScheduleType   model.ScheduleType   `json:"scheduleType"`
	ScheduleConfig model.ScheduleConfig `json:"scheduleConfig"`
	Timezone       string               `json:"timezone"`
	IsActive       *bool                `json:"isActive"`
}

// handleSchedules implements POST/GET /schedules.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := validateCreate(req); err != nil {
		s.writeErr(w, err)
		return
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	job := &model.ScheduledJob{
		Name:           req.Name,
		JobType:        req.JobType,
		JobConfig:      req.JobConfig,
		URL:            req.URL,
		URLs:           req.URLs,
		APIEndpoint:    req.APIEndpoint,
		ScheduleType:   req.ScheduleType,
		ScheduleConfig: req.ScheduleConfig,
		Timezone:       tz,
		IsActive:       isActive,
	}

	if _, err := recurrence.BuildCronSpec(job); err != nil {
		s.writeErr(w, err)
		return
	}
	next, err := recurrence.NextFireAfter(job, time.Now().UTC())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	job.NextRunAt = next

	created, err := s.store.CreateScheduledJob(r.Context(), job)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	if created.IsActive {
		if err := s.scheduler.ScheduleJob(r.Context(), created); err != nil {
			s.logger.Warn("failed to register new job with scheduler", "job_id", created.ID, "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": forDisplay(created)})
}

func validateCreate(req createRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return errs.New(errs.KindValidation, "name is required")
	}
	switch req.JobType {
	case model.JobTypeScrape, model.JobTypeCrawl, model.JobTypeMap, model.JobTypeBatch:
	default:
		return errs.New(errs.KindValidation, "jobType must be one of scrape, crawl, map, batch")
	}
	if req.APIEndpoint == "" {
		return errs.New(errs.KindValidation, "apiEndpoint is required")
	}
	return validateURLShape(req.JobType, req.URL, req.URLs)
}

// validateURLShape enforces "exactly one of (url, urls) populated" per
// jobType: batch jobs take urls and no url, every other job type takes
// url and no urls. Shared by create (against the request body) and
// update (against the merged, already-persisted row), so a PUT that
// flips jobType without supplying the matching field is rejected the
// same way a POST would be.
func validateURLShape(jobType model.JobType, url *string, urls []string) error {
	hasURL := url != nil && *url != ""
	hasURLs := len(urls) > 0
	if jobType == model.JobTypeBatch {
		if !hasURLs || hasURL {
			return errs.New(errs.KindValidation, "batch jobs require non-empty urls and no url")
		}
	} else {
		if !hasURL || hasURLs {
			return errs.New(errs.KindValidation, "scrape/crawl/map jobs require url and no urls")
		}
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListScheduledJobs(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{"success": true, "schedules": forDisplayAll(jobs)})
}

// handleScheduleByID routes /schedules/{id}, /schedules/{id}/run and
// /schedules/{id}/runs based on the trailing path segment.
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/schedules/")
	switch {
	case strings.HasSuffix(rest, "/run"):
		s.handleRunNow(w, r, strings.TrimSuffix(rest, "/run"))
	case strings.HasSuffix(rest, "/runs"):
		s.handleListRuns(w, r, strings.TrimSuffix(rest, "/runs"))
	case rest == "":
		s.writeError(w, http.StatusBadRequest, "schedule id required")
	default:
		s.handleScheduleOne(w, r, rest)
	}
}

func (s *Server) handleScheduleOne(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		job, err := s.store.GetScheduledJob(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": forDisplay(job)})
	case http.MethodPut:
		s.handleUpdate(w, r, id)
	case http.MethodDelete:
		s.handleDelete(w, r, id)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// updateRequest mirrors createRequest but every field is a pointer/optional
// so only fields present in the body are applied.
type updateRequest struct {
	Name           *string               `json:"name"`
	JobType        *model.JobType        `json:"jobType"`
	JobConfig      *model.JobConfig      `json:"jobConfig"`
	URL            *string               `json:"url"`
	URLs           []string              `json:"urls"`
	APIEndpoint    *string               `json:"apiEndpoint"`
	ScheduleType   *model.ScheduleType   `json:"scheduleType"`
	ScheduleConfig *model.ScheduleConfig `json:"scheduleConfig"`
	Timezone       *string               `json:"timezone"`
	IsActive       *bool                 `json:"isActive"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	patch := model.ScheduledJobPatch{
		Name:           req.Name,
		JobType:        req.JobType,
		JobConfig:      req.JobConfig,
		APIEndpoint:    req.APIEndpoint,
		ScheduleType:   req.ScheduleType,
		ScheduleConfig: req.ScheduleConfig,
		Timezone:       req.Timezone,
		IsActive:       req.IsActive,
	}
	if req.URL != nil {
		if *req.URL == "" {
			patch.ClearURL = true
		} else {
			patch.URL = req.URL
		}
	}
	if req.URLs != nil {
		if len(req.URLs) == 0 {
			patch.ClearURLs = true
		} else {
			patch.URLs = req.URLs
		}
	}

	updated, err := s.store.UpdateScheduledJob(r.Context(), id, patch)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	// The merged row has already been persisted at this point; it is
	// validated before (re)registering. A PUT that flips jobType without
	// supplying the matching url/urls, or leaves an invalid
	// schedule_config, is rejected and the job is unregistered, so it is
	// not left registered to fail later inside the Runner.
	if err := validateURLShape(updated.JobType, updated.URL, updated.URLs); err != nil {
		s.scheduler.UnscheduleJob(updated.ID)
		s.writeErr(w, err)
		return
	}
	if _, err := recurrence.BuildCronSpec(updated); err != nil {
		s.scheduler.UnscheduleJob(updated.ID)
		s.writeErr(w, err)
		return
	}

	if updated.IsActive {
		if err := s.scheduler.ScheduleJob(r.Context(), updated); err != nil {
			s.logger.Warn("failed to reschedule updated job", "job_id", updated.ID, "error", err)
		}
	} else {
		s.scheduler.UnscheduleJob(updated.ID)
	}

	s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": forDisplay(updated)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	s.scheduler.UnscheduleJob(id)
	if err := s.store.DeleteScheduledJob(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": map[string]string{"id": id}})
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.scheduler.ExecuteJobManually(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": map[string]string{"id": id, "status": "triggered"}})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.ListJobRuns(r.Context(), id, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{"success": true, "runs": runs})
}

// handleSchedulerStatus implements GET/POST /scheduler/status.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := s.scheduler.Status()
		stats, err := s.store.JobRunStats(r.Context(), "")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": map[string]any{
			"running": status.Running,
			"count":   status.Count,
			"ids":     status.IDs,
			"stats":   stats,
		}})
	case http.MethodPost:
		var body struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		switch body.Action {
		case "start":
			if err := s.scheduler.Start(r.Context()); err != nil {
				s.writeErr(w, err)
				return
			}
		case "stop":
			s.scheduler.Stop()
		default:
			s.writeError(w, http.StatusBadRequest, `action must be "start" or "stop"`)
			return
		}
		s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": s.scheduler.Status()})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSchedulerReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.scheduler.Reload(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": s.scheduler.Status()})
}

// handleStartup implements the one-shot POST /startup: migrations have
// already run by the time the process serves HTTP (see cmd/scrapesched),
// so this only (idempotently) starts the Scheduler and reports the count
// of jobs it registered.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.scheduler.Start(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	status := s.scheduler.Status()
	s.writeJSON(w, http.StatusOK, envelope{"success": true, "data": map[string]any{"registered": status.Count}})
}
