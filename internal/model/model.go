// Package model holds the persisted record shapes shared by the store,
// recurrence, runner and HTTP surface: ScheduledJob and JobRun.
package model

import "time"

// JobType selects which Runner branch a ScheduledJob executes.
type JobType string

const (
	JobTypeScrape JobType = "scrape"
	JobTypeCrawl  JobType = "crawl"
	JobTypeMap    JobType = "map"
	JobTypeBatch  JobType = "batch"
)

// ScheduleType selects the recurrence family a ScheduledJob follows.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleHourly   ScheduleType = "hourly"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
)

// RunType distinguishes a cron-fired run from a manually triggered one.
type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
)

// RunStatus is the JobRun lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ScheduleConfig holds the fields relevant to one or more ScheduleType
// kinds. Only the fields matching schedule_type are expected to be set.
type ScheduleConfig struct {
	// Interval/unit: schedule_type = interval.
	Interval int    `json:"interval,omitempty"`
	Unit     string `json:"unit,omitempty"` // "minutes" | "hours" | "days"

	// Time: schedule_type ∈ {daily, weekly, monthly}, "HH:MM".
	Time string `json:"time,omitempty"`

	// Days: schedule_type = weekly, 0=Sunday..6=Saturday.
	Days []int `json:"days,omitempty"`

	// Date: schedule_type = monthly, 1..31.
	Date int `json:"date,omitempty"`
}

// ScrapeOptions is the projection of job_config fields that are forwarded
// onto the remote API's scrapeOptions. Pointer fields let the Runner tell
// "absent" from "zero value" so it only forwards fields explicitly present
// in job_config.
type ScrapeOptions struct {
	Formats         []string `json:"formats,omitempty"`
	OnlyMainContent *bool    `json:"onlyMainContent,omitempty"`
	IncludeTags     []string `json:"includeTags,omitempty"`
	ExcludeTags     []string `json:"excludeTags,omitempty"`
	WaitForSeconds  *float64 `json:"waitFor,omitempty"`
	TimeoutSeconds  *float64 `json:"timeout,omitempty"`
}

// JobConfig is the operation-specific options bag stored as job_config.
// ScrapeOptions is embedded and forwarded for scrape/crawl/batch (map
// requests do not carry it); Limit is used by crawl only.
type JobConfig struct {
	ScrapeOptions
	Limit int `json:"limit,omitempty"`
}

// ScheduledJob is one user-defined recurring binding of an operation to a
// recurrence rule.
type ScheduledJob struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	JobType        JobType        `json:"jobType"`
	JobConfig      JobConfig      `json:"jobConfig"`
	URL            *string        `json:"url,omitempty"`
	URLs           []string       `json:"urls,omitempty"`
	APIEndpoint    string         `json:"apiEndpoint"`
	ScheduleType   ScheduleType   `json:"scheduleType"`
	ScheduleConfig ScheduleConfig `json:"scheduleConfig"`
	Timezone       string         `json:"timezone"`
	IsActive       bool           `json:"isActive"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastRunAt      *time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt      time.Time      `json:"nextRunAt"`
}

// JobRun is one execution attempt of a ScheduledJob.
type JobRun struct {
	ID              string     `json:"id"`
	ScheduledJobID  string     `json:"scheduledJobId"`
	RunType         RunType    `json:"runType"`
	Status          RunStatus  `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ResultData      *string    `json:"resultData,omitempty"` // JSON-encoded
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
	ExecutionTimeMs *int64     `json:"executionTimeMs,omitempty"`
}

// ScheduledJobPatch carries a partial update for UpdateScheduledJob; nil
// fields are left unchanged.
type ScheduledJobPatch struct {
	Name           *string
	JobType        *JobType
	JobConfig      *JobConfig
	URL            *string
	ClearURL       bool
	URLs           []string
	ClearURLs      bool
	APIEndpoint    *string
	ScheduleType   *ScheduleType
	ScheduleConfig *ScheduleConfig
	Timezone       *string
	IsActive       *bool
}

// JobRunPatch carries a partial update for UpdateJobRun.
type JobRunPatch struct {
	Status          *RunStatus
	CompletedAt     *time.Time
	ResultData      *string
	ErrorMessage    *string
	ExecutionTimeMs *int64
}

// RunStats is the grouped-by-status count returned by JobRunStats.
type RunStats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
