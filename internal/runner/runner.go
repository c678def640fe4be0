// Package runner performs the outbound HTTP calls a ScheduledJob's
// job_type requires, including poll-to-completion for the async crawl
// and batch operations. Runner is deliberately free of persistence
// concerns — see internal/scheduler for the JobRun bookkeeping that
// wraps Execute.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/scrapesched/internal/errs"
	"github.com/jholhewres/scrapesched/internal/model"
)

const (
	scrapeTimeout = 300 * time.Second
	crawlTimeout  = 300 * time.Second
	mapTimeout    = 120 * time.Second
	batchTimeout  = 300 * time.Second

	pollInterval = 5 * time.Second
	pollAttempts = 120

	maxErrorBodyBytes = 2048
)

// ClientConfig tunes the transport Runner issues requests over. Most
// deployments never touch it, so the zero value is usable defaults.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewHTTPClient builds the *http.Client Runner uses for every outbound
// call. Per-call timeouts are enforced with context deadlines rather than
// Client.Timeout, since scrape/crawl/map/batch each have a distinct hard
// timeout.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}
	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = 10
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        maxIdleConns,
			MaxIdleConnsPerHost: maxIdleConnsPerHost,
			IdleConnTimeout:     idleConnTimeout,
		},
	}
}

// Runner executes a ScheduledJob against its remote api_endpoint.
type Runner struct {
	client       *http.Client
	pollInterval time.Duration
}

// New wraps client (a *http.Client from NewHTTPClient, or a caller-built
// one for tests) in a Runner.
func New(client *http.Client) *Runner {
	return &Runner{client: client, pollInterval: pollInterval}
}

// Result is the terminal success artifact of a run: the raw JSON the
// remote service returned for the operation, ready to persist as
// JobRun.ResultData.
type Result struct {
	Data json.RawMessage
}

// Execute performs the outbound call(s) for job, honoring ctx for
// cancellation and hard timeouts. It never panics past the caller —
// Scheduler is responsible for catching anything Execute itself cannot
// convert into an *errs.Error.
func (r *Runner) Execute(ctx context.Context, job *model.ScheduledJob) (*Result, error) {
	switch job.JobType {
	case model.JobTypeScrape:
		return r.runScrape(ctx, job)
	case model.JobTypeCrawl:
		return r.runCrawl(ctx, job)
	case model.JobTypeMap:
		return r.runMap(ctx, job)
	case model.JobTypeBatch:
		return r.runBatch(ctx, job)
	default:
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("unknown job type %q", job.JobType))
	}
}

func (r *Runner) runScrape(ctx context.Context, job *model.ScheduledJob) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	if job.URL == nil {
		return nil, errs.New(errs.KindValidation, "scrape job requires url")
	}
	body := map[string]any{"url": *job.URL}
	mergeScrapeOptions(body, job.JobConfig)

	resp, err := r.postJSON(ctx, job.APIEndpoint+"/v1/scrape", body)
	if err != nil {
		return nil, err
	}
	return &Result{Data: extractResult(resp, "data")}, nil
}

func (r *Runner) runMap(ctx context.Context, job *model.ScheduledJob) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, mapTimeout)
	defer cancel()

	if job.URL == nil {
		return nil, errs.New(errs.KindValidation, "map job requires url")
	}
	body := map[string]any{"url": *job.URL}

	resp, err := r.postJSON(ctx, job.APIEndpoint+"/v1/map", body)
	if err != nil {
		return nil, err
	}
	return &Result{Data: extractResult(resp, "links", "data")}, nil
}

func (r *Runner) runCrawl(ctx context.Context, job *model.ScheduledJob) (*Result, error) {
	if job.URL == nil {
		return nil, errs.New(errs.KindValidation, "crawl job requires url")
	}
	body := map[string]any{"url": *job.URL}
	if job.JobConfig.Limit > 0 {
		body["limit"] = job.JobConfig.Limit
	}
	mergeScrapeOptions(body, job.JobConfig)

	postCtx, cancel := context.WithTimeout(ctx, crawlTimeout)
	resp, err := r.postJSON(postCtx, job.APIEndpoint+"/v1/crawl", body)
	cancel()
	if err != nil {
		return nil, err
	}

	id, ok := asyncID(resp)
	if !ok {
		return &Result{Data: extractResult(resp, "data")}, nil
	}
	return r.poll(ctx, fmt.Sprintf("%s/v1/crawl/%s", job.APIEndpoint, id))
}

func (r *Runner) runBatch(ctx context.Context, job *model.ScheduledJob) (*Result, error) {
	if len(job.URLs) == 0 {
		return nil, errs.New(errs.KindValidation, "batch job requires urls")
	}
	body := map[string]any{"urls": job.URLs}
	mergeScrapeOptions(body, job.JobConfig)

	postCtx, cancel := context.WithTimeout(ctx, batchTimeout)
	resp, err := r.postJSON(postCtx, job.APIEndpoint+"/v1/batch/scrape", body)
	cancel()
	if err != nil {
		return nil, err
	}

	id, ok := asyncID(resp)
	if !ok {
		return &Result{Data: extractResult(resp, "data")}, nil
	}
	return r.poll(ctx, fmt.Sprintf("%s/v1/batch/scrape/%s", job.APIEndpoint, id))
}

// poll GETs url every pollInterval until the body's status is terminal,
// or the poll budget / context is exhausted. Each individual GET is
// bounded by crawlTimeout, matching the "hard timeout on each HTTP call"
// requirement independent of the overall poll budget.
func (r *Runner) poll(ctx context.Context, url string) (*Result, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindLocalTimeout, "poll cancelled", ctx.Err())
		case <-ticker.C:
		}

		getCtx, cancel := context.WithTimeout(ctx, crawlTimeout)
		body, err := r.getJSON(getCtx, url)
		cancel()
		if err != nil {
			return nil, err
		}

		status, _ := body["status"].(string)
		switch status {
		case "completed":
			return &Result{Data: extractResult(body, "data")}, nil
		case "failed":
			msg, _ := body["error"].(string)
			if msg == "" {
				msg = "remote reported failure"
			}
			return nil, errs.New(errs.KindRemoteError, msg)
		}
	}
	return nil, errs.New(errs.KindPollTimeout, fmt.Sprintf("poll budget of %d attempts exhausted for %s", pollAttempts, url))
}

func asyncID(body map[string]any) (string, bool) {
	id, ok := body["id"].(string)
	return id, ok && id != ""
}

// extractResult returns the first populated field among keys, falling
// back to re-marshaling the whole body when none are present.
func extractResult(body map[string]any, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := body[k]; ok {
			if raw, err := json.Marshal(v); err == nil {
				return raw
			}
		}
	}
	raw, _ := json.Marshal(body)
	return raw
}

// mergeScrapeOptions applies the documented job_config → scrapeOptions
// projection: only fields explicitly present in cfg are forwarded, and
// waitFor/timeout convert seconds to milliseconds.
func mergeScrapeOptions(body map[string]any, cfg model.JobConfig) {
	opts := map[string]any{}
	if len(cfg.Formats) > 0 {
		opts["formats"] = cfg.Formats
	}
	if cfg.OnlyMainContent != nil {
		opts["onlyMainContent"] = *cfg.OnlyMainContent
	}
	if len(cfg.IncludeTags) > 0 {
		opts["includeTags"] = cfg.IncludeTags
	}
	if len(cfg.ExcludeTags) > 0 {
		opts["excludeTags"] = cfg.ExcludeTags
	}
	if cfg.WaitForSeconds != nil {
		opts["waitFor"] = int64(*cfg.WaitForSeconds * 1000)
	}
	if cfg.TimeoutSeconds != nil {
		opts["timeout"] = int64(*cfg.TimeoutSeconds * 1000)
	}
	if len(opts) > 0 {
		body["scrapeOptions"] = opts
	}
}

func (r *Runner) postJSON(ctx context.Context, url string, payload map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "encode request body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, errs.Wrap(errs.KindRemoteError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req)
}

func (r *Runner) getJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindRemoteError, "build request", err)
	}
	return r.do(req)
}

func (r *Runner) do(req *http.Request) (map[string]any, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, errs.Wrap(errs.KindLocalTimeout, "request exceeded hard timeout", req.Context().Err())
		}
		return nil, errs.Wrap(errs.KindRemoteError, "remote request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, errs.Wrap(errs.KindRemoteError, "read response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, raw)
	}

	body := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, errs.Wrap(errs.KindRemoteError, "decode response body", err)
		}
	}
	return body, nil
}

func statusError(status int, raw []byte) error {
	truncated := strings.TrimSpace(string(raw))
	if len(truncated) > maxErrorBodyBytes {
		truncated = truncated[:maxErrorBodyBytes] + "…"
	}
	message := fmt.Sprintf("remote returned %d %s: %s", status, http.StatusText(status), truncated)

	switch {
	case status == http.StatusRequestTimeout:
		return errs.New(errs.KindRemoteTimeout, message)
	case status == http.StatusTooManyRequests:
		return errs.New(errs.KindRemoteRateLimited, message)
	case status >= 500:
		return errs.New(errs.KindRemoteUnavailable, message)
	default:
		return errs.New(errs.KindRemoteError, message)
	}
}
