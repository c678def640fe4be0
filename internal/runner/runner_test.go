package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jholhewres/scrapesched/internal/errs"
	"github.com/jholhewres/scrapesched/internal/model"
)

func newScrapeJob(url, endpoint string) *model.ScheduledJob {
	return &model.ScheduledJob{
		JobType:     model.JobTypeScrape,
		URL:         &url,
		APIEndpoint: endpoint,
	}
}

func TestExecuteScrapeSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/scrape" {
			t.Fatalf("unexpected path %s", req.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"markdown": "hello"}})
	}))
	defer srv.Close()

	r := New(srv.Client())
	job := newScrapeJob("https://example.com", srv.URL)
	result, err := r.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(result.Data, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["markdown"] != "hello" {
		t.Fatalf("unexpected result: %+v", decoded)
	}
}

func TestExecuteScrapeStatusPolicy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		want   errs.Kind
	}{
		{http.StatusRequestTimeout, errs.KindRemoteTimeout},
		{http.StatusTooManyRequests, errs.KindRemoteRateLimited},
		{http.StatusBadGateway, errs.KindRemoteUnavailable},
		{http.StatusBadRequest, errs.KindRemoteError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.want), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"message":"boom"}`))
			}))
			defer srv.Close()

			r := New(srv.Client())
			job := newScrapeJob("https://example.com", srv.URL)
			_, err := r.Execute(context.Background(), job)
			if errs.KindOf(err) != tc.want {
				t.Fatalf("expected kind %s, got %v", tc.want, err)
			}
		})
	}
}

func TestExecuteCrawlPollsToCompletion(t *testing.T) {
	t.Parallel()
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case req.Method == http.MethodPost && req.URL.Path == "/v1/crawl":
			json.NewEncoder(w).Encode(map[string]any{"id": "abc"})
		case req.Method == http.MethodGet && req.URL.Path == "/v1/crawl/abc":
			polls++
			if polls < 3 {
				json.NewEncoder(w).Encode(map[string]any{"status": "running"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"status": "completed",
				"data":   []map[string]string{{"url": "https://example.com/1"}},
			})
		default:
			t.Fatalf("unexpected request %s %s", req.Method, req.URL.Path)
		}
	}))
	defer srv.Close()

	r := New(srv.Client())
	r.pollInterval = 10 * time.Millisecond
	job := &model.ScheduledJob{
		JobType:     model.JobTypeCrawl,
		URL:         strPtr("https://example.com"),
		APIEndpoint: srv.URL,
	}

	result, err := r.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var decoded []map[string]string
	if err := json.Unmarshal(result.Data, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["url"] != "https://example.com/1" {
		t.Fatalf("unexpected result: %+v", decoded)
	}
	if polls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", polls)
	}
}

func TestExecuteCrawlPollFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case req.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]any{"id": "abc"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "blocked by robots.txt"})
		}
	}))
	defer srv.Close()

	r := New(srv.Client())
	r.pollInterval = 10 * time.Millisecond
	job := &model.ScheduledJob{
		JobType:     model.JobTypeCrawl,
		URL:         strPtr("https://example.com"),
		APIEndpoint: srv.URL,
	}

	_, err := r.Execute(context.Background(), job)
	if errs.KindOf(err) != errs.KindRemoteError {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if err == nil || !contains(err.Error(), "blocked by robots.txt") {
		t.Fatalf("expected error message to contain remote error text, got %v", err)
	}
}

func TestExecuteMapUsesLinksField(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"links": []string{"https://example.com/a"}})
	}))
	defer srv.Close()

	r := New(srv.Client())
	job := &model.ScheduledJob{
		JobType:     model.JobTypeMap,
		URL:         strPtr("https://example.com"),
		APIEndpoint: srv.URL,
	}
	result, err := r.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var links []string
	if err := json.Unmarshal(result.Data, &links); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(links) != 1 || links[0] != "https://example.com/a" {
		t.Fatalf("unexpected links: %v", links)
	}
}

func TestExecuteBatchRequiresURLs(t *testing.T) {
	t.Parallel()
	r := New(http.DefaultClient)
	job := &model.ScheduledJob{JobType: model.JobTypeBatch, APIEndpoint: "https://example.com"}
	_, err := r.Execute(context.Background(), job)
	if !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func strPtr(s string) *string { return &s }

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
