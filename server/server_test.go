package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maesterweb/maesterweb/model"
	"github.com/maesterweb/maesterweb/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubJobs struct {
	mu       sync.Mutex
	started  []model.RunOptions
	jobs     map[string]model.JobSnapshot
	startErr error
}

func (s *stubJobs) Start(options model.RunOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.started = append(s.started, options)
	return "job-1", nil
}

func (s *stubJobs) Status(id string) (model.JobSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func (s *stubJobs) Jobs() []model.JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JobSnapshot, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

type brokenReports struct {
	Reports
}

func (brokenReports) List(context.Context, int) ([]model.Report, error) {
	return nil, errors.New("storage unavailable")
}

func newTestServer(t *testing.T, opts Options) (*Server, *stubJobs, *storage.Publisher) {
	t.Helper()
	jobs := &stubJobs{jobs: map[string]model.JobSnapshot{}}
	publisher := storage.NewPublisher(zerolog.Nop(), storage.NewMemoryStore("maester-reports"))
	require.NoError(t, publisher.Initialize(context.Background()))
	return New(zerolog.Nop(), jobs, publisher, opts), jobs, publisher
}

func do(t *testing.T, s *Server, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	s.now = func() time.Time { return time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC) }

	rec := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"status": "ok", "timestamp": "2026-10-18T09:00:00Z"}, decode(t, rec))
}

func TestRunTest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		want     model.RunOptions
	}{
		{
			name:     "options",
			body:     `{"tags":["EIDSCA"],"includeLongRunning":true,"includePreview":true}`,
			wantCode: http.StatusOK,
			want:     model.RunOptions{Tags: []string{"EIDSCA"}, IncludeLongRunning: true, IncludePreview: true},
		},
		{
			name:     "empty object",
			body:     `{}`,
			wantCode: http.StatusOK,
		},
		{
			name:     "no body",
			wantCode: http.StatusOK,
		},
		{
			name:     "invalid json",
			body:     `{"tags":`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, jobs, _ := newTestServer(t, Options{})
			rec := do(t, s, http.MethodPost, "/api/run-test", tt.body)
			require.Equal(t, tt.wantCode, rec.Code)

			body := decode(t, rec)
			if tt.wantCode != http.StatusOK {
				require.Equal(t, false, body["success"])
				require.Empty(t, jobs.started)
				return
			}

			require.Equal(t, true, body["success"])
			require.Equal(t, map[string]any{
				"jobId":   "job-1",
				"status":  "running",
				"message": "Test execution started",
			}, body["result"])
			require.Equal(t, []model.RunOptions{tt.want}, jobs.started)
		})
	}
}

func TestRunTest_ChunkedEmptyBody(t *testing.T) {
	s, jobs, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/run-test", io.NopCloser(strings.NewReader("")))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []model.RunOptions{{}}, jobs.started)
}

func TestRunTest_StartFailure(t *testing.T) {
	s, jobs, _ := newTestServer(t, Options{})
	jobs.startErr = errors.New("failed to create output directory")

	rec := do(t, s, http.MethodPost, "/api/run-test", `{}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, map[string]any{"success": false, "error": "failed to create output directory"}, decode(t, rec))
}

func TestTestStatus(t *testing.T) {
	s, jobs, _ := newTestServer(t, Options{})
	start := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)
	jobs.jobs["job-1"] = model.JobSnapshot{
		JobID:     "job-1",
		Status:    model.JobStatusFailed,
		StartTime: start,
		EndTime:   &end,
		Error:     "PowerShell process exited with code 1\nStderr: auth error",
	}

	rec := do(t, s, http.MethodGet, "/api/test-status/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)["status"].(map[string]any)
	require.Equal(t, true, status["found"])
	require.Equal(t, "job-1", status["jobId"])
	require.Equal(t, "failed", status["status"])
	require.Equal(t, "2026-10-18T09:00:00Z", status["startTime"])
	require.Equal(t, "2026-10-18T09:02:00Z", status["endTime"])
	require.Equal(t, "PowerShell process exited with code 1\nStderr: auth error", status["error"])

	rec = do(t, s, http.MethodGet, "/api/test-status/unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{
		"success": true,
		"status":  map[string]any{"found": false, "error": "Job not found or expired"},
	}, decode(t, rec))
}

func TestListJobs(t *testing.T) {
	s, jobs, _ := newTestServer(t, Options{})
	jobs.jobs["job-1"] = model.JobSnapshot{JobID: "job-1", Status: model.JobStatusRunning}

	rec := do(t, s, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["jobs"].([]any)
	require.Len(t, list, 1)
	require.Equal(t, "job-1", list[0].(map[string]any)["jobId"])
}

func publishReports(t *testing.T, p *storage.Publisher, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := p.Publish(context.Background(), name, []byte("<html>"+name+"</html>"), nil)
		require.NoError(t, err)
		// Distinct upload times
		time.Sleep(2 * time.Millisecond)
	}
}

func TestReports(t *testing.T) {
	s, _, publisher := newTestServer(t, Options{})

	rec := do(t, s, http.MethodGet, "/api/reports/latest", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, map[string]any{"success": false, "error": "No reports found"}, decode(t, rec))

	publishReports(t, publisher, "report-a", "report-b", "report-c")

	rec = do(t, s, http.MethodGet, "/api/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	reports := decode(t, rec)["reports"].([]any)
	require.Len(t, reports, 3)
	require.Equal(t, "report-c", reports[0].(map[string]any)["id"])
	require.Equal(t, "report-c.html", reports[0].(map[string]any)["name"])

	rec = do(t, s, http.MethodGet, "/api/reports?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["reports"].([]any), 2)

	rec = do(t, s, http.MethodGet, "/api/reports?limit=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/reports/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "report-c", decode(t, rec)["report"].(map[string]any)["id"])

	rec = do(t, s, http.MethodGet, "/api/reports/report-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode(t, rec)["report"].(map[string]any)
	require.Equal(t, "report-a", report["id"])
	require.Equal(t, "memory://maester-reports/report-a.html", report["url"])

	rec = do(t, s, http.MethodGet, "/api/reports/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, map[string]any{"success": false, "error": "Report not found"}, decode(t, rec))
}

func TestDownloadReport(t *testing.T) {
	s, _, publisher := newTestServer(t, Options{})
	publishReports(t, publisher, "report-a")

	for _, id := range []string{"report-a", "report-a.html"} {
		rec := do(t, s, http.MethodGet, "/api/reports/"+id+"/download", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "text/html", rec.Header().Get("Content-Type"))
		require.Equal(t, `inline; filename="report-a.html"`, rec.Header().Get("Content-Disposition"))
		require.Equal(t, "<html>report-a</html>", rec.Body.String())
	}

	rec := do(t, s, http.MethodGet, "/api/reports/missing/download", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteReport(t *testing.T) {
	s, _, publisher := newTestServer(t, Options{})
	publishReports(t, publisher, "report-a")

	rec := do(t, s, http.MethodDelete, "/api/reports/report-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]any{"success": true}, decode(t, rec))

	rec = do(t, s, http.MethodGet, "/api/reports/report-a", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/reports/report-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReports_BackendError(t *testing.T) {
	jobs := &stubJobs{jobs: map[string]model.JobSnapshot{}}
	s := New(zerolog.Nop(), jobs, brokenReports{}, Options{})

	rec := do(t, s, http.MethodGet, "/api/reports", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, map[string]any{"success": false, "error": "storage unavailable"}, decode(t, rec))
}

func TestRecovery(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	s.engine.GET("/api/panic", func(c *gin.Context) {
		panic("boom")
	})

	rec := do(t, s, http.MethodGet, "/api/panic", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, map[string]any{"success": false, "error": "Internal server error"}, decode(t, rec))
}

func TestNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := do(t, s, http.MethodGet, "/api/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, map[string]any{"success": false, "error": "Not found"}, decode(t, rec))
}

func TestSecurityHeaders(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, contentSecurityPolicy, rec.Header().Get("Content-Security-Policy"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestCORS(t *testing.T) {
	s, _, _ := newTestServer(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	rec := do(t, s, http.MethodGet, "/api/health", "", "Origin", "http://localhost:3000")
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = do(t, s, http.MethodOptions, "/api/run-test", "",
		"Origin", "http://localhost:3000",
		"Access-Control-Request-Headers", "content-type")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))

	rec = do(t, s, http.MethodGet, "/api/health", "", "Origin", "http://evil.example")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStaticClient(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "static"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "static", "main.js"), []byte("console.log(1)"), 0644))

	s, _, _ := newTestServer(t, Options{StaticDir: dir})

	rec := do(t, s, http.MethodGet, "/static/main.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "console.log(1)", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/reports/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<html>app</html>", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s, _, _ := newTestServer(t, Options{Redis: client, RateLimit: 2, RateLimitWindow: time.Minute})

	tests := []struct {
		wantCode      int
		wantRemaining string
	}{
		{wantCode: http.StatusOK, wantRemaining: "1"},
		{wantCode: http.StatusOK, wantRemaining: "0"},
		{wantCode: http.StatusTooManyRequests, wantRemaining: "0"},
	}
	for i, tt := range tests {
		rec := do(t, s, http.MethodGet, "/api/health", "")
		require.Equal(t, tt.wantCode, rec.Code, "request %d", i+1)
		require.Equal(t, "2", rec.Header().Get("RateLimit-Limit"))
		require.Equal(t, tt.wantRemaining, rec.Header().Get("RateLimit-Remaining"))
		require.Equal(t, "60", rec.Header().Get("RateLimit-Reset"))
	}

	rec := do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Equal(t, map[string]any{
		"success": false,
		"error":   "Too many requests, please try again later.",
	}, decode(t, rec))

	// Counted per client
	rec = do(t, s, http.MethodGet, "/api/health", "", "X-Forwarded-For", "198.51.100.7")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("RateLimit-Remaining"))

	// A new window starts once the key expired
	mr.FastForward(time.Minute)
	rec = do(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("RateLimit-Remaining"))
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	s, _, _ := newTestServer(t, Options{Redis: client, RateLimit: 1, RateLimitWindow: time.Minute})

	for i := 0; i < 3; i++ {
		rec := do(t, s, http.MethodGet, "/api/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
