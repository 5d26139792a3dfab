package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/report"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockHealer records requests and writes a PASSED results document to the
// store when one is set.
type mockHealer struct {
	mu    sync.Mutex
	calls []report.RunRequest
	ids   []string
	store *pipeline.Store
}

func (m *mockHealer) HealAs(ctx context.Context, runID string, req report.RunRequest) report.RunResponse {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.ids = append(m.ids, runID)
	m.mu.Unlock()

	resp := report.RunResponse{
		RunID:          runID,
		RepoURL:        req.RepoURL,
		TeamName:       req.TeamName,
		TeamLeaderName: req.TeamLeaderName,
		BranchName:     "RIFT_JANE_AI_Fix",
		CIStatus:       pipeline.CIPassed,
		Fixes:          []report.FixResult{},
		Timeline:       []pipeline.TimelineEntry{{Iteration: 1, Status: pipeline.CIPassed, Timestamp: "2026-03-01T12:00:00Z"}},
		RetryLimit:     5,
		Score:          report.Score{Base: 100, SpeedBonus: 10, Total: 110},
	}
	if m.store != nil {
		_ = report.WriteResults(m.store.ResultsPath(runID), resp)
	}
	return resp
}

func (m *mockHealer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.StreamInterval == 0 {
		cfg.StreamInterval = 10 * time.Millisecond
	}
	if cfg.StreamWait == 0 {
		cfg.StreamWait = 50 * time.Millisecond
	}
	s := NewServer(cfg)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

const validBody = `{"repo_url":"https://github.com/acme/app","team_name":"Rift","team_leader_name":"Jane"}`

func TestHealth(t *testing.T) {
	s := newTestServer(t, Config{Version: "1.2.3"})
	for _, path := range []string{"/", "/health"} {
		w := do(t, s, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, false, body["llm_required"])
		assert.Equal(t, "1.2.3", body["backend_version"])
	}
}

func TestCheck(t *testing.T) {
	s := newTestServer(t, Config{})
	for _, path := range []string{"/check", "/api/check"} {
		w := do(t, s, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), `"llm_required":false`)
		assert.NotContains(t, w.Body.String(), "status")
	}
}

func TestRun_Synchronous(t *testing.T) {
	healer := &mockHealer{}
	s := newTestServer(t, Config{Healer: healer})

	w := do(t, s, http.MethodPost, "/api/run", validBody)
	require.Equal(t, http.StatusOK, w.Code)

	var resp report.RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, pipeline.CIPassed, resp.CIStatus)
	assert.Equal(t, "https://github.com/acme/app", resp.RepoURL)
	require.Len(t, healer.calls, 1)
	assert.Equal(t, "Jane", healer.calls[0].TeamLeaderName)
	assert.NotEmpty(t, healer.ids[0])
}

func TestRun_BadRequest(t *testing.T) {
	healer := &mockHealer{}
	s := newTestServer(t, Config{Healer: healer})

	for _, body := range []string{`{not json`, `{"team_name":"Rift","team_leader_name":"Jane"}`} {
		w := do(t, s, http.MethodPost, "/api/run", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.Contains(t, w.Body.String(), "invalid run request")
	}
	assert.Equal(t, 0, healer.callCount())
}

func TestRun_NoHealer(t *testing.T) {
	s := newTestServer(t, Config{})
	w := do(t, s, http.MethodPost, "/api/run", validBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStartRun_Background(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	healer := &mockHealer{store: store}
	s := newTestServer(t, Config{Healer: healer, Store: store})
	s.newID = func() string { return "run-bg" }

	w := do(t, s, http.MethodPost, "/api/runs", validBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "run-bg", body["run_id"])
	assert.Equal(t, "/api/runs/run-bg/stream", body["stream"])

	s.Close()
	assert.Equal(t, 1, healer.callCount())

	w = do(t, s, http.MethodPost, "/api/runs", validBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "closed server refuses new runs")
}

func TestListRuns_FromDB(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, database.RecordRun(&db.Run{
			ID: id, Repo: "https://github.com/acme/app", Branch: "B", Status: "PASSED", CIStatus: "PASSED",
			RetryLimit: 5, Iterations: 1, Score: 110, DurationMs: 1500,
			CreatedAt: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC).Format(time.RFC3339),
		}))
	}
	s := newTestServer(t, Config{DB: database})

	w := do(t, s, http.MethodGet, "/api/runs?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Runs []RunRow `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	assert.Equal(t, "c", body.Runs[0].RunID)
	assert.Equal(t, 1.5, body.Runs[0].DurationSeconds)

	w = do(t, s, http.MethodGet, "/api/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRuns_FromStore(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	ps := pipeline.NewState("run-1", "/tmp/repo", "B", 5)
	ps.Status = pipeline.RunExhausted
	ps.Timeline = []pipeline.TimelineEntry{{Iteration: 1, Status: pipeline.CIFailed}}
	require.NoError(t, store.Save(ps))
	s := newTestServer(t, Config{Store: store})

	w := do(t, s, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Runs []RunRow `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "EXHAUSTED", body.Runs[0].Status)
	assert.Equal(t, "FAILED", body.Runs[0].CIStatus)
}

func TestListRuns_Empty(t *testing.T) {
	s := newTestServer(t, Config{})
	w := do(t, s, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":[]}`, w.Body.String())
}

func TestGetRun(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	healer := &mockHealer{store: store}
	healer.HealAs(context.Background(), "done-run", report.RunRequest{RepoURL: "u", TeamName: "t", TeamLeaderName: "l"})
	require.NoError(t, store.Save(pipeline.NewState("live-run", "/tmp/repo", "B", 5)))
	s := newTestServer(t, Config{Store: store})

	w := do(t, s, http.MethodGet, "/api/runs/done-run", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ci_status":"PASSED"`)

	w = do(t, s, http.MethodGet, "/api/runs/live-run", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"RUNNING"`)

	w = do(t, s, http.MethodGet, "/api/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/runs/.hidden", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIterationOutput(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	require.NoError(t, store.Save(pipeline.NewState("run-o", "/tmp/repo", "B", 5)))
	require.NoError(t, store.SaveIterationOutput("run-o", 1, "FAILED tests/test_a.py::test_x"))
	s := newTestServer(t, Config{Store: store})

	w := do(t, s, http.MethodGet, "/api/runs/run-o/iterations/1/output", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "FAILED tests/test_a.py::test_x", w.Body.String())

	for _, path := range []string{
		"/api/runs/run-o/iterations/2/output",
		"/api/runs/run-o/iterations/0/output",
		"/api/runs/run-o/iterations/one/output",
	} {
		w = do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestRunStream_Finished(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	require.NoError(t, store.Save(pipeline.NewState("run-s", "/tmp/repo", "B", 5)))
	healer := &mockHealer{store: store}
	healer.HealAs(context.Background(), "run-s", report.RunRequest{RepoURL: "u"})
	s := newTestServer(t, Config{Store: store})

	w := do(t, s, http.MethodGet, "/api/runs/run-s/stream", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: result\n")
	assert.Contains(t, body, "event: done\ndata: finished\n\n")
}

func TestRunStream_StateThenResult(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	ps := pipeline.NewState("run-p", "/tmp/repo", "B", 5)
	ps.Iteration = 1
	require.NoError(t, store.Save(ps))
	s := newTestServer(t, Config{Store: store})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = report.WriteResults(store.ResultsPath("run-p"), report.RunResponse{RunID: "run-p", CIStatus: pipeline.CIFailed})
	}()

	w := do(t, s, http.MethodGet, "/api/runs/run-p/stream", "")
	body := w.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event: state\n"), "unchanged state is sent once:\n%s", body)
	assert.Contains(t, body, `"iteration":1`)
	assert.Less(t, strings.Index(body, "event: state"), strings.Index(body, "event: result"))
	assert.Contains(t, body, "event: done\ndata: finished")
}

func TestRunStream_Unknown(t *testing.T) {
	s := newTestServer(t, Config{Store: pipeline.NewStore(t.TempDir())})
	w := do(t, s, http.MethodGet, "/api/runs/ghost/stream", "")
	assert.Contains(t, w.Body.String(), "event: done\ndata: run not found")
}

func TestDashboard(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	require.NoError(t, store.Save(pipeline.NewState("abcdef123456", "/tmp/repo", "RIFT_JANE_AI_Fix", 5)))
	s := newTestServer(t, Config{Store: store, Version: "9.9"})

	w := do(t, s, http.MethodGet, "/ui", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	body := w.Body.String()
	assert.Contains(t, body, "abcdef12")
	assert.Contains(t, body, "RIFT_JANE_AI_Fix")
	assert.Contains(t, body, "badge-RUNNING")
	assert.Contains(t, body, "just now")
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, Config{})
	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, Config{})
	w := do(t, s, http.MethodOptions, "/api/run", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRelTime(t *testing.T) {
	assert.Equal(t, "just now", relTime(time.Now().UTC().Format(time.RFC3339)))
	assert.Equal(t, "5m ago", relTime(time.Now().Add(-5*time.Minute-time.Second).UTC().Format(time.RFC3339)))
	assert.Equal(t, "3d ago", relTime(time.Now().Add(-73*time.Hour).UTC().Format(time.RFC3339)))
	assert.Equal(t, "garbage", relTime("garbage"))
}

func TestValidRunID(t *testing.T) {
	assert.True(t, validRunID("3f2a9c1e-0b7d-4c55-9a1e-1d2b3c4d5e6f"))
	assert.False(t, validRunID(""))
	assert.False(t, validRunID("../x"))
	assert.False(t, validRunID(".hidden"))
}
