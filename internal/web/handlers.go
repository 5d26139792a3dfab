package web

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/cihealer/internal/analytics"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/report"
)

// ---- view models ----

// RunRow is one run in the history list.
type RunRow struct {
	RunID           string  `json:"run_id"`
	Repo            string  `json:"repo"`
	Branch          string  `json:"branch"`
	Status          string  `json:"status"`
	CIStatus        string  `json:"ci_status"`
	Iterations      int     `json:"iterations"`
	Fixes           int     `json:"fixes"`
	Commits         int     `json:"commits"`
	Score           int     `json:"score"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// DashboardData feeds templates/dashboard.html.
type DashboardData struct {
	Version  string
	Runs     []RunRow
	PassRate *analytics.PassRate
}

type errorBody struct {
	Error string `json:"error"`
}

const defaultListLimit = 50

func newRunID() string {
	return uuid.NewString()
}

func relTime(ts string) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// ---- handlers ----

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"llm_required":    false,
		"backend_version": s.version,
	})
}

func (s *Server) handleCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"llm_required":    false,
		"backend_version": s.version,
	})
}

// handleRun heals synchronously and returns the results document.
func (s *Server) handleRun(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}
	resp := s.healer.HealAs(c.Request.Context(), s.newID(), req)
	c.JSON(http.StatusOK, resp)
}

// handleStartRun starts a run in the background and returns its ID; follow
// it with GET /api/runs/:id/stream.
func (s *Server) handleStartRun(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}
	if !s.track() {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "server is shutting down"})
		return
	}

	runID := s.newID()
	go func() {
		defer s.wg.Done()
		resp := s.healer.HealAs(s.ctx, runID, req)
		s.logger.Info("background run finished", zap.String("run_id", runID), zap.String("ci_status", string(resp.CIStatus)))
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID,
		"stream": "/api/runs/" + runID + "/stream",
	})
}

func (s *Server) bindRequest(c *gin.Context) (report.RunRequest, bool) {
	var req report.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid run request: " + err.Error()})
		return req, false
	}
	if s.healer == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "healing is not configured"})
		return req, false
	}
	return req, true
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	rows, err := s.runRows(limit)
	if err != nil {
		s.logger.Error("list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody{Error: "could not list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": rows})
}

// handleGetRun returns the results document of a finished run, or the live
// state of one still in progress.
func (s *Server) handleGetRun(c *gin.Context) {
	id := c.Param("id")
	if !validRunID(id) {
		c.JSON(http.StatusNotFound, errorBody{Error: "run not found"})
		return
	}
	if resp, err := s.results(id); err == nil {
		c.JSON(http.StatusOK, resp)
		return
	}
	ps, err := s.liveState(id)
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "run not found"})
		return
	}
	c.JSON(http.StatusOK, ps)
}

// handleIterationOutput returns the raw test or compile output captured for
// one iteration as plain text.
func (s *Server) handleIterationOutput(c *gin.Context) {
	id := c.Param("id")
	n, err := strconv.Atoi(c.Param("n"))
	if !validRunID(id) || err != nil || n < 1 || s.store == nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "output not found"})
		return
	}
	out, err := s.store.GetIterationOutput(id, n)
	if err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "output not found"})
		return
	}
	c.String(http.StatusOK, out)
}

func (s *Server) handleDashboard(c *gin.Context) {
	data := DashboardData{Version: s.version}
	rows, err := s.runRows(defaultListLimit)
	if err != nil {
		s.logger.Warn("dashboard runs", zap.Error(err))
	}
	data.Runs = rows
	if s.db != nil {
		if pr, err := analytics.QueryPassRate(s.db, ""); err == nil {
			data.PassRate = pr
		}
	}

	var buf bytes.Buffer
	if err := s.dashboardTmpl.ExecuteTemplate(&buf, "dashboard.html", data); err != nil {
		s.logger.Error("render dashboard", zap.Error(err))
		c.String(http.StatusInternalServerError, "template error")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

// results reads a run's results.json from the store.
func (s *Server) results(id string) (*report.RunResponse, error) {
	if s.store == nil {
		return nil, os.ErrNotExist
	}
	var resp report.RunResponse
	if err := pipeline.ReadJSON(s.store.ResultsPath(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Server) liveState(id string) (*pipeline.PipelineState, error) {
	if s.store == nil {
		return nil, errors.New("no store configured")
	}
	return s.store.Get(id)
}
