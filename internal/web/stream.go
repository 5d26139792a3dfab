package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// handleRunStream serves a Server-Sent Events stream of a run's progress.
// Every poll interval it sends a progress summary as a "state" event when
// it changed. Once results.json exists it sends it as a "result" event followed
// by "done".
func (s *Server) handleRunStream(c *gin.Context) {
	id := c.Param("id")
	if !validRunID(id) || s.store == nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "run not found"})
		return
	}

	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	deadline := time.Now().Add(s.wait)
	var last []byte

	for {
		if resp, err := s.results(id); err == nil {
			send("result", resp)
			sendDone("finished")
			return
		}

		if ps, err := s.store.Get(id); err == nil {
			if data, err := json.Marshal(progressOf(ps)); err == nil && !bytes.Equal(data, last) {
				last = data
				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
			}
		} else if time.Now().After(deadline) {
			sendDone("run not found")
			return
		}

		select {
		case <-c.Request.Context().Done():
			return
		case <-tick.C:
		}
	}
}

// progress is the slice of run state a progress stream needs.
type progress struct {
	RunID     string                   `json:"run_id"`
	Status    pipeline.RunStatus       `json:"status"`
	Iteration int                      `json:"iteration"`
	Failures  int                      `json:"failures"`
	Fixes     int                      `json:"fixes"`
	Commits   int                      `json:"commits"`
	Timeline  []pipeline.TimelineEntry `json:"ci_timeline"`
}

func progressOf(ps *pipeline.PipelineState) progress {
	return progress{
		RunID:     ps.RunID,
		Status:    ps.Status,
		Iteration: ps.Iteration,
		Failures:  len(ps.Failures),
		Fixes:     len(ps.Fixes),
		Commits:   len(ps.Commits),
		Timeline:  ps.Timeline,
	}
}
