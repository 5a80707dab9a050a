package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/events"
	"github.com/connectorforge/forge/pkg/pipeline"
	"github.com/connectorforge/forge/pkg/runner"
	"github.com/connectorforge/forge/pkg/state"
)

// statusLogTail bounds the number of log lines returned by the status
// endpoint.
const statusLogTail = 10

// StartPipelineRequest is the body of POST /pipeline/start.
type StartPipelineRequest struct {
	ConnectorName   string  `json:"connector_name"`
	ConnectorType   string  `json:"connector_type"`
	OriginalRequest string  `json:"original_request"`
	APIDocURL       *string `json:"api_doc_url,omitempty"`
}

// ResumePipelineRequest is the body of POST /pipeline/resume.
type ResumePipelineRequest struct {
	ThreadID string `json:"thread_id"`
}

func (s *Server) startPipeline(c *gin.Context) {
	var req StartPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	threadID, err := s.runner.Start(runner.StartRequest{
		ConnectorName:   req.ConnectorName,
		ConnectorType:   req.ConnectorType,
		OriginalRequest: req.OriginalRequest,
		APIDocURL:       req.APIDocURL,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	connectorType := req.ConnectorType
	if connectorType == "" {
		connectorType = string(state.ConnectorTypeSource)
	}
	c.JSON(http.StatusOK, gin.H{
		"thread_id":  threadID,
		"status":     "started",
		"poll_url":   "/pipeline/status/" + threadID,
		"stream_url": "/pipeline/stream/" + req.ConnectorName + "?connector_type=" + connectorType,
	})
}

func (s *Server) resumePipeline(c *gin.Context) {
	var req ResumePipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ThreadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread_id is required"})
		return
	}

	if err := s.runner.Resume(c.Request.Context(), req.ThreadID); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"thread_id": req.ThreadID,
		"status":    "resuming",
		"poll_url":  "/pipeline/status/" + req.ThreadID,
	})
}

func (s *Server) cancelPipeline(c *gin.Context) {
	threadID := c.Param("thread_id")
	if err := s.runner.Cancel(threadID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"thread_id": threadID,
		"status":    string(state.StatusCancelled),
	})
}

// pipelineStatus serves the current state of a run: the latest checkpoint
// enriched with the registry's liveness flag. Threads with no checkpoint
// yet (still in their first node) are served from the registry alone.
func (s *Server) pipelineStatus(c *gin.Context) {
	threadID := c.Param("thread_id")
	snap, inRegistry := s.runner.Status(threadID)

	cp, err := s.store.GetLatest(c.Request.Context(), threadID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			abortWithError(c, err)
			return
		}
		if !inRegistry {
			abortWithError(c, runner.ErrUnknownThread)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"found":          true,
			"thread_id":      threadID,
			"connector_name": snap.ConnectorName,
			"connector_type": snap.ConnectorType,
			"current_phase":  snap.Phase,
			"status":         snap.PipelineStatus,
			"is_active":      snap.Active,
			"logs":           []string{},
		})
		return
	}

	st := cp.State
	status := string(st.Status)
	isActive := inRegistry && snap.Active
	if inRegistry && !snap.Active && snap.PipelineStatus != "" {
		// Cancellation and timeout outcomes live only in the registry;
		// the interrupted node wrote no checkpoint.
		status = snap.PipelineStatus
	}

	resp := gin.H{
		"found":            true,
		"thread_id":        threadID,
		"connector_name":   st.ConnectorName,
		"connector_type":   string(st.ConnectorType),
		"current_phase":    string(st.CurrentPhase),
		"status":           status,
		"is_active":        isActive,
		"coverage_ratio":   st.CoverageRatio,
		"test_retries":     st.TestRetries,
		"gen_fix_retries":  st.GenFixRetries,
		"review_retries":   st.ReviewRetries,
		"research_retries": st.ResearchRetries,
		"degraded_mode":    st.DegradedMode,
		"published":        st.Published,
		"errors":           st.Errors,
		"logs":             tail(st.Logs, statusLogTail),
		"next_nodes":       cp.NextNodes,
	}
	if st.PRURL != nil {
		resp["pr_url"] = *st.PRURL
	}
	if st.CompletedAt != nil {
		resp["completed_at"] = st.CompletedAt
	}
	c.JSON(http.StatusOK, resp)
}

// historyEntry is one checkpoint in the history response, without the
// full state blob.
type historyEntry struct {
	CheckpointID string    `json:"checkpoint_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	Phase        string    `json:"phase"`
	Status       string    `json:"status"`
	NextNodes    []string  `json:"next_nodes"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Server) pipelineHistory(c *gin.Context) {
	threadID := c.Param("thread_id")
	history, err := s.store.History(c.Request.Context(), threadID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if len(history) == 0 {
		abortWithError(c, runner.ErrUnknownThread)
		return
	}

	entries := make([]historyEntry, 0, len(history))
	for _, cp := range history {
		entries = append(entries, historyEntry{
			CheckpointID: cp.ID,
			ParentID:     cp.ParentID,
			Phase:        string(cp.State.CurrentPhase),
			Status:       string(cp.State.Status),
			NextNodes:    cp.NextNodes,
			CreatedAt:    cp.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"found":       true,
		"thread_id":   threadID,
		"checkpoints": entries,
	})
}

// streamPipeline serves an SSE stream of pipeline events for one
// connector. The subscription lasts until the client disconnects.
func (s *Server) streamPipeline(c *gin.Context) {
	connectorName := c.Param("connector_name")
	connectorType := c.DefaultQuery("connector_type", string(state.ConnectorTypeSource))

	channel := events.ConnectorChannel(connectorType, connectorName)
	eventCh, cancel := s.broadcaster.Subscribe(channel)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-eventCh:
			if !ok {
				return false
			}
			c.SSEvent("message", evt)
			return true
		case <-clientGone:
			return false
		}
	})
}

func (s *Server) pipelineDiagram(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"format":  "mermaid",
		"diagram": pipeline.Mermaid(s.app),
	})
}

func (s *Server) activePipelines(c *gin.Context) {
	active := s.runner.Active()
	if active == nil {
		active = []runner.Status{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(active),
		"pipelines": active,
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	checkpointer := gin.H{"type": s.health.CheckpointerType}
	if s.health.CheckpointerPath != "" {
		checkpointer["path"] = s.health.CheckpointerPath
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"checkpointer": checkpointer,
		"limits": gin.H{
			"max_test_retries":     s.health.Limits.MaxTestRetries,
			"max_gen_fix_retries":  s.health.Limits.MaxGenFixRetries,
			"max_review_retries":   s.health.Limits.MaxReviewRetries,
			"max_research_retries": s.health.Limits.MaxResearchRetries,
		},
		"active_pipelines": s.runner.ActiveCount(),
	})
}

// tail returns the last n entries of a slice.
func tail(entries []string, n int) []string {
	if entries == nil {
		return []string{}
	}
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
