package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/storage"
)

type (
	// CreateRunRequest starts a run. FlowID may be a flow id or name; a
	// zero Version selects the latest.
	CreateRunRequest struct {
		FlowID  string         `json:"flow_id" binding:"required"`
		Version int            `json:"version"`
		Inputs  map[string]any `json:"inputs"`
	}

	RunStatusResponse struct {
		RunID  string           `json:"run_id"`
		Status models.RunStatus `json:"status"`
	}

	RunsListResponse struct {
		Runs  []*models.Run `json:"runs"`
		Count int           `json:"count"`
	}
)

const defaultRunLimit = 50

func (s *Server) createRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, ErrInvalidJSON, err)
		return
	}

	ctx := c.Request.Context()
	flow, err := s.flows.Resolve(ctx, req.FlowID)
	if err != nil {
		writeError(c, err)
		return
	}
	run, err := s.engine.Execute(ctx, flow.ID, req.Version, req.Inputs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, RunStatusResponse{
		RunID:  run.ID,
		Status: run.Status,
	})
}

func (s *Server) listRuns(c *gin.Context) {
	f := storage.RunFilter{
		FlowID: c.Query("flow_id"),
		Status: models.RunStatus(c.Query("status")),
		Limit:  defaultRunLimit,
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:  "limit must be a non-negative integer",
				Status: http.StatusBadRequest,
			})
			return
		}
		f.Limit = n
	}

	runs, err := s.engine.ListRuns(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RunsListResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.engine.GetRun(c.Request.Context(), c.Param("runID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// startRun hands an existing PENDING run to a worker
func (s *Server) startRun(c *gin.Context) {
	runID := c.Param("runID")
	if err := s.engine.StartRun(c.Request.Context(), runID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, RunStatusResponse{
		RunID:  runID,
		Status: models.RunStatusRunning,
	})
}

func (s *Server) cancelRun(c *gin.Context) {
	runID := c.Param("runID")
	status, err := s.engine.Cancel(c.Request.Context(), runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, RunStatusResponse{RunID: runID, Status: status})
}

func (s *Server) deleteRun(c *gin.Context) {
	if err := s.engine.DeleteRun(c.Request.Context(), c.Param("runID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
