package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/forgeworks/foundry/pkg/models"
)

// SubmitBuild accepts a new build request.
func (s *Server) SubmitBuild(c *gin.Context) {
	var req models.SubmitBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	resp, err := s.projects.Submit(c.Request.Context(), &req)
	if err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// ListProjects returns a page of projects.
func (s *Server) ListProjects(c *gin.Context) {
	filters := models.ProjectFilters{
		Status:  models.ProjectStatus(c.Query("status")),
		UserID:  c.Query("user_id"),
		LastKey: c.Query("last_key"),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filters.Limit = n
	}

	page, err := s.projects.List(c.Request.Context(), filters)
	if err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetProject returns one project.
func (s *Server) GetProject(c *gin.Context) {
	project, err := s.projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, project)
}

// GetDashboard returns the build console projection.
func (s *Server) GetDashboard(c *gin.Context) {
	view, err := s.dashboard.View(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, view)
}

// ControlProject applies a pause/resume/stop/restart action.
func (s *Server) ControlProject(c *gin.Context) {
	var req models.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	project, err := s.projects.Control(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, project)
}

// DeleteProject removes a project with its tasks, agents, and files.
func (s *Server) DeleteProject(c *gin.Context) {
	if err := s.projects.Delete(c.Request.Context(), c.Param("id")); err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListProjectTasks returns the project's queue tasks, newest first.
func (s *Server) ListProjectTasks(c *gin.Context) {
	tasks, err := s.projects.Tasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// ListProjectAgents returns the project's built agents.
func (s *Server) ListProjectAgents(c *gin.Context) {
	agents, err := s.projects.Agents(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// StreamEvents serves the project's build events over SSE until the
// client disconnects.
func (s *Server) StreamEvents(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming disabled"})
		return
	}

	projectID := c.Param("id")
	if _, err := s.projects.Get(c.Request.Context(), projectID); err != nil {
		status, msg := mapServiceError(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	ch, cancel := s.bus.Subscribe(projectID, 128)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case env, ok := <-ch:
			if !ok {
				return false
			}
			data, err := json.Marshal(env)
			if err != nil {
				return true
			}
			c.SSEvent(env.Type, string(data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
