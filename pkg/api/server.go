// Package api exposes the HTTP surface: build submission, project
// listing and control, the build dashboard, health, metrics, and the
// SSE event stream.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeworks/foundry/pkg/events"
	"github.com/forgeworks/foundry/pkg/queue"
	"github.com/forgeworks/foundry/pkg/services"
)

// Server wires the HTTP handlers over the application services.
type Server struct {
	projects  *services.ProjectService
	dashboard *services.DashboardService
	pool      *queue.WorkerPool
	bus       *events.Bus
}

// NewServer creates the API server. pool and bus may be nil in tests.
func NewServer(projects *services.ProjectService, dashboard *services.DashboardService, pool *queue.WorkerPool, bus *events.Bus) *Server {
	return &Server{
		projects:  projects,
		dashboard: dashboard,
		pool:      pool,
		bus:       bus,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/builds", s.SubmitBuild)
		v1.GET("/projects", s.ListProjects)
		v1.GET("/projects/:id", s.GetProject)
		v1.GET("/projects/:id/dashboard", s.GetDashboard)
		v1.POST("/projects/:id/control", s.ControlProject)
		v1.DELETE("/projects/:id", s.DeleteProject)
		v1.GET("/projects/:id/tasks", s.ListProjectTasks)
		v1.GET("/projects/:id/agents", s.ListProjectAgents)
		v1.GET("/projects/:id/events", s.StreamEvents)
	}

	return r
}

// Health reports worker pool and store health.
func (s *Server) Health(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	health := s.pool.Health()
	status := http.StatusOK
	label := "healthy"
	if !health.IsHealthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status": label,
		"pool":   health,
	})
}
