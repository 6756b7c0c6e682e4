// Package stateserver implements the authoritative task/task-instance state
// machine: the sole writer of Task and TaskInstance status. Every other
// component is an HTTP client of this package.
package stateserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"jobmon/internal/config"
	"jobmon/internal/db"
	"jobmon/internal/events"
	"jobmon/internal/logging"
	"jobmon/internal/stateserver/repo"
)

var log = logging.Named("stateserver")

// Server wraps the gin router and the repo layer backing every FSM route.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	events     events.Engine

	workflow      *repo.WorkflowRepo
	workflowRun   *repo.WorkflowRunRepo
	task          *repo.TaskRepo
	taskInstance  *repo.TaskInstanceRepo
	array         *repo.ArrayRepo
	taskResources *repo.TaskResourcesRepo
}

// New builds a Server backed by database. The events engine is optional —
// passing a nil events.Engine (or one backed by a nil *events.NATSEngine)
// leaves set_resume and status-transition publishing as no-ops, so the HTTP
// poll path remains the sole source of truth.
func New(cfg *config.Config, database db.Database, engine events.Engine) *Server {
	if engine == nil {
		engine = (*events.NATSEngine)(nil)
	}
	conn := database.Conn()
	taskRepo := repo.NewTaskRepo(conn)
	return &Server{
		cfg:           cfg,
		events:        engine,
		workflow:      repo.NewWorkflowRepo(conn),
		workflowRun:   repo.NewWorkflowRunRepo(conn),
		task:          taskRepo,
		taskInstance:  repo.NewTaskInstanceRepo(conn, taskRepo),
		array:         repo.NewArrayRepo(conn),
		taskResources: repo.NewTaskResourcesRepo(conn),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	})

	router.GET("/health", s.health)
	router.GET("/time", s.serverTime)
	s.registerWorkflowRoutes(router)
	s.registerTaskRoutes(router)
	s.registerTaskBindRoutes(router)
	s.registerTaskInstanceRoutes(router)
	s.registerArrayRoutes(router)
	s.registerTaskResourcesRoutes(router)

	s.httpServer = &http.Server{Addr: s.cfg.Server.BindAddress, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("state server: %w", err)
	case <-ctx.Done():
		log.Info("shutting down state server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "jobmon-stateserver"})
}

// serverTime is consulted by the swarm's heartbeat/sync cycle to avoid
// drift between its own clock and the authoritative one (spec §9).
func (s *Server) serverTime(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"time": time.Now().UTC()})
}
