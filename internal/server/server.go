package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	tethererrors "tether/internal/errors"
	"tether/internal/logging"
	"tether/internal/session"
	"tether/internal/storage"
)

// TaskLister enumerates stored tasks. *storage.MemoryStore satisfies it.
type TaskLister interface {
	ListTasks() []*storage.Task
}

// Server is the HTTP surface of the engine: thin handlers delegating to the
// orchestrator, plus the websocket event stream.
type Server struct {
	engine      *gin.Engine
	orch        *session.Orchestrator
	broadcaster *Broadcaster
	tasks       TaskLister
	logger      logging.Logger
	http        *http.Server
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr  string
	Orch        *session.Orchestrator
	Broadcaster *Broadcaster
	Tasks       TaskLister
	Logger      logging.Logger
}

// New creates the server and mounts all routes.
func New(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:      engine,
		orch:        config.Orch,
		broadcaster: config.Broadcaster,
		tasks:       config.Tasks,
		logger:      logging.OrNop(config.Logger),
	}

	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	engine.GET("/health", s.handleHealth)
	engine.GET("/ws", s.handleWS)

	api := engine.Group("/api")
	{
		api.POST("/sessions", s.handleStart)
		api.POST("/sessions/resume", s.handleResume)
		api.GET("/sessions", s.handleList)
		api.GET("/sessions/:id", s.handleGet)
		api.POST("/sessions/:id/messages", s.handleSend)
		api.POST("/sessions/:id/abort", s.handleAbort)
		api.DELETE("/sessions/:id", s.handleStop)
		api.POST("/sessions/:id/permission", s.handlePermission)
		api.POST("/sessions/:id/learn", s.handleLearn)
		api.GET("/tasks", s.handleTasks)
	}

	s.http = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("HTTP server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" {
			return
		}
		s.logger.Debug("%s %s -> %d (%v)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

type startRequest struct {
	AgentID           string `json:"agent_id" binding:"required"`
	TaskID            string `json:"task_id" binding:"required"`
	WorkspaceDir      string `json:"workspace_dir"`
	SkipInitialPrompt bool   `json:"skip_initial_prompt"`
}

type resumeRequest struct {
	AgentID         string `json:"agent_id" binding:"required"`
	TaskID          string `json:"task_id" binding:"required"`
	RemoteSessionID string `json:"remote_session_id" binding:"required"`
	WorkspaceDir    string `json:"workspace_dir"`
}

type sendRequest struct {
	Text   string `json:"text" binding:"required"`
	TaskID string `json:"task_id"`
}

type permissionRequest struct {
	Approved bool   `json:"approved"`
	Message  string `json:"message"`
}

type learnRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

type sessionView struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	TaskID          string         `json:"task_id"`
	Status          session.Status `json:"status"`
	RemoteSessionID string         `json:"remote_session_id,omitempty"`
	WorkspaceDir    string         `json:"workspace_dir,omitempty"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		ID:              s.ID,
		AgentID:         s.AgentID,
		TaskID:          s.TaskID,
		Status:          s.Status(),
		RemoteSessionID: s.RemoteSessionID(),
		WorkspaceDir:    s.WorkspaceDir,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleWS(c *gin.Context) {
	s.broadcaster.ServeWS(c.Writer, c.Request)
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.orch.Start(c.Request.Context(), req.AgentID, req.TaskID, req.WorkspaceDir, req.SkipInitialPrompt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (s *Server) handleResume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.orch.Resume(c.Request.Context(), req.AgentID, req.TaskID, req.RemoteSessionID, req.WorkspaceDir)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (s *Server) handleList(c *gin.Context) {
	sessions := s.orch.Registry().List()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (s *Server) handleTasks(c *gin.Context) {
	tasks := []*storage.Task{}
	if s.tasks != nil {
		tasks = s.tasks.ListTasks()
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGet(c *gin.Context) {
	sess := s.orch.Registry().Get(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(sess))
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The returned id may differ from the path id on the transparent
	// restart path; the caller rebinds to it.
	id, err := s.orch.Send(c.Request.Context(), c.Param("id"), req.Text, req.TaskID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id})
}

func (s *Server) handleAbort(c *gin.Context) {
	if err := s.orch.Abort(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.orch.Stop(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handlePermission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.orch.RespondToPermission(c.Request.Context(), c.Param("id"), req.Approved, req.Message); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (s *Server) handleLearn(c *gin.Context) {
	var req learnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.orch.Learn(c.Request.Context(), c.Param("id"), req.Feedback); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "learned"})
}

// fail maps orchestrator errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case tethererrors.IsSetup(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
