// Package web serves the healing HTTP API, a small run dashboard, and
// Prometheus metrics.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/report"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + status
	},
	"relTime": relTime,
}

// Healer runs one healing job to completion.
type Healer interface {
	HealAs(ctx context.Context, runID string, req report.RunRequest) report.RunResponse
}

// Config wires a Server. Store and DB are optional; without DB the run list
// is read from the on-disk store.
type Config struct {
	Healer  Healer
	Store   *pipeline.Store
	DB      *db.DB
	Addr    string
	Version string
	Logger  *zap.Logger

	// StreamInterval is how often stream endpoints poll run state.
	StreamInterval time.Duration
	// StreamWait bounds how long a stream waits for a run that has not
	// written any state yet.
	StreamWait time.Duration
}

// Server is the HTTP front end.
type Server struct {
	healer   Healer
	store    *pipeline.Store
	db       *db.DB
	addr     string
	version  string
	logger   *zap.Logger
	interval time.Duration
	wait     time.Duration
	newID    func() string

	router        *gin.Engine
	dashboardTmpl *template.Template

	// background runs started with POST /api/runs; ctx is cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server with its routes registered.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	wait := cfg.StreamWait
	if wait <= 0 {
		wait = time.Minute
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		healer:        cfg.Healer,
		store:         cfg.Store,
		db:            cfg.DB,
		addr:          cfg.Addr,
		version:       version,
		logger:        logger.Named("web"),
		interval:      interval,
		wait:          wait,
		newID:         newRunID,
		dashboardTmpl: template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/dashboard.html")),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.router = s.routes()
	return s
}

// Handler returns the gin engine as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), cors())

	router.GET("/", s.handleHealth)
	router.GET("/health", s.handleHealth)
	router.GET("/check", s.handleCheck)
	router.GET("/ui", s.handleDashboard)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/check", s.handleCheck)
		api.POST("/run", s.handleRun)
		runs := api.Group("/runs")
		{
			runs.GET("", s.handleListRuns)
			runs.POST("", s.handleStartRun)
			runs.GET("/:id", s.handleGetRun)
			runs.GET("/:id/stream", s.handleRunStream)
			runs.GET("/:id/iterations/:n/output", s.handleIterationOutput)
		}
	}
	return router
}

// Start listens on the configured address until ctx is cancelled, then
// shuts down gracefully and waits for background runs to stop.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close cancels background runs and waits for them to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// cors allows any origin; the dashboard frontend is served separately.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
