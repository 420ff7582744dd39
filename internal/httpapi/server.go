// Package httpapi implements the HTTP API for the orchestrator and runner.
package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arka-os/arka/internal/metrics"
	"github.com/arka-os/arka/internal/orch"
	"github.com/arka-os/arka/internal/runner"
)

// ErrorResponse is the wire shape of all API errors.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// Server implements the HTTP API server.
type Server struct {
	engine   *orch.Engine
	runner   *runner.Service
	metrics  *metrics.OrchestratorMetrics
	gatherer prometheus.Gatherer
	apiKeys  map[string]struct{}
}

// Options configures a Server.
type Options struct {
	Metrics *metrics.OrchestratorMetrics

	// Gatherer backs the /metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer

	// APIKeys guards all endpoints except /healthz and /metrics. An empty
	// list disables authentication.
	APIKeys []string
}

// NewServer creates a new HTTP API server.
func NewServer(engine *orch.Engine, runner *runner.Service, opts Options) *Server {
	keys := make(map[string]struct{}, len(opts.APIKeys))
	for _, k := range opts.APIKeys {
		keys[k] = struct{}{}
	}
	return &Server{
		engine:   engine,
		runner:   runner,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		apiKeys:  keys,
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints.
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))
	router.Use(cors)
	router.Use(s.observe)
	router.Use(s.authenticate)

	router.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.gatherer, promhttp.HandlerOpts{},
		)))
	}

	o := router.Group("/orchestrator")
	{
		o.POST("/flow", s.startFlow)
		o.GET("/session/:sessionID", s.getSession)
		o.GET("/session/:sessionID/steps", s.listSteps)
		o.POST("/step/:stepID/approve", s.approveStep)
		o.POST("/step/:stepID/reject", s.rejectStep)
	}

	r := router.Group("/runner")
	{
		r.POST("/session", s.createRunnerSession)
		r.GET("/session/:sessionID", s.getRunnerSession)
		r.PUT("/session/:sessionID/quota", s.setQuota)
		r.POST("/step", s.runStep)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// observe records request latency per method, route and status.
func (s *Server) observe(c *gin.Context) {
	if s.metrics == nil {
		c.Next()
		return
	}
	start := time.Now()
	c.Next()

	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	s.metrics.HTTPDuration.WithLabelValues(
		c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
	).Observe(time.Since(start).Seconds())
}

// authenticate enforces the X-API-Key header. Health and metrics stay open
// so probes and scrapers need no credentials.
func (s *Server) authenticate(c *gin.Context) {
	if len(s.apiKeys) == 0 {
		c.Next()
		return
	}
	switch c.FullPath() {
	case "/healthz", "/metrics":
		c.Next()
		return
	}
	if _, ok := s.apiKeys[c.GetHeader("X-API-Key")]; !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
			Error:  "invalid or missing API key",
			Status: http.StatusUnauthorized,
		})
		return
	}
	c.Next()
}

func cors(c *gin.Context) {
	c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
	c.Writer.Header().Set(
		"Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS",
	)
	c.Writer.Header().Set(
		"Access-Control-Allow-Headers", "Content-Type, X-API-Key",
	)
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusOK)
		return
	}
	c.Next()
}

func abortWith(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Status: status})
}
