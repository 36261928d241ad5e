// Package judgeserver exposes a single judge over HTTP so that remote gates
// can count it towards their quorum.
package judgeserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/auth"
	"github.com/fractal-lba/releasegate/internal/authz"
	"github.com/fractal-lba/releasegate/internal/logging"
	"github.com/fractal-lba/releasegate/internal/metrics"
	"github.com/fractal-lba/releasegate/internal/quorum"
	"github.com/fractal-lba/releasegate/internal/slo"
)

// ServiceName is reported by the otelgin middleware.
const ServiceName = "releasegate-judge"

type Config struct {
	Addr        string
	WitnessPath string  // witness judged by POST /v1/judge
	Rate        float64 // requests per second
	Burst       int
}

// EvaluateRequest carries both the document and the witness.
type EvaluateRequest struct {
	Document *slo.Document     `json:"document" binding:"required"`
	Witness  map[string]float64 `json:"witness" binding:"required"`
}

type Server struct {
	cfg        Config
	authorizer authz.Authorizer
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	logger     *zap.SugaredLogger
	limiter    *rate.Limiter
	router     *gin.Engine
}

type Option func(*Server)

func WithAuthorizer(a authz.Authorizer) Option {
	return func(s *Server) { s.authorizer = a }
}

// WithMetrics records request metrics in m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.logger = l }
}

func New(cfg Config, opts ...Option) *Server {
	if cfg.Rate <= 0 {
		cfg.Rate = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.Rate * 2)
	}

	s := &Server{
		cfg:      cfg,
		gatherer: prometheus.DefaultGatherer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(ServiceName))
	r.Use(s.countRequests())
	r.Use(s.rateLimit())
	r.Use(auth.JWTMiddleware(auth.DefaultJWTConfig(s.authorizer)))

	r.POST("/v1/judge", s.handleJudge)
	r.POST("/v1/evaluate", s.handleEvaluate)
	r.GET("/health", handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("starting judge server", "addr", s.cfg.Addr, "witness", s.cfg.WitnessPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Infow("shutting down judge server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleJudge(c *gin.Context) {
	var req quorum.JudgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := req.Document.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if s.cfg.WitnessPath == "" {
		respondError(c, http.StatusServiceUnavailable, errors.New("no witness configured"))
		return
	}

	// Re-read per request: the witness file is refreshed out of band.
	witness, err := slo.LoadWitness(s.cfg.WitnessPath)
	if err != nil {
		s.logger.Warnw("witness unavailable", "error", err)
		respondError(c, http.StatusServiceUnavailable, err)
		return
	}
	s.respondVerdicts(c, slo.JudgeDocument(req.Document, witness))
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := req.Document.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	s.respondVerdicts(c, slo.JudgeDocument(req.Document, req.Witness))
}

func (s *Server) respondVerdicts(c *gin.Context, set api.VerdictSet) {
	if p, ok := auth.GetPrincipal(c); ok {
		s.logger.Debugw("judged document", "principal", p.Subject, "verdict", set.OverallVerdict)
	}
	c.JSON(http.StatusOK, set)
}

func handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func respondError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		if !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RateLimited.Inc()
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if s.metrics == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.ServerRequests.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
