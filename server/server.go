// Package server exposes the job tracker and the report store over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/maesterweb/maesterweb/model"
)

const shutdownTimeout = 10 * time.Second

// Jobs starts test runs and reports their state.
type Jobs interface {
	Start(options model.RunOptions) (string, error)
	Status(id string) (model.JobSnapshot, bool)
	Jobs() []model.JobSnapshot
}

// Reports gives access to published reports.
type Reports interface {
	List(ctx context.Context, maxResults int) ([]model.Report, error)
	Latest(ctx context.Context) (*model.Report, error)
	Get(ctx context.Context, id string) (*model.ReportDetail, error)
	Download(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// Options configures the HTTP server.
type Options struct {
	// Origins allowed to make credentialed cross-origin requests
	AllowedOrigins []string
	// Directory of the built web client, served when set
	StaticDir string
	// Rate limiting is enabled when set
	Redis           *redis.Client
	RateLimit       int
	RateLimitWindow time.Duration
}

type Server struct {
	logger  zerolog.Logger
	jobs    Jobs
	reports Reports
	opts    Options
	engine  *gin.Engine
	now     func() time.Time
}

func New(logger zerolog.Logger, jobs Jobs, reports Reports, opts Options) *Server {
	s := &Server{
		logger:  logger.With().Str("component", "server").Logger(),
		jobs:    jobs,
		reports: reports,
		opts:    opts,
		now:     time.Now,
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(
		requestLogger(s.logger),
		recovery(s.logger),
		securityHeaders(),
		cors(s.opts.AllowedOrigins),
	)

	if s.opts.Redis != nil {
		r.Use(NewRateLimiter(RateLimiterConfig{
			RedisClient: s.opts.Redis,
			Limit:       s.opts.RateLimit,
			Window:      s.opts.RateLimitWindow,
			KeyPrefix:   "maesterweb:rl:",
		}))
	}

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.POST("/run-test", s.runTest)
		api.GET("/test-status/:jobId", s.testStatus)
		api.GET("/jobs", s.listJobs)
		api.GET("/reports", s.listReports)
		api.GET("/reports/latest", s.latestReport)
		api.GET("/reports/:id", s.getReport)
		api.GET("/reports/:id/download", s.downloadReport)
		api.DELETE("/reports/:id", s.deleteReport)
	}

	r.NoRoute(s.notFound)
	return r
}

// Run serves HTTP on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Maester web server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
