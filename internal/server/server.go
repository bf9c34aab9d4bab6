package server

import (
	"context"
	"net/http"
	"time"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"
	"github.com/emergent-company/emergent.strategy-sub008/internal/util"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/graphstore"
	"github.com/emergent-company/emergent.strategy-sub008/pkg/logger"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// Server exposes the operational surface of the extraction worker: job
// inspection, cancellation, and retry. Extraction itself is driven by the
// queue, not by this API.
type Server struct {
	echo  *echo.Echo
	jobs  jobs.Store
	graph graphstore.Store
}

type NewServerParams struct {
	Jobs  jobs.Store
	Graph graphstore.Store
}

func NewServer(params NewServerParams) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(middleware.CORS())
	e.Use(middleware.Recover())

	s := &Server{
		echo:  e,
		jobs:  params.Jobs,
		graph: params.Graph,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	api := s.echo.Group("/api")

	api.GET("/jobs/:id", s.getJobHandler)
	api.POST("/jobs/:id/cancel", s.cancelJobHandler)

	api.GET("/documents/:id/jobs", s.findByDocumentHandler)

	api.GET("/projects/:id/jobs", s.listJobsHandler)
	api.GET("/projects/:id/jobs/stats", s.jobStatsHandler)
	api.POST("/projects/:id/jobs", s.createJobHandler)
	api.POST("/projects/:id/jobs/cancel-pending", s.cancelPendingHandler)
	api.POST("/projects/:id/jobs/retry-failed", s.retryFailedHandler)
	api.DELETE("/projects/:id/jobs/completed", s.deleteCompletedHandler)
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("Starting ops server", "port", port)
		if err := s.echo.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start ops server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
