package server

import (
	"errors"
	"net/http"

	"github.com/emergent-company/emergent.strategy-sub008/internal/jobs"

	"github.com/labstack/echo/v4"
)

func (s *Server) getJobHandler(c echo.Context) error {
	type getJobResponse struct {
		Message string    `json:"message"`
		Job     *jobs.Job `json:"job,omitempty"`
	}

	id := c.Param("id")
	job, err := s.jobs.GetJob(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return c.JSON(http.StatusNotFound, getJobResponse{Message: "Job not found"})
		}
		return c.JSON(http.StatusInternalServerError, getJobResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, getJobResponse{Message: "OK", Job: job})
}

func (s *Server) cancelJobHandler(c echo.Context) error {
	type cancelJobResponse struct {
		Message string    `json:"message"`
		Job     *jobs.Job `json:"job,omitempty"`
	}

	id := c.Param("id")
	job, err := s.jobs.CancelJob(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return c.JSON(http.StatusNotFound, cancelJobResponse{Message: "Job not found"})
		}
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return c.JSON(http.StatusConflict, cancelJobResponse{Message: "Job is already terminal"})
		}
		return c.JSON(http.StatusInternalServerError, cancelJobResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, cancelJobResponse{Message: "Job cancelled", Job: job})
}

func (s *Server) findByDocumentHandler(c echo.Context) error {
	type findByDocumentResponse struct {
		Message string      `json:"message"`
		Jobs    []*jobs.Job `json:"jobs,omitempty"`
	}

	documentID := c.Param("id")
	list, err := s.jobs.FindByDocument(c.Request().Context(), documentID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, findByDocumentResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, findByDocumentResponse{Message: "OK", Jobs: list})
}

func (s *Server) listJobsHandler(c echo.Context) error {
	type listJobsParams struct {
		ProjectID string `param:"id" validate:"required"`
		Status    string `query:"status" validate:"omitempty,oneof=pending processing running completed requires_review failed cancelled"`
		Limit     int    `query:"limit" validate:"omitempty,min=1,max=500"`
	}

	type listJobsResponse struct {
		Message string      `json:"message"`
		Jobs    []*jobs.Job `json:"jobs,omitempty"`
	}

	params := new(listJobsParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, listJobsResponse{Message: "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, listJobsResponse{Message: "Invalid request params"})
	}

	limit := params.Limit
	if limit == 0 {
		limit = 100
	}

	list, err := s.jobs.ListJobs(c.Request().Context(), params.ProjectID, jobs.Status(params.Status), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, listJobsResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, listJobsResponse{Message: "OK", Jobs: list})
}

func (s *Server) jobStatsHandler(c echo.Context) error {
	type jobStatsResponse struct {
		Message string      `json:"message"`
		Stats   *jobs.Stats `json:"stats,omitempty"`
	}

	projectID := c.Param("id")
	stats, err := s.jobs.ProjectJobStats(c.Request().Context(), projectID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, jobStatsResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, jobStatsResponse{Message: "OK", Stats: stats})
}

func (s *Server) createJobHandler(c echo.Context) error {
	type createJobBody struct {
		TenantID       string      `json:"tenant_id"`
		OrganizationID string      `json:"organization_id"`
		DocumentID     string      `json:"document_id" validate:"required"`
		EnabledTypes   []string    `json:"enabled_types"`
		MaxRetries     int         `json:"max_retries" validate:"omitempty,min=0,max=10"`
		Config         jobs.Config `json:"extraction_config"`
	}

	type createJobResponse struct {
		Message string    `json:"message"`
		Job     *jobs.Job `json:"job,omitempty"`
	}

	projectID := c.Param("id")
	data := new(createJobBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createJobResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createJobResponse{Message: "Invalid request body"})
	}

	job, err := s.jobs.CreateJob(c.Request().Context(), &jobs.Job{
		TenantID:       data.TenantID,
		OrganizationID: data.OrganizationID,
		ProjectID:      projectID,
		DocumentID:     data.DocumentID,
		EnabledTypes:   data.EnabledTypes,
		MaxRetries:     data.MaxRetries,
		Config:         data.Config,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, createJobResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, createJobResponse{Message: "Job created", Job: job})
}

func (s *Server) cancelPendingHandler(c echo.Context) error {
	type bulkResponse struct {
		Message string `json:"message"`
		Count   int    `json:"count"`
	}

	projectID := c.Param("id")
	count, err := s.jobs.CancelPendingJobs(c.Request().Context(), projectID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, bulkResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, bulkResponse{Message: "Pending jobs cancelled", Count: count})
}

func (s *Server) retryFailedHandler(c echo.Context) error {
	type bulkResponse struct {
		Message string `json:"message"`
		Count   int    `json:"count"`
	}

	projectID := c.Param("id")
	count, err := s.jobs.RetryFailedJobs(c.Request().Context(), projectID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, bulkResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, bulkResponse{Message: "Failed jobs requeued", Count: count})
}

func (s *Server) deleteCompletedHandler(c echo.Context) error {
	type bulkResponse struct {
		Message string `json:"message"`
		Count   int    `json:"count"`
	}

	projectID := c.Param("id")
	count, err := s.jobs.DeleteCompleted(c.Request().Context(), projectID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, bulkResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, bulkResponse{Message: "Finished jobs deleted", Count: count})
}
