package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maesterweb/maesterweb/model"
	"github.com/maesterweb/maesterweb/storage"
)

// runRequest is the body of POST /api/run-test
type runRequest struct {
	Tags               []string `json:"tags"`
	IncludeLongRunning bool     `json:"includeLongRunning"`
	IncludePreview     bool     `json:"includePreview"`
}

type runResult struct {
	JobID   string          `json:"jobId"`
	Status  model.JobStatus `json:"status"`
	Message string          `json:"message"`
}

// jobStatus is the status envelope of a job. Job fields are omitted when the
// job is unknown.
type jobStatus struct {
	Found bool `json:"found"`
	*model.JobSnapshot
	Error string `json:"error,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) runTest(c *gin.Context) {
	var req runRequest
	// An empty body, chunked or not, runs with default options
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body: " + err.Error()})
		return
	}

	jobID, err := s.jobs.Start(model.RunOptions{
		Tags:               req.Tags,
		IncludeLongRunning: req.IncludeLongRunning,
		IncludePreview:     req.IncludePreview,
	})
	if err != nil {
		s.internalError(c, "Error running tests", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result": runResult{
			JobID:   jobID,
			Status:  model.JobStatusRunning,
			Message: "Test execution started",
		},
	})
}

func (s *Server) testStatus(c *gin.Context) {
	snapshot, ok := s.jobs.Status(c.Param("jobId"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"status":  jobStatus{Found: false, Error: "Job not found or expired"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  jobStatus{Found: true, JobSnapshot: &snapshot, Error: snapshot.Error},
	})
}

func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "jobs": s.jobs.Jobs()})
}

func (s *Server) listReports(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	reports, err := s.reports.List(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, "Error listing reports", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reports": reports})
}

func (s *Server) latestReport(c *gin.Context) {
	report, err := s.reports.Latest(c.Request.Context())
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "No reports found"})
		return
	}
	if err != nil {
		s.internalError(c, "Error getting latest report", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (s *Server) getReport(c *gin.Context) {
	report, err := s.reports.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Report not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Error getting report", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (s *Server) downloadReport(c *gin.Context) {
	id := strings.TrimSuffix(c.Param("id"), model.ReportExtension)
	content, err := s.reports.Download(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Report not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Error downloading report", err)
		return
	}

	c.Header("Content-Disposition", `inline; filename="`+id+model.ReportExtension+`"`)
	c.Data(http.StatusOK, "text/html", content)
}

func (s *Server) deleteReport(c *gin.Context) {
	if err := s.reports.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.internalError(c, "Error deleting report", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) notFound(c *gin.Context) {
	if s.opts.StaticDir != "" && !strings.HasPrefix(c.Request.URL.Path, "/api/") && c.Request.Method == http.MethodGet {
		serveStatic(c, s.opts.StaticDir)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Not found"})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
}
