// Package httpapi exposes the serving core over HTTP. It is a thin wrapper:
// all orchestration lives in internal/serving.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oncoserve/oncoserve/internal/serving"
)

type ServerConfig struct {
	Service     *serving.PredictionService
	Coordinator *serving.BatchCoordinator
	Cache       *serving.ModelCache
	Monitor     *serving.PerformanceMonitor
	Logger      *slog.Logger
}

type Server struct {
	service     *serving.PredictionService
	coordinator *serving.BatchCoordinator
	cache       *serving.ModelCache
	monitor     *serving.PerformanceMonitor
	logger      *slog.Logger
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("prediction service must not be nil")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("batch coordinator must not be nil")
	}
	if cfg.Cache == nil {
		return nil, errors.New("model cache must not be nil")
	}
	if cfg.Monitor == nil {
		return nil, errors.New("performance monitor must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Server{
		service:     cfg.Service,
		coordinator: cfg.Coordinator,
		cache:       cfg.Cache,
		monitor:     cfg.Monitor,
		logger:      logger,
	}, nil
}

// Router builds the gin engine with the full API surface.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		RequestIDMiddleware(),
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
	)

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", s.handleMetrics)

	v1 := engine.Group("/v1")
	{
		v1.POST("/predict", s.handlePredict)
		v1.POST("/batch", s.handleSubmitBatch)
		v1.GET("/jobs", s.handleListJobs)
		v1.GET("/jobs/:id", s.handleJobStatus)
		v1.GET("/jobs/:id/results", s.handleJobResults)
		v1.POST("/jobs/:id/cancel", s.handleCancelJob)
		v1.GET("/stats", s.handleStats)
		v1.GET("/models", s.handleListModels)
	}
	return engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(s.monitor.PrometheusText()))
}

func (s *Server) handlePredict(c *gin.Context) {
	var req serving.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	result := s.service.Predict(c.Request.Context(), req)
	status := http.StatusOK
	if result.Status == serving.ResultFailed {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

type submitBatchRequest struct {
	ModelKey     string                      `json:"model_key"`
	Items        []serving.PredictionRequest `json:"items"`
	ChunkSize    int                         `json:"chunk_size,omitempty"`
	OutputFormat string                      `json:"output_format,omitempty"`
}

func (s *Server) handleSubmitBatch(c *gin.Context) {
	var req submitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	jobID, err := s.coordinator.Submit(req.ModelKey, req.Items, req.ChunkSize, req.OutputFormat)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (s *Server) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.coordinator.ListJobs()})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	job, ok := s.coordinator.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": serving.ErrUnknownJob.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleJobResults(c *gin.Context) {
	jobID := c.Param("id")
	results, ok := s.coordinator.Results(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job is unknown or has not finished",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":  jobID,
		"results": results,
		"summary": serving.BuildSummary(results),
	})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	cancelled := s.coordinator.Cancel(c.Param("id"))
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleStats(c *gin.Context) {
	modelKey := c.Query("model_key")
	if modelKey == "" {
		c.JSON(http.StatusOK, s.monitor.GlobalStats())
		return
	}
	stats, ok := s.monitor.Stats(modelKey)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no samples for model key"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.cache.List()})
}
