// Package server exposes the submission intake, job lookup, health and
// metrics over HTTP.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/store"
	"github.com/sciencegateway/jobgate/pkg/submission"
	"github.com/sciencegateway/jobgate/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

type Queue interface {
	Enqueue(req submission.Request) (string, error)
	Stats() worker.Stats
}

type JobReader interface {
	GetJob(ctx context.Context, taskID string) (entity.JobModel, error)
}

// RequestRecorder receives one observation per handled request.
type RequestRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64)
}

type Server struct {
	engine *gin.Engine
	addr   string
	queue  Queue
	jobs   JobReader
	log    *zap.Logger
}

type Option func(*options)

type options struct {
	metricsHandler http.Handler
	recorder       RequestRecorder
}

// WithMetrics mounts h at /metrics and records request metrics to r.
func WithMetrics(h http.Handler, r RequestRecorder) Option {
	return func(o *options) {
		o.metricsHandler = h
		o.recorder = r
	}
}

func NewServer(addr string, queue Queue, jobs JobReader, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		engine: gin.New(),
		addr:   addr,
		queue:  queue,
		jobs:   jobs,
		log:    log.Named("server"),
	}
	s.engine.Use(s.recovery(), s.accessLog())
	if o.recorder != nil {
		s.engine.Use(requestMetrics(o.recorder))
	}

	s.engine.GET("/healthz", s.healthz)
	if o.metricsHandler != nil {
		s.engine.GET("/metrics", gin.WrapH(o.metricsHandler))
	}
	v1 := s.engine.Group("/v1")
	v1.POST("/submissions", s.createSubmission)
	v1.GET("/jobs/:taskId", s.getJob)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.WrapAndTrace(err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WrapAndTrace(err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WrapAndTrace(err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string       `json:"status"`
	Queue  worker.Stats `json:"queue"`
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Queue: s.queue.Stats()})
}

// submissionRequest is the intake body. script is base64 encoded.
type submissionRequest struct {
	submission.Request
}

func (r submissionRequest) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"gatewayId", r.GatewayID},
		{"computeResourceId", r.ComputeResourceID},
		{"token", r.Token},
		{"taskId", r.TaskID},
		{"jobFile", r.JobFile},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return errors.NewValidationError("missing required fields: " + strings.Join(missing, ", "))
	}
	switch r.Protocol {
	case "", entity.ProtocolSSH, entity.ProtocolLocal:
	default:
		return errors.NewValidationError("unsupported protocol " + string(r.Protocol))
	}
	return nil
}

type submissionResponse struct {
	SubmissionID string `json:"submissionId"`
	TaskID       string `json:"taskId"`
}

func (s *Server) createSubmission(c *gin.Context) {
	var body submissionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := body.validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if body.Protocol == "" {
		body.Protocol = entity.ProtocolSSH
	}

	id, err := s.queue.Enqueue(body.Request)
	switch {
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrClosed):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.log.Error("enqueue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, submissionResponse{SubmissionID: id, TaskID: body.TaskID})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("taskId"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.log.Error("job lookup failed", zap.String("task_id", c.Param("taskId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, job)
}
