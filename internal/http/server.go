package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/vijaythecoder/fintool-sub003/internal/log"
	"github.com/vijaythecoder/fintool-sub003/pkg/models"
	"github.com/vijaythecoder/fintool-sub003/pkg/service"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the engine over HTTP.
type Server struct {
	workflows *service.WorkflowService
	approvals *service.ApprovalService
	alerts    *service.AlertService
	runner    *service.BatchRunner
}

// NewServer builds the HTTP surface. runner may be nil, in which case
// batches can only be driven through explicit advances.
func NewServer(workflows *service.WorkflowService, approvals *service.ApprovalService, alerts *service.AlertService, runner *service.BatchRunner) *Server {
	return &Server{workflows: workflows, approvals: approvals, alerts: alerts, runner: runner}
}

// Router registers every route on a new gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	batches := api.Group("/batches")
	batches.POST("", s.startBatch)
	batches.GET("", s.listBatches)
	batches.GET("/:batchId", s.getStatus)
	batches.POST("/:batchId/advance", s.advanceStep)
	batches.POST("/:batchId/errors", s.recordError)
	batches.POST("/:batchId/pause", s.pauseBatch)
	batches.POST("/:batchId/resume", s.resumeBatch)
	batches.POST("/:batchId/cancel", s.cancelBatch)
	batches.POST("/:batchId/run", s.runBatch)
	batches.GET("/:batchId/approvals", s.listApprovals)
	batches.POST("/:batchId/approvals", s.enqueueApproval)
	batches.GET("/:batchId/approvals/next", s.nextApproval)

	// item IDs of match candidates contain a slash
	approvals := api.Group("/approvals")
	approvals.POST("/decisions", s.decide)
	approvals.GET("/*itemId", s.getApproval)

	alerts := api.Group("/alerts")
	alerts.POST("", s.raiseAlert)
	alerts.GET("", s.listAlerts)
	alerts.GET("/summary", s.alertSummary)
	alerts.GET("/:alertId", s.getAlert)
	alerts.POST("/:alertId/acknowledge", s.acknowledgeAlert)
	alerts.POST("/:alertId/resolve", s.resolveAlert)
	return r
}

// StartServer serves until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, port string, srv *Server) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting reconflow server on :%s", port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.GetLogger().Info("Shutting down reconflow server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.GetLogger().Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// statusFor maps an engine error kind to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrAlreadyDecided),
		errors.Is(err, service.ErrBatchInFlight):
		return http.StatusConflict
	case errors.Is(err, service.ErrExecutorFailure):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrRunnerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": service.Kind(err)})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": service.Kind(service.ErrInvalidInput)})
}

type startBatchRequest struct {
	BatchID           string `json:"batch_id"`
	TotalTransactions int    `json:"total_transactions"`
}

func (s *Server) startBatch(c *gin.Context) {
	var req startBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := s.workflows.StartBatch(c.Request.Context(), req.BatchID, req.TotalTransactions)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) listBatches(c *gin.Context) {
	batches, err := s.workflows.ListBatches(c.Request.Context(), models.WorkflowStatus(strings.ToUpper(c.Query("status"))))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": batches})
}

func (s *Server) getStatus(c *gin.Context) {
	status, err := s.workflows.GetStatus(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type advanceRequest struct {
	Step        models.Step             `json:"step" binding:"required"`
	Processed   int                     `json:"processed"`
	Failed      int                     `json:"failed"`
	Errors      []models.StepError      `json:"errors"`
	ElapsedMs   int64                   `json:"elapsed_ms"`
	Candidates  []models.MatchCandidate `json:"candidates"`
	Suggestions int                     `json:"suggestions"`
}

// result converts the request into the step's result type.
func (r advanceRequest) result() (models.StepResult, error) {
	outcome := models.StepOutcome{
		Processed: r.Processed,
		Failed:    r.Failed,
		Errors:    r.Errors,
		Elapsed:   time.Duration(r.ElapsedMs) * time.Millisecond,
	}
	switch r.Step {
	case models.IngestionStep:
		return models.IngestionResult{StepOutcome: outcome}, nil
	case models.PatternMatchingStep:
		return models.MatchResult{StepOutcome: outcome, Candidates: r.Candidates}, nil
	case models.HumanReviewStep:
		return models.ReviewResult{}, nil
	case models.SuggestionStep:
		return models.SuggestionResult{StepOutcome: outcome, Suggestions: r.Suggestions}, nil
	default:
		return nil, errors.Wrapf(service.ErrInvalidInput, "unknown step %d", r.Step)
	}
}

func (s *Server) advanceStep(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := req.result()
	if err != nil {
		writeError(c, err)
		return
	}
	b, err := s.workflows.AdvanceStep(c.Request.Context(), c.Param("batchId"), result)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type recordErrorRequest struct {
	Step          models.Step `json:"step" binding:"required"`
	Message       string      `json:"message" binding:"required"`
	TransactionID string      `json:"transaction_id"`
}

func (s *Server) recordError(c *gin.Context) {
	var req recordErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.workflows.RecordError(c.Request.Context(), c.Param("batchId"), req.Step, req.Message, req.TransactionID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseBatch(c *gin.Context) {
	b, err := s.workflows.PauseBatch(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) resumeBatch(c *gin.Context) {
	b, err := s.workflows.ResumeBatch(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type actorRequest struct {
	By     string `json:"by" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) cancelBatch(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := s.workflows.CancelBatch(c.Request.Context(), c.Param("batchId"), req.By, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// runBatch queues the batch on the runner and returns immediately.
func (s *Server) runBatch(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no batch runner configured", "kind": "internal"})
		return
	}
	batchID := c.Param("batchId")
	if _, err := s.workflows.GetStatus(c.Request.Context(), batchID); err != nil {
		writeError(c, err)
		return
	}
	// the run outlives the request
	if _, err := s.runner.Submit(context.Background(), batchID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": batchID, "message": "batch queued"})
}

func (s *Server) listApprovals(c *gin.Context) {
	items, err := s.approvals.List(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

type enqueueRequest struct {
	ItemID     string   `json:"item_id" binding:"required"`
	Confidence *float64 `json:"confidence" binding:"required"`
}

func (s *Server) enqueueApproval(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	item, err := s.approvals.Enqueue(c.Request.Context(), c.Param("batchId"), req.ItemID, *req.Confidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (s *Server) nextApproval(c *gin.Context) {
	item, err := s.approvals.Next(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) getApproval(c *gin.Context) {
	item, err := s.approvals.Get(c.Request.Context(), strings.TrimPrefix(c.Param("itemId"), "/"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type decideRequest struct {
	ItemID   string          `json:"item_id" binding:"required"`
	Decision models.Decision `json:"decision" binding:"required"`
	By       string          `json:"by" binding:"required"`
	Reason   string          `json:"reason"`
}

func (s *Server) decide(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	item, err := s.approvals.Decide(c.Request.Context(), req.ItemID, req.Decision, req.By, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type raiseRequest struct {
	Severity      models.Severity `json:"severity" binding:"required"`
	Title         string          `json:"title" binding:"required"`
	Message       string          `json:"message"`
	Component     string          `json:"component"`
	ErrorType     string          `json:"error_type"`
	BatchID       string          `json:"batch_id"`
	TransactionID string          `json:"transaction_id"`
	AffectedCount *int            `json:"affected_count"`
}

func (s *Server) raiseAlert(c *gin.Context) {
	var req raiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	alert, err := s.alerts.Raise(c.Request.Context(), service.RaiseRequest{
		Severity:      req.Severity,
		Title:         req.Title,
		Message:       req.Message,
		Component:     req.Component,
		ErrorType:     req.ErrorType,
		BatchID:       req.BatchID,
		TransactionID: req.TransactionID,
		AffectedCount: req.AffectedCount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, alert)
}

func (s *Server) listAlerts(c *gin.Context) {
	filter := models.AlertFilter{
		Status:    models.AlertStatus(c.Query("status")),
		Severity:  models.Severity(c.Query("severity")),
		Component: c.Query("component"),
		ErrorType: c.Query("error_type"),
		BatchID:   c.Query("batch_id"),
	}
	alerts, err := s.alerts.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alerts})
}

func (s *Server) alertSummary(c *gin.Context) {
	summary, err := s.alerts.Summary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getAlert(c *gin.Context) {
	alert, err := s.alerts.Get(c.Request.Context(), c.Param("alertId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) acknowledgeAlert(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	alert, err := s.alerts.Acknowledge(c.Request.Context(), c.Param("alertId"), req.By, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type resolveRequest struct {
	By         string `json:"by" binding:"required"`
	Resolution string `json:"resolution"`
}

func (s *Server) resolveAlert(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	alert, err := s.alerts.Resolve(c.Request.Context(), c.Param("alertId"), req.By, req.Resolution)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}
