// Package api exposes the settlement engine over HTTP: transaction intake,
// batch status and confirmation, liquidity and exposure snapshots.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	errs "github.com/GeroJun/Real-Time-Transaction-Settlement-System/common/errors"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/intake"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/settlement"
)

// Admitter is the intake gate as the API sees it.
type Admitter interface {
	Admit(ctx context.Context, sub *model.Submission) (intake.Result, error)
}

// SettlementService serves batch and transaction lookups, confirmation and
// the liquidity/exposure snapshots.
type SettlementService interface {
	TransactionStatus(ctx context.Context, id string) (*settlement.TransactionRecord, error)
	BatchStatus(ctx context.Context, id string) (*settlement.BatchView, error)
	ConfirmBatch(ctx context.Context, id string) (*settlement.BatchView, error)
	Liquidity(ctx context.Context, window model.Window) ([]settlement.LiquidityPosition, error)
	Exposure(ctx context.Context, counterpartyID string) (*settlement.ExposureReport, error)
	Health(ctx context.Context) map[string]string
}

// Server is the HTTP front of the settlement engine.
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	gate        Admitter
	settlements SettlementService
	backlog     intake.Backlog
}

// NewServer builds the router with logging, recovery, tracing and CORS
// middleware and registers all routes.
func NewServer(cfg config.ServerConfig, gate Admitter, settlements SettlementService, backlog intake.Backlog, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("settlementd"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "X-Idempotent-Replay", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router:      router,
		logger:      logger,
		gate:        gate,
		settlements: settlements,
		backlog:     backlog,
	}
	s.registerRoutes()
	return s
}

// Router returns the gin engine, for the HTTP server and for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.health)

		v1.POST("/transactions", s.submitTransaction)
		v1.GET("/transactions/:id", s.getTransaction)

		settlements := v1.Group("/settlements")
		{
			settlements.GET("/liquidity", s.getLiquidity)
			settlements.GET("/exposure/:counterparty_id", s.getExposure)
			settlements.GET("/:batch_id/status", s.getBatchStatus)
			settlements.POST("/:batch_id/confirm", s.confirmBatch)
		}
	}
}

// submitTransaction admits one payment submission. The response body for
// accepted and duplicate submissions is the gate's admission outcome,
// byte-identical across idempotent replays.
func (s *Server) submitTransaction(c *gin.Context) {
	var sub model.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		errs.Respond(c, errs.NewValidationError("request body is not valid JSON", c.Request.URL.Path))
		return
	}

	res, err := s.gate.Admit(c.Request.Context(), &sub)
	if err != nil {
		s.logger.Error("admission failed",
			zap.String("transaction_id", sub.TransactionID),
			zap.Error(err))
		errs.Respond(c, errs.NewUnavailableError("intake temporarily unavailable, retry with the same idempotency key", c.Request.URL.Path))
		return
	}

	switch res.Status {
	case intake.StatusAccepted:
		c.Data(http.StatusCreated, "application/json", res.Body)
	case intake.StatusDuplicate:
		c.Header("X-Idempotent-Replay", "true")
		c.Data(http.StatusCreated, "application/json", res.Body)
	case intake.StatusThrottled:
		seconds := int(res.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		errs.Respond(c, res.Problem)
	default:
		errs.Respond(c, res.Problem)
	}
}

func (s *Server) getTransaction(c *gin.Context) {
	rec, err := s.settlements.TransactionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getBatchStatus(c *gin.Context) {
	view, err := s.settlements.BatchStatus(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// confirmBatch acknowledges that the external rails executed a committed
// batch's wires. Confirming an unknown batch is 404; confirming one that is
// not in the committed state is 409.
func (s *Server) confirmBatch(c *gin.Context) {
	view, err := s.settlements.ConfirmBatch(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// getLiquidity serves the per-window liquidity snapshot. Without a window
// filter every settlement window is reported.
func (s *Server) getLiquidity(c *gin.Context) {
	windows := []model.Window{model.WindowRTGS, model.WindowT0, model.WindowT1, model.WindowT2}
	if raw := c.Query("window"); raw != "" {
		window, err := model.ParseWindow(raw)
		if err != nil {
			errs.Respond(c, errs.NewValidationError(err.Error(), c.Request.URL.Path))
			return
		}
		windows = []model.Window{window}
	}

	snapshots := make([]gin.H, 0, len(windows))
	for _, window := range windows {
		positions, err := s.settlements.Liquidity(c.Request.Context(), window)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if positions == nil {
			positions = []settlement.LiquidityPosition{}
		}
		snapshots = append(snapshots, gin.H{"window": window, "liquidity": positions})
	}
	c.JSON(http.StatusOK, gin.H{"windows": snapshots})
}

func (s *Server) getExposure(c *gin.Context) {
	report, err := s.settlements.Exposure(c.Request.Context(), c.Param("counterparty_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) health(c *gin.Context) {
	health := s.settlements.Health(c.Request.Context())
	health["pending"] = strconv.Itoa(s.backlog.Pending())

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// respondError maps store errors onto problem-details responses.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		errs.Respond(c, errs.NewNotFoundError(err.Error(), c.Request.URL.Path))
	case errors.Is(err, settlement.ErrNotConfirmable):
		errs.Respond(c, errs.NewConflictError(err.Error(), c.Request.URL.Path))
	default:
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		errs.Respond(c, errs.NewInternalError("internal error", c.Request.URL.Path))
	}
}
