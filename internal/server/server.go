// Package server exposes flows, runs and the connector catalog over HTTP
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mpataki/relay/internal/connector"
	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/flows"
	"github.com/mpataki/relay/internal/orchestrator"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server implements the HTTP API for the flow engine
type Server struct {
	flows    *flows.Store
	engine   *orchestrator.Orchestrator
	registry *connector.Registry
	db       Pinger
	logger   *zap.Logger
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
	Status  int      `json:"status"`
}

var (
	ErrInvalidJSON = errors.New("invalid JSON request")
	ErrEmptyBody   = errors.New("request body is empty")
)

func NewServer(
	flowStore *flows.Store, engine *orchestrator.Orchestrator,
	registry *connector.Registry, db Pinger, logger *zap.Logger,
) *Server {
	return &Server{
		flows:    flowStore,
		engine:   engine,
		registry: registry,
		db:       db,
		logger:   logger,
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers", "Content-Type, Authorization",
		)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)

	router.GET("/connectors", s.listConnectors)
	router.GET("/connectors/:name", s.getConnector)
	router.POST("/connectors/:name/test", s.testConnector)

	fl := router.Group("/flows")
	{
		fl.GET("", s.listFlows)
		fl.POST("", s.createFlow)
		fl.GET("/:flowID", s.getFlow)
		fl.POST("/:flowID/retire", s.retireFlow)
		fl.GET("/:flowID/versions", s.listVersions)
		fl.POST("/:flowID/versions", s.publishVersion)
		fl.GET("/:flowID/versions/:version", s.getVersion)
	}

	runs := router.Group("/runs")
	{
		runs.GET("", s.listRuns)
		runs.POST("", s.createRun)
		runs.GET("/:runID", s.getRun)
		runs.DELETE("/:runID", s.deleteRun)
		runs.POST("/:runID/start", s.startRun)
		runs.POST("/:runID/cancel", s.cancelRun)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:  "storage unavailable: " + err.Error(),
			Status: http.StatusServiceUnavailable,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"connectors": len(s.registry.List()),
	})
}

// writeError renders err with the status its kind maps to
func writeError(c *gin.Context, err error) {
	if errors.Is(err, orchestrator.ErrStopped) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:  err.Error(),
			Status: http.StatusServiceUnavailable,
		})
		return
	}

	e := errs.As(err)
	status := statusFor(e.Kind)
	c.JSON(status, ErrorResponse{
		Error:   e.Message,
		Code:    e.Code,
		Details: e.Details,
		Status:  status,
	})
}

func writeBadRequest(c *gin.Context, sentinel error, err error) {
	msg := sentinel.Error()
	if err != nil {
		msg += ": " + err.Error()
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:  msg,
		Status: http.StatusBadRequest,
	})
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindConnector:
		return http.StatusBadGateway
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request rejected", fields...)
		default:
			logger.Debug("request served", fields...)
		}
	}
}
