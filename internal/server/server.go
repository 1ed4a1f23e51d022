// Package server exposes the gateway's inbound HTTP surface: input storage
// ahead of payment submission, response polling, receipt retrieval, mock
// execution, health, and metrics.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentpayy/gateway/internal/cache"
	"github.com/agentpayy/gateway/internal/metrics"
	"github.com/agentpayy/gateway/internal/mock"
)

// MaxPayloadBytes caps stored input payloads.
const MaxPayloadBytes = 100 * 1024

// Server wires the gateway's HTTP handlers.
type Server struct {
	inputs    *cache.InputCache
	responses *cache.ResponseCache
	receipts  *cache.ReceiptStore
	mock      *mock.Responder
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New builds the HTTP server facade.
func New(
	inputs *cache.InputCache,
	responses *cache.ResponseCache,
	receipts *cache.ReceiptStore,
	responder *mock.Responder,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	return &Server{
		inputs:    inputs,
		responses: responses,
		receipts:  receipts,
		mock:      responder,
		metrics:   m,
		logger:    logger.With().Str("component", "http_server").Logger(),
	}
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.POST("/store-input", s.handleStoreInput)
	router.GET("/response/:txHash", s.handleGetResponse)
	router.GET("/receipt/:txHash", s.handleGetReceipt)
	router.POST("/api/mock/:modelId", s.handleMock)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	return router
}

// requestLogger tags each request with a uuid and emits one structured log
// line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Header("x-request-id", requestID)
		c.Next()
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}
