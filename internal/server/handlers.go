package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentpayy/gateway/internal/cache"
)

type storeInputRequest struct {
	Hash    string          `json:"hash" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// handleStoreInput stores a request payload under its content hash before
// the payment transaction is submitted. The hash is recomputed server-side;
// a mismatch is a tampered or miscomputed write and is rejected.
func (s *Server) handleStoreInput(c *gin.Context) {
	var req storeInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash and payload are required"})
		return
	}
	if len(req.Payload) > MaxPayloadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload exceeds 100KB limit"})
		return
	}

	if err := s.inputs.Put(c.Request.Context(), req.Hash, req.Payload); err != nil {
		if errors.Is(err, cache.ErrHashMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hash does not match payload"})
			return
		}
		// Input storage is best-effort for the payment flow; the caller
		// learns about the backend outage but may still proceed with the
		// payment at their own risk.
		s.logger.Error().Err(err).Msg("failed to store input payload")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "input storage unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleGetResponse serves the poll loop of the original caller.
func (s *Server) handleGetResponse(c *gin.Context) {
	txHash := c.Param("txHash")

	resp, err := s.responses.Get(c.Request.Context(), txHash)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "response not found"})
			return
		}
		s.logger.Error().Str("tx", txHash).Err(err).Msg("failed to read cached response")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "response cache unavailable"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetReceipt serves the authoritative receipt for a transaction.
func (s *Server) handleGetReceipt(c *gin.Context) {
	txHash := c.Param("txHash")

	rcpt, err := s.receipts.Get(c.Request.Context(), txHash)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "receipt not found"})
			return
		}
		s.logger.Error().Str("tx", txHash).Err(err).Msg("failed to read receipt")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "receipt store unavailable"})
		return
	}

	c.JSON(http.StatusOK, rcpt)
}

type mockRequest struct {
	Input json.RawMessage `json:"input"`
	Mock  bool            `json:"mock"`
}

// handleMock runs a mock execution. The explicit mock flag is mandatory so a
// real call can never be mistaken for a mock one.
func (s *Server) handleMock(c *gin.Context) {
	var req mockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Mock {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mock flag is required"})
		return
	}

	result, err := s.mock.Respond(c.Request.Context(), c.Param("modelId"), req.Input)
	if err != nil {
		s.logger.Error().Str("model", c.Param("modelId")).Err(err).Msg("mock execution failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mock execution failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}
