package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/tachi-protocol/tachi/internal/auth"
	"github.com/tachi-protocol/tachi/internal/governance"
	"go.uber.org/zap"
)

// GovernanceHandler exposes the multi-signature gate over HTTP. Mutations
// require an operator token and a signer address; signer membership itself is
// still checked by the gate, so a token alone is never enough.
type GovernanceHandler struct {
	gate   *governance.Gate
	tokens *auth.TokenIssuer
	logger *zap.Logger
}

// NewGovernanceHandler creates a GovernanceHandler.
func NewGovernanceHandler(gate *governance.Gate, tokens *auth.TokenIssuer, logger *zap.Logger) *GovernanceHandler {
	return &GovernanceHandler{gate: gate, tokens: tokens, logger: logger}
}

// Register mounts the governance routes on the given router group.
func (h *GovernanceHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/governance")
	{
		g.GET("/signers", h.Signers)
		g.GET("/transactions/:id", h.Transaction)

		authed := g.Group("", h.tokens.Middleware(auth.RoleOperator))
		authed.POST("/transactions", h.Submit)
		authed.POST("/transactions/:id/confirm", h.Confirm)
		authed.POST("/transactions/:id/revoke", h.Revoke)
		authed.POST("/transactions/:id/execute", h.Execute)
	}
}

type submitRequest struct {
	Signer      string `json:"signer" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	// Payload is the hex-encoded call data for the destination handler.
	Payload string `json:"payload" binding:"required"`
}

// Submit handles POST /governance/transactions.
func (h *GovernanceHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Signer) || !common.IsHexAddress(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signer and destination must be addresses"})
		return
	}
	payload, err := hex.DecodeString(strings.TrimPrefix(req.Payload, "0x"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be hex"})
		return
	}

	id, err := h.gate.Submit(c.Request.Context(), common.HexToAddress(req.Signer), common.HexToAddress(req.Destination), payload)
	if err != nil {
		h.writeGateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type signerRequest struct {
	Signer string `json:"signer" binding:"required"`
}

// Confirm handles POST /governance/transactions/:id/confirm.
func (h *GovernanceHandler) Confirm(c *gin.Context) {
	h.signedAction(c, h.gate.Confirm)
}

// Revoke handles POST /governance/transactions/:id/revoke.
func (h *GovernanceHandler) Revoke(c *gin.Context) {
	h.signedAction(c, h.gate.Revoke)
}

// Execute handles POST /governance/transactions/:id/execute.
func (h *GovernanceHandler) Execute(c *gin.Context) {
	h.signedAction(c, h.gate.Execute)
}

func (h *GovernanceHandler) signedAction(c *gin.Context, fn func(ctx context.Context, caller common.Address, id uint64) error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}
	var req signerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Signer) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signer must be an address"})
		return
	}

	if err := fn(c.Request.Context(), common.HexToAddress(req.Signer), id); err != nil {
		h.writeGateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// Signers handles GET /governance/signers.
func (h *GovernanceHandler) Signers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"signers":   h.gate.Signers(),
		"threshold": h.gate.Threshold(),
	})
}

// Transaction handles GET /governance/transactions/:id.
func (h *GovernanceHandler) Transaction(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return
	}
	st, err := h.gate.TransactionStatus(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *GovernanceHandler) writeGateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, governance.ErrNotSigner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, governance.ErrUnknownTransaction):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, governance.ErrAlreadyConfirmed),
		errors.Is(err, governance.ErrNotConfirmed),
		errors.Is(err, governance.ErrAlreadyExecuted),
		errors.Is(err, governance.ErrBelowThreshold),
		errors.Is(err, governance.ErrTimelocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("governance action failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "governance action failed"})
	}
}
