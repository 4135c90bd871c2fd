package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tachi-protocol/tachi/internal/proofledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes the public read path of the proof-of-crawl ledger.
type LedgerHandler struct {
	ledger *proofledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger *proofledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// Register mounts the crawl-ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/crawls")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/:seq", h.GetEntry)
	}
}

// Overview handles GET /crawls: total receipts and the chain tip.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	total, err := h.ledger.TotalLogged(ctx)
	if err != nil {
		h.logger.Error("ledger TotalLogged", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.logger.Error("ledger Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_logged": total,
		"root":         root,
	})
}

// Verify handles GET /crawls/verify: walks the chain and reports integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if err := h.ledger.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("crawl ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /crawls/:seq and returns one receipt.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a non-negative integer"})
		return
	}

	entry, err := h.ledger.EntryAt(c.Request.Context(), seq)
	if err != nil {
		if errors.Is(err, proofledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		h.logger.Error("ledger EntryAt", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, entry)
}
