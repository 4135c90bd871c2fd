package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tachi-protocol/tachi/internal/chain"
	"github.com/tachi-protocol/tachi/internal/license"
	"go.uber.org/zap"
)

// Config holds the handler's protocol parameters.
type Config struct {
	// Origin is the upstream serving the protected resources.
	Origin *url.URL

	// ChainName is the network identifier put into 402 challenges.
	ChainName string

	// Token is the settlement token address.
	Token common.Address

	// RequestTimeout is the per-request verification deadline. An RPC that
	// has not answered by then is cancelled and the crawler gets a
	// retryable 402 instead of a leaked connection.
	RequestTimeout time.Duration
}

// Handler is the edge decision engine: it classifies each inbound request,
// issues 402 challenges, verifies payment proofs, and proxies paid (or
// human) traffic to the origin.
type Handler struct {
	cfg        Config
	classifier *Classifier
	licenses   *license.Cache
	verifier   *Verifier
	receipts   *ReceiptSubmitter
	proxy      http.Handler
	logger     *zap.Logger
}

// NewHandler wires the edge decision engine.
func NewHandler(cfg Config, classifier *Classifier, licenses *license.Cache, verifier *Verifier, receipts *ReceiptSubmitter, logger *zap.Logger) *Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Handler{
		cfg:        cfg,
		classifier: classifier,
		licenses:   licenses,
		verifier:   verifier,
		receipts:   receipts,
		proxy:      newOriginProxy(cfg.Origin, logger),
		logger:     logger,
	}
}

// Handle is the request-path hot loop, mounted as the router's fallback so
// the API routes keep precedence.
func (h *Handler) Handle(c *gin.Context) {
	reqID := uuid.NewString()
	c.Header("X-Request-ID", reqID)
	log := h.logger.With(zap.String("request_id", reqID))

	if !h.classifier.IsCrawler(c.Request) {
		// Human or unclassified traffic bypasses the protocol.
		h.proxy.ServeHTTP(c.Writer, c.Request)
		return
	}

	lic, err := h.lookupLicense(c)
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			// No license covers this resource: nothing to charge for.
			h.proxy.ServeHTTP(c.Writer, c.Request)
			return
		}
		// License store down. Crawler traffic fails closed but
		// retryable: a 5xx would suggest a bug, and the remedy is the
		// same: try again.
		log.Warn("license lookup failed", zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusPaymentRequired, gin.H{"error": ReasonPaymentRequired})
		return
	}

	txHash := c.GetHeader(HeaderPaymentTx)
	if txHash == "" {
		recordChallenge()
		c.JSON(http.StatusPaymentRequired, newChallenge(lic, h.cfg.ChainName, h.cfg.Token, ReasonPaymentRequired))
		return
	}

	// Garbage input never reaches the chain: syntactic rejection is free,
	// RPC calls are not.
	if !chain.ValidTxHash(txHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed transaction hash"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	proof, vErr := h.verifier.Verify(ctx, txHash, lic)
	if vErr != nil {
		recordVerification(vErr.Reason, time.Since(start))
		log.Info("payment rejected",
			zap.String("tx", txHash),
			zap.String("reason", vErr.Reason),
			zap.String("license", lic.ID.String()),
		)
		c.JSON(http.StatusPaymentRequired, newChallenge(lic, h.cfg.ChainName, h.cfg.Token, vErr.Reason))
		return
	}
	recordVerification("ok", time.Since(start))

	// Receipt recording is decoupled from the response: the content is
	// already paid for.
	h.receipts.Submit(txHash, lic.ID, proof.Payer, time.Now().UTC())

	log.Info("payment verified",
		zap.String("tx", txHash),
		zap.String("license", lic.ID.String()),
		zap.String("crawler", proof.Payer.Hex()),
	)
	h.proxy.ServeHTTP(c.Writer, c.Request)
}

// lookupLicense resolves the license governing the request: the declared
// publisher header first, the request host otherwise.
func (h *Handler) lookupLicense(c *gin.Context) (*license.License, error) {
	ctx := c.Request.Context()
	if pub := c.GetHeader(HeaderPublisher); pub != "" {
		return h.licenses.GetByPublisher(ctx, pub)
	}
	host := c.Request.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return h.licenses.GetByDomain(ctx, host)
}
