package gateway

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tachi-protocol/tachi/internal/auth"
	"github.com/tachi-protocol/tachi/internal/license"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// LicenseHandler exposes license reads, operator-only license creation, and
// the API-key-for-token exchange. Price and activation changes are not here:
// those are administrative fields that only the governance gate mutates.
type LicenseHandler struct {
	store  license.Store
	tokens *auth.TokenIssuer
	logger *zap.Logger
}

// NewLicenseHandler creates a LicenseHandler.
func NewLicenseHandler(store license.Store, tokens *auth.TokenIssuer, logger *zap.Logger) *LicenseHandler {
	return &LicenseHandler{store: store, tokens: tokens, logger: logger}
}

// Register mounts the license routes on the given router group.
func (h *LicenseHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/licenses")
	{
		l.GET("/:id", h.Get)
		l.POST("/token", h.ExchangeToken)
		l.POST("", h.tokens.Middleware(auth.RoleOperator), h.Create)
	}
}

type createLicenseRequest struct {
	PublisherID string `json:"publisher_id" binding:"required"`
	Domain      string `json:"domain" binding:"required"`
	PayTo       string `json:"pay_to" binding:"required"`
	PriceMinor  int64  `json:"price_minor" binding:"required"`
}

// Create handles POST /licenses. The response carries the publisher API key
// exactly once; only its bcrypt hash is persisted.
func (h *LicenseHandler) Create(c *gin.Context) {
	var req createLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.PayTo) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pay_to is not a valid address"})
		return
	}
	if req.PriceMinor <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_minor must be positive"})
		return
	}

	apiKey, err := license.NewAPIKey()
	if err != nil {
		h.logger.Error("generate api key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create license"})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash api key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create license"})
		return
	}

	lic := &license.License{
		PublisherID: req.PublisherID,
		Domain:      req.Domain,
		PayTo:       common.HexToAddress(req.PayTo),
		PriceMinor:  req.PriceMinor,
		Active:      true,
		APIKeyHash:  string(hash),
	}
	if err := h.store.Create(c.Request.Context(), lic); err != nil {
		if errors.Is(err, license.ErrActiveLicenseExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "publisher already has an active license"})
			return
		}
		h.logger.Error("create license", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create license"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"license": lic,
		"api_key": apiKey, // delivered once, never retrievable again
	})
}

// Get handles GET /licenses/:id. Licenses are public records.
func (h *LicenseHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}
	lic, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, license.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "license not found"})
			return
		}
		h.logger.Error("get license", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query license"})
		return
	}
	c.JSON(http.StatusOK, lic)
}

type exchangeTokenRequest struct {
	PublisherID string `json:"publisher_id" binding:"required"`
	APIKey      string `json:"api_key" binding:"required"`
}

// ExchangeToken handles POST /licenses/token, swapping a publisher API key for
// a short-lived publisher bearer token.
func (h *LicenseHandler) ExchangeToken(c *gin.Context) {
	var req exchangeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lic, err := h.store.GetByPublisher(c.Request.Context(), req.PublisherID)
	if err != nil {
		// Indistinguishable from a bad key on purpose.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(lic.APIKeyHash), []byte(req.APIKey)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.tokens.Issue(req.PublisherID, auth.RolePublisher)
	if err != nil {
		h.logger.Error("issue publisher token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
