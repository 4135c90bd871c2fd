// Package auth issues and verifies the bearer tokens guarding the gateway's
// administrative API: license mutation and governance actions.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in admin tokens.
const (
	RolePublisher = "publisher"
	RoleOperator  = "operator"
)

// Claims are the JWT claims of a gateway admin token.
type Claims struct {
	jwt.RegisteredClaims
	PublisherID string `json:"publisher_id,omitempty"`
	Role        string `json:"role"`
}

// TokenIssuer issues and verifies admin tokens with an HMAC secret loaded
// from configuration.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(secret, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuerURL, ttl: ttl}
}

// Issue creates a signed admin token for the given role. publisherID is
// empty for operator tokens.
func (t *TokenIssuer) Issue(publisherID, role string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   publisherID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		PublisherID: publisherID,
		Role:        role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an admin token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid admin token claims")
	}
	return claims, nil
}

// claimsKey is the gin context key the middleware stores claims under.
const claimsKey = "auth.claims"

// Middleware returns a Gin middleware requiring a valid bearer token with
// one of the given roles.
func (t *TokenIssuer) Middleware(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := t.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if len(allowed) > 0 && !allowed[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the verified claims stored by Middleware.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
