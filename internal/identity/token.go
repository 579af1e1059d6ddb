// Package identity resolves who is making a request.
//
// Tokens are HS256 JWTs signed with a shared secret, so the platform
// application and the gateway can both verify them. Admin tokens are issued
// only in exchange for the static admin secret.
package identity

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RoleAdmin is the role claim carried by admin tokens.
const RoleAdmin = "admin"

// ErrInvalidSecret is returned by IssueAdminToken for a wrong admin secret.
var ErrInvalidSecret = errors.New("invalid admin secret")

// Claims are the JWT claims of a platform session or admin token.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// TokenIssuer issues and verifies HS256 tokens.
type TokenIssuer struct {
	key         []byte
	issuer      string
	ttl         time.Duration
	adminSecret []byte
	now         func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
//
//	key        : HMAC signing key shared with the platform application.
//	issuer     : the "iss" claim value.
//	ttl        : user token lifetime (default: 24 hours).
//	adminSecret: static secret exchanged for admin tokens; empty disables
//	             admin token issuance.
func NewTokenIssuer(key []byte, issuer string, ttl time.Duration, adminSecret string) *TokenIssuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		key:         key,
		issuer:      issuer,
		ttl:         ttl,
		adminSecret: []byte(adminSecret),
		now:         time.Now,
	}
}

// SetClock overrides the clock used for issuing and verifying.
func (t *TokenIssuer) SetClock(now func() time.Time) {
	t.now = now
}

// Issue creates a signed token for userID.
func (t *TokenIssuer) Issue(userID, role string) (string, error) {
	return t.sign(userID, role, t.ttl)
}

// IssueAdminToken exchanges the admin secret for an admin token valid for
// ttl (default: 8 hours).
func (t *TokenIssuer) IssueAdminToken(secret string, ttl time.Duration) (string, error) {
	if len(t.adminSecret) == 0 || subtle.ConstantTimeCompare([]byte(secret), t.adminSecret) != 1 {
		return "", ErrInvalidSecret
	}
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return t.sign("admin", RoleAdmin, ttl)
}

func (t *TokenIssuer) sign(userID, role string, ttl time.Duration) (string, error) {
	now := t.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		UserID: userID,
		Role:   role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.key, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}
