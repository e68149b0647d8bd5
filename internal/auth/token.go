// Package auth issues and verifies the bearer tokens that guard the ledger
// API. Tokens are HS256 JWTs signed with a secret shared between ledgerd and
// the tooling that mints tokens for auditors and collaborating services.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role names carried in the "role" claim.
const (
	RoleAuditor = "auditor" // read, verify and export
	RoleService = "service" // append on behalf of a collaborator
	RoleAdmin   = "admin"   // everything
)

// ErrInvalidRole is returned when issuing a token for an unknown role.
var ErrInvalidRole = errors.New("invalid role")

// Claims are the JWT claims of a ledger API token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	// TenantID confines an auditor to exports of a single tenant.
	TenantID string `json:"tenant_id,omitempty"`
}

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	switch r {
	case RoleAuditor, RoleService, RoleAdmin:
		return true
	}
	return false
}

// Issuer signs and verifies ledger API tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer creates an Issuer. A zero ttl defaults to one hour.
func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Enabled reports whether a signing secret is configured. Without one the
// middleware lets every request through.
func (i *Issuer) Enabled() bool {
	return i != nil && len(i.secret) > 0
}

// Issue creates a signed token for subject with the given role. tenantID
// may be empty.
func (i *Issuer) Issue(subject, role, tenantID string) (string, error) {
	if !ValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if !i.Enabled() {
		return "", errors.New("issue token: no signing secret configured")
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Role:     role,
		TenantID: tenantID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if !ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}
	return claims, nil
}
