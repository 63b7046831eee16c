// Package auth authenticates operators of the escrow API.
//
// Authentication model:
//   - Health, metrics and the event stream are public
//   - Everything under /v1 requires an HS256 operator token
//   - Tokens carry role "operator" and expire; there is no refresh
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("auth: operator token required")
	ErrInvalidToken = errors.New("auth: invalid or expired operator token")
	ErrWeakSecret   = errors.New("auth: signing secret must be at least 32 bytes")
)

const (
	// RoleOperator is the only role allowed to move escrow funds.
	RoleOperator = "operator"

	issuer = "stakehold"
)

// Claims is the operator token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies operator tokens.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an issuer over an HMAC secret.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	return &Issuer{secret: append([]byte(nil), secret...), now: time.Now}, nil
}

// Issue signs a token for subject valid for ttl.
func (i *Issuer) Issue(subject string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Verify parses raw and returns its claims if it is a current operator
// token signed by this issuer.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Role != RoleOperator {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}
