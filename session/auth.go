// Package session manages the coordinator's WebSocket surfaces: the
// authenticated solver connections that receive intent fan-out and bid
// results, and the client subscriptions that follow a single intent's
// auction.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v4"

	"github.com/anythingai/intendly/types"
)

// Token audiences. Solver tokens open solver sessions; websocket tokens
// open subscriber sessions.
const (
	AudienceSolver     = "solver"
	AudienceWebsocket  = "websocket"
	minTokenSecretSize = 16
)

// Claims are the coordinator's JWT claims. Subject carries the solver
// address for solver tokens and an opaque client id otherwise.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies the HS256 bearer tokens used by both
// WebSocket surfaces and the authenticated HTTP endpoints.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates an issuer. The secret must be at least 16 bytes.
func NewTokenIssuer(secret, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < minTokenSecretSize {
		return nil, fmt.Errorf("auth secret must be at least %d bytes", minTokenSecretSize)
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be > 0")
	}
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Issue mints a token for the given subject and audience.
func (i *TokenIssuer) Issue(subject, audience string) (string, error) {
	if audience != AudienceSolver && audience != AudienceWebsocket {
		return "", types.FieldError("audience", "must be %q or %q", AudienceSolver, AudienceWebsocket)
	}
	if subject == "" {
		return "", types.FieldError("subject", "missing")
	}
	if audience == AudienceSolver && !common.IsHexAddress(subject) {
		return "", types.FieldError("subject", "solver tokens require a hex address subject")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        fmt.Sprintf("%d", now.UnixNano()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", types.WrapError(types.KindInternal, err, "sign token")
	}
	return signed, nil
}

// Verify parses a token and checks its signature, expiry, issuer, and
// audience. It returns the token's subject.
func (i *TokenIssuer) Verify(tokenString, audience string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return "", types.WrapError(types.KindUnauthorized, err, "invalid token")
	}
	if i.issuer != "" && claims.Issuer != i.issuer {
		return "", types.NewError(types.KindUnauthorized, "unknown token issuer")
	}
	if !claimsHaveAudience(claims, audience) {
		return "", types.NewError(types.KindUnauthorized, "token audience mismatch")
	}
	return claims.Subject, nil
}

// VerifySolver verifies a solver-audience token and parses its subject
// as the solver address.
func (i *TokenIssuer) VerifySolver(tokenString string) (common.Address, error) {
	subject, err := i.Verify(tokenString, AudienceSolver)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(subject) {
		return common.Address{}, types.NewError(types.KindUnauthorized, "solver token subject is not an address")
	}
	return common.HexToAddress(subject), nil
}

func claimsHaveAudience(c *Claims, audience string) bool {
	for _, aud := range c.Audience {
		if aud == audience {
			return true
		}
	}
	return false
}
