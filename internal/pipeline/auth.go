package pipeline

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tryon/internal/domain"
)

// Trusted gateway callers.
const (
	CallerEventTrigger = "event-trigger"
	CallerSweep        = "sweep"
	CallerOperator     = "operator"
)

const (
	gatewayAudience = "tryon-gateway"
	gatewayIssuer   = "tryon-dispatcher"
	callerTokenTTL  = 5 * time.Minute
)

// Authorizer mints and verifies the credentials accepted by the gateway:
// short-lived HS256 tokens naming an internal dispatcher, or the shared
// operator secret.
type Authorizer struct {
	signingKey   []byte
	sharedSecret []byte
	now          func() time.Time
}

func NewAuthorizer(signingKey, sharedSecret string) *Authorizer {
	return &Authorizer{
		signingKey:   []byte(signingKey),
		sharedSecret: []byte(sharedSecret),
		now:          time.Now,
	}
}

// Mint issues a token for one of the dispatcher callers.
func (a *Authorizer) Mint(caller string) (string, error) {
	if caller != CallerEventTrigger && caller != CallerSweep {
		return "", fmt.Errorf("cannot mint token for caller %q", caller)
	}
	if len(a.signingKey) == 0 {
		return "", errors.New("internal signing key not configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    gatewayIssuer,
		Subject:   caller,
		Audience:  jwt.ClaimStrings{gatewayAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(callerTokenTTL)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
}

// Authorize returns the caller behind token. A "Bearer " prefix is accepted.
func (a *Authorizer) Authorize(token string) (string, error) {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return "", fmt.Errorf("%w: missing credentials", domain.ErrUnauthorized)
	}

	if len(a.sharedSecret) > 0 && subtle.ConstantTimeCompare([]byte(token), a.sharedSecret) == 1 {
		return CallerOperator, nil
	}
	if len(a.signingKey) == 0 {
		return "", fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(gatewayAudience),
		jwt.WithIssuer(gatewayIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	switch claims.Subject {
	case CallerEventTrigger, CallerSweep:
		return claims.Subject, nil
	default:
		return "", fmt.Errorf("%w: unknown caller %q", domain.ErrUnauthorized, claims.Subject)
	}
}
