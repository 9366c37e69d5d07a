package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer-token payload.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for tc.
func (t *TokenIssuer) Issue(tc TenantContext) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("identity: token secret not configured")
	}
	now := t.now()
	claims := &Claims{
		TenantID: tc.TenantID,
		Role:     tc.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tc.CallerID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses a token and returns its TenantContext.
func (t *TokenIssuer) Verify(raw string) (TenantContext, error) {
	if len(t.secret) == 0 {
		return TenantContext{}, ErrInvalidCredential
	}
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return TenantContext{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	role, err := ParseRole(string(claims.Role))
	if err != nil || claims.TenantID == "" || claims.Subject == "" {
		return TenantContext{}, ErrInvalidCredential
	}
	return TenantContext{TenantID: claims.TenantID, CallerID: claims.Subject, Role: role}, nil
}
