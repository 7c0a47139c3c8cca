// Package auth verifies bearer tokens and carries the caller's identity
// through request contexts.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
)

const component = "auth"

// Identity is an authenticated caller.
type Identity struct {
	UserID   string
	Email    string
	Verified bool
}

// Claims are the token claims. The subject is the user id.
type Claims struct {
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTService(secret, issuer string, ttl time.Duration) *JWTService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTService{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for id.
func (j *JWTService) Issue(id Identity) (string, error) {
	if id.UserID == "" {
		return "", errors.Newf("cannot issue a token without a subject").
			Component(component).
			Category(errors.CategoryValidation).
			Build()
	}
	now := j.now()
	claims := Claims{
		Email:         id.Email,
		EmailVerified: id.Verified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Verify parses and validates a token.
func (j *JWTService) Verify(tokenString string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, unauthenticated(fmt.Errorf("%w: %v", errors.ErrUnauthenticated, err))
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, unauthenticated(fmt.Errorf("%w: token has no subject", errors.ErrUnauthenticated))
	}
	return Identity{UserID: claims.Subject, Email: claims.Email, Verified: claims.EmailVerified}, nil
}

func unauthenticated(err error) error {
	return errors.New(err).
		Component(component).
		Category(errors.CategoryAuthentication).
		Build()
}

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached to ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
