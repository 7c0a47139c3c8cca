package auth

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
)

// Middleware attaches the bearer token's identity to the request context.
// Requests without a token pass through anonymously; a token that does not
// verify is rejected.
func Middleware(j *JWTService, log *zap.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return next(c)
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				return unauthenticated(fmt.Errorf("%w: malformed authorization header", errors.ErrUnauthenticated))
			}

			id, err := j.Verify(strings.TrimSpace(token))
			if err != nil {
				log.Debug("token rejected", zap.Error(err), zap.String("path", c.Path()))
				return err
			}

			req := c.Request()
			c.SetRequest(req.WithContext(WithIdentity(req.Context(), id)))
			return next(c)
		}
	}
}

// RequireIdentity rejects anonymous requests.
func RequireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := FromContext(c.Request().Context()); !ok {
			return unauthenticated(errors.ErrUnauthenticated)
		}
		return next(c)
	}
}

// RequireVerified rejects anonymous and unverified requests.
func RequireVerified(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := FromContext(c.Request().Context())
		if !ok {
			return unauthenticated(errors.ErrUnauthenticated)
		}
		if !id.Verified {
			return unauthenticated(errors.ErrUnverified)
		}
		return next(c)
	}
}
