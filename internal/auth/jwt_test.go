package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/leafdoc-api/internal/errors"
)

func TestIssueVerify(t *testing.T) {
	j := NewJWTService("secret", "leafdoc", time.Hour)

	token, err := j.Issue(Identity{UserID: "u1", Email: "grower@example.com", Verified: true})
	require.NoError(t, err)

	id, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u1", Email: "grower@example.com", Verified: true}, id)
}

func TestVerifyRejects(t *testing.T) {
	j := NewJWTService("secret", "leafdoc", time.Hour)
	good, err := j.Issue(Identity{UserID: "u1"})
	require.NoError(t, err)

	expired := NewJWTService("secret", "leafdoc", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue(Identity{UserID: "u1"})
	require.NoError(t, err)

	otherIssuer, err := NewJWTService("secret", "someone-else", time.Hour).Issue(Identity{UserID: "u1"})
	require.NoError(t, err)

	wrongKey, err := NewJWTService("other", "leafdoc", time.Hour).Issue(Identity{UserID: "u1"})
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1", "iss": "leafdoc"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"expired":      old,
		"other issuer": otherIssuer,
		"wrong key":    wrongKey,
		"alg none":     none,
		"truncated":    good[:len(good)-4],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := j.Verify(token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrUnauthenticated))
			assert.True(t, errors.IsCategory(err, errors.CategoryAuthentication))
		})
	}
}

func TestIssueRequiresSubject(t *testing.T) {
	_, err := NewJWTService("secret", "", 0).Issue(Identity{})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestMiddleware(t *testing.T) {
	j := NewJWTService("secret", "leafdoc", time.Hour)
	verified, err := j.Issue(Identity{UserID: "u1", Verified: true})
	require.NoError(t, err)
	unverified, err := j.Issue(Identity{UserID: "u2"})
	require.NoError(t, err)

	e := echo.New()
	whoami := func(c echo.Context) error {
		id, ok := FromContext(c.Request().Context())
		if !ok {
			return c.String(http.StatusOK, "anonymous")
		}
		return c.String(http.StatusOK, id.UserID)
	}

	run := func(header string, h echo.HandlerFunc) (string, error) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set(echo.HeaderAuthorization, header)
		}
		rec := httptest.NewRecorder()
		err := Middleware(j, nil)(h)(e.NewContext(req, rec))
		return rec.Body.String(), err
	}

	body, err := run("", whoami)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", body)

	body, err = run("Bearer "+verified, whoami)
	require.NoError(t, err)
	assert.Equal(t, "u1", body)

	_, err = run("Basic abc", whoami)
	assert.True(t, errors.Is(err, errors.ErrUnauthenticated))

	_, err = run("Bearer nope", whoami)
	assert.True(t, errors.Is(err, errors.ErrUnauthenticated))

	_, err = run("", RequireIdentity(whoami))
	assert.True(t, errors.Is(err, errors.ErrUnauthenticated))

	body, err = run("Bearer "+unverified, RequireIdentity(whoami))
	require.NoError(t, err)
	assert.Equal(t, "u2", body)

	_, err = run("Bearer "+unverified, RequireVerified(whoami))
	assert.True(t, errors.Is(err, errors.ErrUnverified))

	body, err = run("Bearer "+verified, RequireVerified(whoami))
	require.NoError(t, err)
	assert.Equal(t, "u1", body)
}
