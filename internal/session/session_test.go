package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/webfm/internal/failure"
)

func newManager(t *testing.T, secret string) *Manager {
	t.Helper()
	m, err := New(Config{Secret: []byte(secret), CookieName: "fm_session", TTL: time.Hour})
	require.NoError(t, err)
	return m
}

// capture runs a request through the middleware and returns the claims the
// handler saw plus the response.
func capture(m *Manager, req *http.Request) (*Claims, *httptest.ResponseRecorder) {
	var seen *Claims
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return seen, rec
}

func TestMiddlewareIssuesAndReusesSession(t *testing.T) {
	m := newManager(t, "secret")

	first, rec := capture(m, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, first)
	assert.NotEmpty(t, first.CSRF)
	assert.NotEmpty(t, first.ID)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "fm_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	second, rec := capture(m, req)
	require.NotNil(t, second)
	assert.Equal(t, first.CSRF, second.CSRF)
	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, rec.Result().Cookies(), "a valid session is not reissued")
}

func TestMiddlewareRejectsForeignCookie(t *testing.T) {
	issuer := newManager(t, "one")
	other := newManager(t, "two")

	_, rec := capture(issuer, httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := rec.Result().Cookies()[0]

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	claims, rec := capture(other, req)
	require.NotNil(t, claims)
	assert.Len(t, rec.Result().Cookies(), 1, "a fresh session replaces the forged one")
}

func TestMiddlewareRejectsExpiredAndUnsigned(t *testing.T) {
	m := newManager(t, "secret")

	expired := &Claims{
		CSRF: "tok",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte("secret"))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{CSRF: "tok"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for _, value := range []string{signed, none, "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "fm_session", Value: value})
		claims, _ := capture(m, req)
		require.NotNil(t, claims)
		assert.NotEqual(t, "tok", claims.CSRF)
	}
}

func TestVerify(t *testing.T) {
	m := newManager(t, "secret")
	claims, _ := capture(m, httptest.NewRequest(http.MethodGet, "/", nil))
	ctx := context.WithValue(context.Background(), claimsContextKey, claims)

	assert.NoError(t, Verify(ctx, claims.CSRF))
	assert.ErrorIs(t, Verify(ctx, "wrong"), failure.ErrValidation)
	assert.ErrorIs(t, Verify(ctx, ""), failure.ErrValidation)
	assert.ErrorIs(t, Verify(context.Background(), "anything"), failure.ErrValidation)
}

func TestSubmitted(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderName, "from-header")
	assert.Equal(t, "from-header", Submitted(req))

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.PostForm = map[string][]string{FormField: {"from-form"}}
	assert.Equal(t, "from-form", Submitted(req))
}

func TestNewValidation(t *testing.T) {
	m, err := New(Config{CookieName: "c", TTL: time.Minute})
	require.NoError(t, err)
	assert.Len(t, m.secret, 32)

	_, err = New(Config{Secret: []byte("s"), TTL: time.Minute})
	assert.Error(t, err)
	_, err = New(Config{Secret: []byte("s"), CookieName: "c"})
	assert.Error(t, err)
}
