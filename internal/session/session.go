// Package session keeps a signed session cookie that carries the per-session
// anti-forgery token. Every page embeds the token and every mutating request
// must echo it back.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/logging"
	"github.com/fruitsalade/webfm/internal/metrics"
)

type contextKey string

const claimsContextKey contextKey = "session"

const (
	// FormField is the form field a token may be submitted in.
	FormField = "csrf"
	// HeaderName is the header a token may be submitted in.
	HeaderName = "X-CSRF-Token"

	issuer     = "webfm"
	tokenBytes = 32
)

// Claims holds the session cookie claims. The registered ID is the session
// ID.
type Claims struct {
	CSRF string `json:"csrf"`
	jwt.RegisteredClaims
}

// Config holds session settings.
type Config struct {
	Secret     []byte
	CookieName string
	TTL        time.Duration
}

// Manager issues and checks session cookies.
type Manager struct {
	secret     []byte
	cookieName string
	ttl        time.Duration
}

// New creates a Manager. An empty secret is replaced by a random one, which
// invalidates sessions on every restart.
func New(cfg Config) (*Manager, error) {
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		logging.Warn("no session secret configured; using a random one")
	}
	if cfg.CookieName == "" {
		return nil, fmt.Errorf("cookie name is required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	return &Manager{secret: secret, cookieName: cfg.CookieName, ttl: cfg.TTL}, nil
}

// Middleware loads the session from its cookie, starting a new one when the
// cookie is missing, expired or forged, and stores the claims in the context.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := m.load(r)
		if claims == nil {
			var err error
			claims, err = m.issue(w, r)
			if err != nil {
				logging.WithContext(r.Context()).Error("failed to start session", zap.Error(err))
				http.Error(w, "session unavailable", http.StatusInternalServerError)
				return
			}
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the session claims stored by Middleware.
func FromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// Token returns the anti-forgery token of the current session, or "".
func Token(ctx context.Context) string {
	if c := FromContext(ctx); c != nil {
		return c.CSRF
	}
	return ""
}

// Verify checks a submitted token against the session in ctx in constant
// time. A missing session or token, or a mismatch, is a validation failure.
func Verify(ctx context.Context, submitted string) error {
	want := Token(ctx)
	if want == "" || submitted == "" ||
		subtle.ConstantTimeCompare([]byte(want), []byte(submitted)) != 1 {
		metrics.RecordCSRFRejection()
		logging.WithContext(ctx).Warn("csrf check failed")
		return failure.Validation("Invalid CSRF token.")
	}
	return nil
}

// Submitted returns the token a request carries in the header or, failing
// that, the form. The form must already be parsed.
func Submitted(r *http.Request) string {
	if t := r.Header.Get(HeaderName); t != "" {
		return t
	}
	if r.MultipartForm != nil {
		if v := r.MultipartForm.Value[FormField]; len(v) > 0 {
			return v[0]
		}
	}
	return r.PostForm.Get(FormField)
}

func (m *Manager) load(r *http.Request) *Claims {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(cookie.Value, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid || claims.CSRF == "" {
		logging.WithContext(r.Context()).Debug("discarding session cookie", zap.Error(err))
		return nil
	}
	return claims
}

func (m *Manager) issue(w http.ResponseWriter, r *http.Request) (*Claims, error) {
	csrf, err := randomToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	claims := &Claims{
		CSRF: csrf,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    signed,
		Path:     "/",
		Expires:  now.Add(m.ttl),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	logging.WithContext(r.Context()).Debug("session started", zap.String("session_id", claims.ID))
	return claims, nil
}

func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
