// Package identity resolves which user a request or connection speaks for.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/callrelay/internal/domain"
	"github.com/ashureev/callrelay/internal/store"
)

// UserHeaderName carries the caller's identity in development mode.
const UserHeaderName = "X-User-ID"

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)

// ValidUserID reports whether id is an acceptable user identity.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// WithUserID returns a context carrying the user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Verifier checks HS256 bearer tokens. A Verifier without a secret is
// disabled and trusts the identity the client presents.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier; an empty secret disables verification.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether tokens are checked.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Sign issues a token for userID valid for ttl.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("identity: no signing secret configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify validates token and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	if !v.Enabled() {
		return "", errors.New("identity: verification disabled")
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	return sub, nil
}

// TokenFromRequest returns a bearer token from the Authorization header or
// the token query parameter (browsers cannot set headers on websockets).
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// AuthorizeConnection checks that the request may act as userID.
func (v *Verifier) AuthorizeConnection(r *http.Request, userID string) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("%w: invalid user id", domain.ErrUnauthorized)
	}
	if !v.Enabled() {
		return nil
	}
	sub, err := v.Verify(TokenFromRequest(r))
	if err != nil {
		return err
	}
	if sub != userID {
		return fmt.Errorf("%w: token subject mismatch", domain.ErrUnauthorized)
	}
	return nil
}

// Middleware resolves the caller from a bearer token, or from the
// X-User-ID header when verification is disabled, and rejects anonymous
// requests with 401.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if v.Enabled() {
				sub, err := v.Verify(TokenFromRequest(r))
				if err != nil {
					writeUnauthorized(w)
					return
				}
				userID = sub
			} else {
				userID = strings.TrimSpace(r.Header.Get(UserHeaderName))
			}

			if !ValidUserID(userID) {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

// EnsureUser creates a directory entry for userID if none exists.
func EnsureUser(ctx context.Context, dir store.UserDirectory, userID string) error {
	_, err := dir.GetUser(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	now := time.Now()
	return dir.UpsertUser(ctx, &domain.User{
		UserID:    userID,
		Username:  userID,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
