package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Skipper allows callers to bypass authentication for specific requests.
type Skipper func(r *http.Request) bool

// Middleware validates bearer tokens on every request the Skipper does not exempt.
type Middleware struct {
	Config  Config
	Skipper Skipper
	// OnError writes the rejection; defaults to a plain 401.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// NewMiddleware constructs a middleware with optional skipper.
func NewMiddleware(cfg Config, skipper Skipper) Middleware {
	return Middleware{Config: cfg, Skipper: skipper}
}

// SkipUnlessPrefix exempts every request whose path lacks one of prefixes.
func SkipUnlessPrefix(prefixes ...string) Skipper {
	return func(r *http.Request) bool {
		for _, prefix := range prefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				return false
			}
		}
		return true
	}
}

// Wrap wraps an http.Handler with authentication.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skipper != nil && m.Skipper(r) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.parseRequest(r)
		if err != nil {
			if m.OnError != nil {
				m.OnError(w, r, err)
				return
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) parseRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return nil, ErrInvalidToken
	}
	return Parse(header[len("Bearer "):], m.Config)
}

// ErrInsufficientScope is returned by Authorize when a scope is missing.
var ErrInsufficientScope = errors.New("insufficient scope")

// Authorize checks that the request context carries claims with scope.
func Authorize(r *http.Request, scope string) error {
	claims, ok := FromContext(r.Context())
	if !ok {
		return ErrMissingToken
	}
	if !claims.HasScope(scope) {
		return ErrInsufficientScope
	}
	return nil
}
