package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "presence.test"}

func TestParseRoundTrip(t *testing.T) {
	token, err := Sign(testConfig, "dashboard", []string{ScopeTimeBlocksRead}, time.Minute)
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "dashboard", claims.Subject)
	require.True(t, claims.HasScope(ScopeTimeBlocksRead))
	require.False(t, claims.HasScope(ScopeEventsRead))
}

func TestParseRejectsWrongIssuerAndExpiry(t *testing.T) {
	token, err := Sign(Config{Secret: testConfig.Secret, Issuer: "someone-else"}, "dashboard", nil, time.Minute)
	require.NoError(t, err)
	_, err = Parse(token, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := Sign(testConfig, "dashboard", nil, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestMiddlewareSkipsAndAuthorizes(t *testing.T) {
	var seen error
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Authorize(r, ScopeEventsRead)
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig, SkipUnlessPrefix("/v1/")).Wrap(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, errors.Is(seen, ErrMissingToken))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := Sign(testConfig, "dashboard", []string{ScopeTimeBlocksRead}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.ErrorIs(t, seen, ErrInsufficientScope)
}
