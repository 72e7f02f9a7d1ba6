package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealforge/sentinel/internal/model"
	"github.com/mealforge/sentinel/internal/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, ratelimit.Rule, string) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("backend down")
}

func (brokenLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
}

func TestMiddlewareRejectsOverBudget(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer func() { _ = limiter.Close() }()

	rule := ratelimit.Rule{Prefix: "ingest", Limit: 2, Window: time.Minute}
	h := ratelimit.Middleware(limiter, rule, ratelimit.IPKeyFunc, func(*http.Request) string { return "req-1" })(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/metrics", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/metrics", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	rule := ratelimit.Rule{Prefix: "ingest", Limit: 1, Window: time.Minute}
	h := ratelimit.Middleware(brokenLimiter{}, rule, ratelimit.IPKeyFunc, nil)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/metrics", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer func() { _ = limiter.Close() }()
	rule := ratelimit.Rule{Prefix: "ingest", Limit: 1, Window: time.Minute}
	h := ratelimit.Middleware(limiter, rule, func(*http.Request) string { return "" }, nil)(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/metrics", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", ratelimit.IPKeyFunc(r))
}
