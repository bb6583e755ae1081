package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret}, nil)
	require.NoError(t, err)
	return a
}

func TestAuthenticatorStoresIdentity(t *testing.T) {
	a := newAuth(t)
	token, err := IssueToken(testSecret, "payer-1", []string{"invoices:write"}, time.Hour, time.Now())
	require.NoError(t, err)

	var got Identity
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		got = id
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/invoices/inv-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "payer-1", got.UserID)
	require.True(t, got.HasScope("invoices:write"))
	require.False(t, got.HasScope(ScopeOperator))
}

func TestAuthenticatorRejections(t *testing.T) {
	a := newAuth(t)
	h := a.Middleware(ScopeOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	expired, err := IssueToken(testSecret, "op", []string{ScopeOperator}, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	forged, err := IssueToken("other", "op", []string{ScopeOperator}, time.Hour, time.Now())
	require.NoError(t, err)
	noScope, err := IssueToken(testSecret, "user", nil, time.Hour, time.Now())
	require.NoError(t, err)
	anonymous, err := IssueToken(testSecret, "", []string{ScopeOperator}, time.Hour, time.Now())
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"forged", "Bearer " + forged, http.StatusUnauthorized},
		{"no subject", "Bearer " + anonymous, http.StatusUnauthorized},
		{"missing scope", "Bearer " + noScope, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/invoices/inv-1/fail", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotEmpty(t, body["code"])
		})
	}

	_, err = NewAuthenticator(AuthConfig{}, nil)
	require.Error(t, err)
}

func TestRateLimiterPerRouteAndCaller(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(map[string]RateLimit{
		"invoices": {RequestsPerMinute: 60, Burst: 1},
		"callback": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	limiter.clockNow = func() time.Time { return now }
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	invoices := limiter.Middleware("invoices")(ok)
	callback := limiter.Middleware("callback")(ok)
	open := limiter.Middleware("unlimited")(ok)

	call := func(h http.Handler, user string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if user != "" {
			req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: user}))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, call(invoices, "alice"))
	require.Equal(t, http.StatusTooManyRequests, call(invoices, "alice"))
	require.Equal(t, http.StatusOK, call(invoices, "bob"))
	require.Equal(t, http.StatusOK, call(callback, "alice"))
	require.Equal(t, http.StatusOK, call(open, "alice"))
	require.Equal(t, http.StatusOK, call(open, "alice"))

	now = now.Add(time.Second)
	require.Equal(t, http.StatusOK, call(invoices, "alice"))

	now = now.Add(time.Hour)
	require.Equal(t, 3, limiter.Sweep())
}

func TestObservabilityUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewObservability(ObservabilityConfig{MetricsPrefix: "test"}, reg, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(obs.Handler)
	r.Get("/v1/invoices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/invoices/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	require.Equal(t, float64(2), testutil.ToFloat64(obs.requests.WithLabelValues("/v1/invoices/{id}", http.MethodGet, "404")))
}
