package vault

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const activityBody = `{
  "request_id": "r1",
  "data": {
    "start_time": "2022-03-01T00:00:00Z",
    "end_time": "2022-04-30T23:59:59Z",
    "total": {"clients": 32, "entity_clients": 16, "non_entity_clients": 16, "distinct_entities": 16, "non_entity_tokens": 16},
    "by_namespace": [
      {"namespace_id": "root", "namespace_path": "", "counts": {"clients": 32, "entity_clients": 16, "non_entity_clients": 16},
       "mounts": [{"mount_path": "auth/up2/", "counts": {"clients": 32, "entity_clients": 16, "non_entity_clients": 16}}]}
    ],
    "months": [
      {"timestamp": "2022-04-01T00:00:00Z", "counts": null, "namespaces": null, "new_clients": null},
      {"timestamp": "2022-03-01T00:00:00Z", "counts": {"clients": 32, "entity_clients": 16, "non_entity_clients": 16}, "namespaces": []}
    ]
  },
  "warnings": ["partial month"]
}`

func newTestClient(t *testing.T, h http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := NewSession(srv.URL, "s.token", "team-a")
	require.NoError(t, err)
	return NewClient(s, opts)
}

func TestFetchActivity(t *testing.T) {
	var gotPath, gotToken, gotNS, gotStart string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Vault-Token")
		gotNS = r.Header.Get("X-Vault-Namespace")
		gotStart = r.URL.Query().Get("start_time")
		_, _ = w.Write([]byte(activityBody))
	}, Options{})

	start := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	resp, err := c.FetchActivity(context.Background(), Query{Start: start})
	require.NoError(t, err)

	assert.Equal(t, "/v1/sys/internal/counters/activity", gotPath)
	assert.Equal(t, "s.token", gotToken)
	assert.Equal(t, "team-a", gotNS)
	assert.Equal(t, "2022-03-01T00:00:00Z", gotStart)

	assert.Equal(t, int64(32), resp.Total["clients"])
	require.Len(t, resp.ByNamespace, 1)
	assert.Equal(t, "auth/up2/", resp.ByNamespace[0].Mounts[0].Label())
	require.Len(t, resp.Months, 2)
	assert.Nil(t, resp.Months[0].Counts)
	assert.Nil(t, resp.Months[0].Namespaces)
	assert.False(t, resp.ResponseTimestamp.IsZero())
}

func TestFetchActivityNamespaceOverride(t *testing.T) {
	var gotNS string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotNS = r.Header.Get("X-Vault-Namespace")
		_, _ = w.Write([]byte(activityBody))
	}, Options{})

	_, err := c.FetchActivity(context.Background(), Query{Namespace: "/team-b/"})
	require.NoError(t, err)
	assert.Equal(t, "team-b", gotNS)
}

func TestFetchMonthlyTopLevelTotals(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"clients": 7, "entity_clients": 3, "non_entity_clients": 4,
			"by_namespace": [], "months": []}}`))
	}, Options{})

	resp, err := c.FetchMonthly(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, RawCounts{"clients": 7, "entity_clients": 3, "non_entity_clients": 4}, resp.Total)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"no content", http.StatusNoContent, "", ErrNoData},
		{"unauthorized", http.StatusUnauthorized, `{"errors":["missing client token"]}`, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, `{"errors":["1 error occurred:\n\t* permission denied\n\n"]}`, ErrPermissionDenied},
		{"rate limited", http.StatusTooManyRequests, `{"errors":["request path rate limited"]}`, ErrRateLimited},
		{"no data message", http.StatusBadRequest, `{"errors":["no data for this time range"]}`, ErrNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, Options{})
			_, err := c.FetchActivity(context.Background(), Query{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAPIErrorMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors":["local node not active but active cluster node not found"]}`))
	}, Options{})

	_, err := c.FetchCountersConfig(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, []string{"local node not active but active cluster node not found"}, apiErr.Errors)
	assert.Contains(t, err.Error(), "counters-config")
}

func TestControlGroupResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": null, "wrap_info": {"token": "s.wrap", "accessor": "acc1",
			"ttl": 86400, "creation_time": "2022-03-01T00:00:00Z", "creation_path": "sys/internal/counters/activity"}}`))
	}, Options{})

	_, err := c.FetchActivity(context.Background(), Query{})
	var cg *ControlGroupError
	require.ErrorAs(t, err, &cg)
	assert.Equal(t, "acc1", cg.WrapInfo.Accessor)
	assert.Equal(t, "s.wrap", cg.WrapInfo.Token)
}

func TestUnwrapUsesWrapToken(t *testing.T) {
	var gotToken string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Vault-Token")
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"data": {"clients": 1}}`))
	}, Options{})

	res, err := c.Unwrap(context.Background(), "s.wrap")
	require.NoError(t, err)
	assert.Equal(t, "s.wrap", gotToken)
	assert.JSONEq(t, `{"clients": 1}`, string(res.Data))
}

func TestOIDCRequestsAreAnonymous(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Vault-Token"))
		switch r.URL.Path {
		case "/v1/auth/oidc/oidc/auth_url":
			_, _ = w.Write([]byte(`{"data": {"auth_url": "https://idp.example/authorize?x=1"}}`))
		case "/v1/auth/oidc/oidc/callback":
			assert.Equal(t, "abc", r.URL.Query().Get("code"))
			_, _ = w.Write([]byte(`{"auth": {"client_token": "s.new", "policies": ["default"]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, Options{})

	u, err := c.OIDCAuthURL(context.Background(), "oidc", "reader", "http://localhost:8250/oidc/callback", "n1")
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example/authorize?x=1", u)

	auth, err := c.OIDCCallback(context.Background(), "oidc/", "st", "abc", "n1")
	require.NoError(t, err)
	assert.Equal(t, "s.new", auth.ClientToken)
}

func TestCircuitBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, Options{BreakerFailures: 2, BreakerCooldown: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := c.FetchCountersConfig(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBreakerOpen)
	}
	_, err := c.FetchCountersConfig(context.Background())
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestBreakerIgnoresNoData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, Options{BreakerFailures: 1, BreakerCooldown: time.Hour})

	for i := 0; i < 3; i++ {
		_, err := c.FetchActivity(context.Background(), Query{})
		assert.ErrorIs(t, err, ErrNoData)
	}
}

func TestClosedSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent on closed session")
	}, Options{})
	c.Session().Close()

	_, err := c.FetchActivity(context.Background(), Query{})
	assert.True(t, errors.Is(err, ErrSessionClosed))
	assert.Empty(t, c.Session().Token())
}

func TestRateLimiterHonorsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"enabled": "enable"}}`))
	}, Options{RequestsPerSecond: 0.001, Burst: 1})

	_, err := c.FetchCountersConfig(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.FetchCountersConfig(ctx)
	assert.Error(t, err)
}
