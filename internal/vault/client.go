// Package vault provides a client for the server's client-count, control-group
// and OIDC endpoints.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/theirongolddev/vacount/internal/timeutil"
)

const (
	requestTimeout = 30 * time.Second
	maxBodySize    = 8 << 20 // 8 MB
	userAgent      = "vacount/1.0"
)

// Options tunes a Client. The zero value is usable.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration

	// RequestsPerSecond throttles outgoing requests; 0 disables throttling.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures trips the circuit breaker after that many consecutive
	// transport or server failures; 0 disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	Logger *zap.Logger
}

// Client performs authenticated requests against one Session.
type Client struct {
	session *Session
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
	now     func() time.Time
}

// NewClient creates a client bound to s.
func NewClient(s *Session, opts Options) *Client {
	c := &Client{
		session: s,
		http:    opts.HTTPClient,
		timeout: opts.Timeout,
		log:     opts.Logger,
		now:     time.Now,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = requestTimeout
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if opts.BreakerFailures > 0 {
		cooldown := opts.BreakerCooldown
		if cooldown <= 0 {
			cooldown = time.Minute
		}
		failures := opts.BreakerFailures
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "vault:" + s.Addr(),
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: reachedServer,
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.log.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return c
}

// Session returns the session the client is bound to.
func (c *Client) Session() *Session { return c.session }

// Query selects an activity window. Zero bounds let the server apply its
// default billing period. Namespace overrides the session namespace.
type Query struct {
	Start     time.Time
	End       time.Time
	Namespace string
}

// Key identifies the query for caching.
func (q Query) Key(addr string) string {
	return fmt.Sprintf("%s|%s|%s|%s", addr, normalizeNamespace(q.Namespace),
		formatBound(q.Start), formatBound(q.End))
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return timeutil.FormatAPITimestamp(t)
}

// FetchActivity returns the raw usage report for the query window.
func (c *Client) FetchActivity(ctx context.Context, q Query) (*ActivityResponse, error) {
	query := url.Values{}
	if !q.Start.IsZero() {
		query.Set("start_time", timeutil.FormatAPITimestamp(q.Start))
	}
	if !q.End.IsZero() {
		query.Set("end_time", timeutil.FormatAPITimestamp(q.End))
	}
	env, err := c.do(ctx, request{endpoint: EndpointActivity, query: query, namespace: q.Namespace})
	if err != nil {
		return nil, err
	}
	return c.decodeActivity(EndpointActivity, env.Data)
}

// FetchMonthly returns the partial report for the current month.
func (c *Client) FetchMonthly(ctx context.Context, namespace string) (*ActivityResponse, error) {
	env, err := c.do(ctx, request{endpoint: EndpointActivityMonthly, namespace: namespace})
	if err != nil {
		return nil, err
	}
	return c.decodeActivity(EndpointActivityMonthly, env.Data)
}

func (c *Client) decodeActivity(ep Endpoint, data json.RawMessage) (*ActivityResponse, error) {
	if isNull(data) {
		return nil, ErrNoData
	}
	var resp ActivityResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("vault: parsing %s: %w", ep, err)
	}
	if resp.Total == nil {
		var top RawCounts
		if err := json.Unmarshal(data, &top); err == nil && len(top) > 0 {
			resp.Total = top
		}
	}
	resp.ResponseTimestamp = c.now().UTC()
	return &resp, nil
}

// FetchCountersConfig returns the activity-tracking configuration.
func (c *Client) FetchCountersConfig(ctx context.Context) (*CountersConfig, error) {
	env, err := c.do(ctx, request{endpoint: EndpointCountersConfig})
	if err != nil {
		return nil, err
	}
	var cfg CountersConfig
	if err := json.Unmarshal(env.Data, &cfg); err != nil {
		return nil, fmt.Errorf("vault: parsing counters config: %w", err)
	}
	return &cfg, nil
}

// FetchVersionHistory returns the server's upgrade history.
func (c *Client) FetchVersionHistory(ctx context.Context) (*VersionHistory, error) {
	env, err := c.do(ctx, request{
		endpoint: EndpointVersionHistory,
		query:    url.Values{"list": []string{"true"}},
	})
	if err != nil {
		return nil, err
	}
	var h VersionHistory
	if err := json.Unmarshal(env.Data, &h); err != nil {
		return nil, fmt.Errorf("vault: parsing version history: %w", err)
	}
	return &h, nil
}

// LookupSelf returns information about the session token.
func (c *Client) LookupSelf(ctx context.Context) (*TokenInfo, error) {
	env, err := c.do(ctx, request{endpoint: EndpointTokenLookupSelf})
	if err != nil {
		return nil, err
	}
	var info TokenInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return nil, fmt.Errorf("vault: parsing token lookup: %w", err)
	}
	return &info, nil
}

// ControlGroupRequest returns the authorization state of a control-group
// request identified by its wrapping accessor.
func (c *Client) ControlGroupRequest(ctx context.Context, accessor string) (*ControlGroupStatus, error) {
	env, err := c.do(ctx, request{
		endpoint: EndpointControlGroupRequest,
		body:     map[string]string{"accessor": accessor},
	})
	if err != nil {
		return nil, err
	}
	var st ControlGroupStatus
	if err := json.Unmarshal(env.Data, &st); err != nil {
		return nil, fmt.Errorf("vault: parsing control group status: %w", err)
	}
	return &st, nil
}

// UnwrapResult is the unwrapped response of a wrapping token.
type UnwrapResult struct {
	Data json.RawMessage
	Auth *Auth
}

// Unwrap exchanges a wrapping token for the response it wraps.
func (c *Client) Unwrap(ctx context.Context, wrapToken string) (*UnwrapResult, error) {
	env, err := c.do(ctx, request{endpoint: EndpointUnwrap, token: wrapToken})
	if err != nil {
		return nil, err
	}
	return &UnwrapResult{Data: env.Data, Auth: env.Auth}, nil
}

// OIDCAuthURL asks the auth mount for the provider's authorization URL.
func (c *Client) OIDCAuthURL(ctx context.Context, mount, role, redirectURI, nonce string) (string, error) {
	env, err := c.do(ctx, request{
		endpoint: EndpointOIDCAuthURL,
		params:   map[string]string{"mount": mount},
		body: map[string]string{
			"role":         role,
			"redirect_uri": redirectURI,
			"client_nonce": nonce,
		},
		anonymous: true,
	})
	if err != nil {
		return "", err
	}
	var data struct {
		AuthURL string `json:"auth_url"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("vault: parsing oidc auth url: %w", err)
	}
	if data.AuthURL == "" {
		return "", fmt.Errorf("vault: empty oidc auth url (check role %q allows redirect %s)", role, redirectURI)
	}
	return data.AuthURL, nil
}

// OIDCCallback exchanges the provider's authorization code for a token.
func (c *Client) OIDCCallback(ctx context.Context, mount, state, code, nonce string) (*Auth, error) {
	env, err := c.do(ctx, request{
		endpoint: EndpointOIDCCallback,
		params:   map[string]string{"mount": mount},
		query: url.Values{
			"state":        []string{state},
			"code":         []string{code},
			"client_nonce": []string{nonce},
		},
		anonymous: true,
	})
	if err != nil {
		return nil, err
	}
	if env.Auth == nil || env.Auth.ClientToken == "" {
		return nil, errors.New("vault: oidc callback returned no token")
	}
	return env.Auth, nil
}

type request struct {
	endpoint  Endpoint
	params    map[string]string
	query     url.Values
	body      any
	token     string // overrides the session token
	namespace string // overrides the session namespace
	anonymous bool   // send no token
}

func (c *Client) do(ctx context.Context, r request) (*envelope, error) {
	if c.session.Closed() {
		return nil, ErrSessionClosed
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("vault: %s: waiting for rate limiter: %w", r.endpoint, err)
		}
	}
	if c.breaker == nil {
		return c.send(ctx, r)
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, r)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, r.endpoint)
	}
	if err != nil {
		return nil, err
	}
	return v.(*envelope), nil
}

// send performs one request and maps the response status to errors.
func (c *Client) send(ctx context.Context, r request) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	path, err := r.endpoint.Path(r.params)
	if err != nil {
		return nil, err
	}
	u := c.session.Addr() + "/v1/" + path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("vault: encoding %s body: %w", r.endpoint, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.endpoint.Method(), u, body)
	if err != nil {
		return nil, fmt.Errorf("vault: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Vault-Request", "true")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := r.token
	if token == "" && !r.anonymous {
		token = c.session.Token()
	}
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}
	ns := c.session.Namespace()
	if r.namespace != "" {
		ns = normalizeNamespace(r.namespace)
	}
	if ns != "" {
		req.Header.Set("X-Vault-Namespace", ns)
	}

	start := time.Now()
	//nolint:gosec // URL is built from the configured server address
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault: %s: request failed: %w", r.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("vault: %s: reading response: %w", r.endpoint, err)
	}
	c.log.Debug("vault request",
		zap.Stringer("endpoint", r.endpoint),
		zap.String("namespace", ns),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoData
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(r.endpoint, resp.StatusCode, raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("vault: %s: parsing response: %w", r.endpoint, err)
	}
	for _, w := range env.Warnings {
		c.log.Debug("vault warning", zap.Stringer("endpoint", r.endpoint), zap.String("warning", w))
	}
	if env.WrapInfo != nil && r.endpoint != EndpointUnwrap && isNull(env.Data) && env.Auth == nil {
		return nil, &ControlGroupError{Endpoint: r.endpoint, WrapInfo: *env.WrapInfo}
	}
	return &env, nil
}

func statusError(ep Endpoint, status int, body []byte) error {
	e := &APIError{Endpoint: ep, StatusCode: status, Errors: parseErrorMessages(body)}
	switch {
	case isNoDataMessage(e.Errors):
		e.sentinel = ErrNoData
	case status == http.StatusUnauthorized:
		e.sentinel = ErrUnauthorized
	case status == http.StatusForbidden:
		e.sentinel = ErrPermissionDenied
	case status == http.StatusTooManyRequests:
		e.sentinel = ErrRateLimited
	}
	return e
}

// reachedServer reports whether err means the server answered sensibly, so
// the breaker only counts transport failures and server errors.
func reachedServer(err error) bool {
	if err == nil {
		return true
	}
	var cg *ControlGroupError
	return errors.Is(err, ErrNoData) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.As(err, &cg)
}

func isNull(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}
