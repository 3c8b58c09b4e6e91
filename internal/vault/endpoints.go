package vault

import (
	"fmt"
	"net/http"
	"strings"
)

// Endpoint names one server API route.
type Endpoint int

const (
	EndpointActivity Endpoint = iota
	EndpointActivityMonthly
	EndpointCountersConfig
	EndpointVersionHistory
	EndpointControlGroupRequest
	EndpointUnwrap
	EndpointOIDCAuthURL
	EndpointOIDCCallback
	EndpointTokenLookupSelf
)

type route struct {
	name     string
	method   string
	template string
}

// routes maps each endpoint to its method and path template. Placeholders
// of the form {name} are filled from request params.
var routes = map[Endpoint]route{
	EndpointActivity:            {"activity", http.MethodGet, "sys/internal/counters/activity"},
	EndpointActivityMonthly:     {"activity-monthly", http.MethodGet, "sys/internal/counters/activity/monthly"},
	EndpointCountersConfig:      {"counters-config", http.MethodGet, "sys/internal/counters/config"},
	EndpointVersionHistory:      {"version-history", http.MethodGet, "sys/version-history"},
	EndpointControlGroupRequest: {"control-group-request", http.MethodPost, "sys/control-group/request"},
	EndpointUnwrap:              {"unwrap", http.MethodPost, "sys/wrapping/unwrap"},
	EndpointOIDCAuthURL:         {"oidc-auth-url", http.MethodPost, "auth/{mount}/oidc/auth_url"},
	EndpointOIDCCallback:        {"oidc-callback", http.MethodGet, "auth/{mount}/oidc/callback"},
	EndpointTokenLookupSelf:     {"token-lookup-self", http.MethodGet, "auth/token/lookup-self"},
}

// String returns the endpoint's short name.
func (e Endpoint) String() string {
	if r, ok := routes[e]; ok {
		return r.name
	}
	return fmt.Sprintf("endpoint(%d)", int(e))
}

// Method returns the HTTP method used for the endpoint.
func (e Endpoint) Method() string {
	return routes[e].method
}

// Path expands the endpoint's template with params and returns the API path
// below /v1/.
func (e Endpoint) Path(params map[string]string) (string, error) {
	r, ok := routes[e]
	if !ok {
		return "", fmt.Errorf("vault: unknown endpoint %d", int(e))
	}
	path := r.template
	for {
		open := strings.IndexByte(path, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(path[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("vault: malformed template %q", r.template)
		}
		key := path[open+1 : open+end]
		val := strings.Trim(params[key], "/")
		if val == "" {
			return "", fmt.Errorf("vault: %s: missing path parameter %q", r.name, key)
		}
		path = path[:open] + val + path[open+end+1:]
	}
	return path, nil
}
