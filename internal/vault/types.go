package vault

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// List decodes a JSON array leniently: any value that is not an array
// (null, a string, an object) decodes to a nil slice, and elements that do
// not decode as T are skipped, instead of failing the whole response.
type List[T any] []T

// UnmarshalJSON implements json.Unmarshaler.
func (l *List[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		*l = nil
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	items := make([]T, 0, len(raw))
	for _, elem := range raw {
		var item T
		if err := json.Unmarshal(elem, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	*l = items
	return nil
}

// RawCounts is a counts object as sent by the server, keyed by the server's
// field names. Legacy and current names may both appear.
type RawCounts map[string]int64

// UnmarshalJSON keeps only numeric members. Integers, floats and numeric
// strings are accepted; anything else is dropped.
func (c *RawCounts) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		*c = nil
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	out := make(RawCounts, len(fields))
	for k, raw := range fields {
		if v, ok := parseCount(raw); ok {
			out[k] = v
		}
	}
	*c = out
	return nil
}

// parseCount defensively parses a polymorphic count value.
func parseCount(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(math.Round(f)), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// RawMount is a mount entry inside a namespace.
type RawMount struct {
	MountPath string    `json:"mount_path"`
	Path      string    `json:"path"`
	Counts    RawCounts `json:"counts"`
}

// Label returns the mount's display label.
func (m RawMount) Label() string {
	if m.MountPath != "" {
		return m.MountPath
	}
	return m.Path
}

// RawNamespace is a namespace entry of by_namespace or of a month.
type RawNamespace struct {
	NamespaceID   string         `json:"namespace_id"`
	NamespacePath string         `json:"namespace_path"`
	Counts        RawCounts      `json:"counts"`
	Mounts        List[RawMount] `json:"mounts"`
}

// RawNewClients is the new_clients mirror of a month.
type RawNewClients struct {
	Counts     RawCounts          `json:"counts"`
	Namespaces List[RawNamespace] `json:"namespaces"`
}

// RawMonth is one entry of months.
type RawMonth struct {
	Timestamp  string             `json:"timestamp"`
	Counts     RawCounts          `json:"counts"`
	Namespaces List[RawNamespace] `json:"namespaces"`
	NewClients *RawNewClients     `json:"new_clients"`
}

// ActivityResponse is the data block of the activity and monthly endpoints.
// The monthly endpoint reports its totals at the top level rather than under
// total, so Total is filled from either.
type ActivityResponse struct {
	StartTime   string             `json:"start_time"`
	EndTime     string             `json:"end_time"`
	Total       RawCounts          `json:"total"`
	ByNamespace List[RawNamespace] `json:"by_namespace"`
	Months      List[RawMonth]     `json:"months"`

	// ResponseTimestamp is set by the client when the response arrives.
	ResponseTimestamp time.Time `json:"-"`
}

// CountersConfig is the activity-tracking configuration.
type CountersConfig struct {
	Enabled             string `json:"enabled"`
	DefaultReportMonths int    `json:"default_report_months"`
	RetentionMonths     int    `json:"retention_months"`
	QueriesAvailable    bool   `json:"queries_available"`
	ReportingEnabled    bool   `json:"reporting_enabled"`
}

// TrackingEnabled reports whether the server is collecting client counts.
func (c CountersConfig) TrackingEnabled() bool {
	return c.Enabled == "enable" || c.Enabled == "default-enable" || c.Enabled == "default-enabled"
}

// VersionInfo describes one installed server version.
type VersionInfo struct {
	Version          string `json:"-"`
	PreviousVersion  string `json:"previous_version"`
	TimestampInstall string `json:"timestamp_installed"`
	BuildDate        string `json:"build_date"`
}

// VersionHistory is the server's upgrade history, oldest first.
type VersionHistory struct {
	Keys    List[string]           `json:"keys"`
	KeyInfo map[string]VersionInfo `json:"key_info"`
}

// Versions returns the history as a slice ordered like Keys.
func (h VersionHistory) Versions() []VersionInfo {
	out := make([]VersionInfo, 0, len(h.Keys))
	for _, k := range h.Keys {
		info := h.KeyInfo[k]
		info.Version = k
		out = append(out, info)
	}
	return out
}

// WrapInfo is the response-wrapping block returned for control-group
// protected requests.
type WrapInfo struct {
	Token           string `json:"token"`
	Accessor        string `json:"accessor"`
	TTL             int    `json:"ttl"`
	CreationTime    string `json:"creation_time"`
	CreationPath    string `json:"creation_path"`
	WrappedAccessor string `json:"wrapped_accessor,omitempty"`
}

// ControlGroupStatus is the state of a control-group request.
type ControlGroupStatus struct {
	Approved       bool         `json:"approved"`
	RequestPath    string       `json:"request_path"`
	RequestEntity  Entity       `json:"request_entity"`
	Authorizations List[Entity] `json:"authorizations"`
}

// Entity identifies an identity entity.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Auth is the auth block of a login response.
type Auth struct {
	ClientToken   string       `json:"client_token"`
	Accessor      string       `json:"accessor"`
	Policies      List[string] `json:"policies"`
	LeaseDuration int          `json:"lease_duration"`
	Renewable     bool         `json:"renewable"`
}

// TokenInfo is the data block of a token self-lookup.
type TokenInfo struct {
	DisplayName string       `json:"display_name"`
	Policies    List[string] `json:"policies"`
	TTL         int          `json:"ttl"`
	ExpireTime  string       `json:"expire_time"`
}

// envelope is the common response wrapper.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Auth     *Auth           `json:"auth"`
	WrapInfo *WrapInfo       `json:"wrap_info"`
	Warnings List[string]    `json:"warnings"`
}
