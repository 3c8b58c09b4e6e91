// Package model holds the reshaped client-count types shared by the CLI, TUI
// and daemon.
package model

import (
	"encoding/json"
	"time"
)

// Counts is the normalized client-count triple.
type Counts struct {
	Clients          int64 `json:"clients" yaml:"clients"`
	EntityClients    int64 `json:"entityClients" yaml:"entityClients"`
	NonEntityClients int64 `json:"nonEntityClients" yaml:"nonEntityClients"`
}

// IsZero reports whether every count is zero.
func (c Counts) IsZero() bool {
	return c.Clients == 0 && c.EntityClients == 0 && c.NonEntityClients == 0
}

// Add returns the element-wise sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Clients:          c.Clients + o.Clients,
		EntityClients:    c.EntityClients + o.EntityClients,
		NonEntityClients: c.NonEntityClients + o.NonEntityClients,
	}
}

// Sub returns the element-wise difference c - o.
func (c Counts) Sub(o Counts) Counts {
	return Counts{
		Clients:          c.Clients - o.Clients,
		EntityClients:    c.EntityClients - o.EntityClients,
		NonEntityClients: c.NonEntityClients - o.NonEntityClients,
	}
}

// NewClients holds the new-client counts matched to a namespace or mount for
// one month. When no match exists the zero value is used, and it serializes
// as an empty object.
type NewClients struct {
	Month  string
	Counts Counts
	Found  bool
}

type newClientsJSON struct {
	Month string `json:"month" yaml:"month"`
	Counts `yaml:",inline"`
}

// MarshalJSON implements json.Marshaler.
func (n NewClients) MarshalJSON() ([]byte, error) {
	if !n.Found {
		return []byte("{}"), nil
	}
	return json.Marshal(newClientsJSON{Month: n.Month, Counts: n.Counts})
}

// UnmarshalJSON implements json.Unmarshaler. An object without a month
// decodes to the zero value.
func (n *NewClients) UnmarshalJSON(b []byte) error {
	var v newClientsJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = NewClients{}
	if v.Month != "" {
		*n = NewClients{Month: v.Month, Counts: v.Counts, Found: true}
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (n NewClients) MarshalYAML() (any, error) {
	if !n.Found {
		return map[string]any{}, nil
	}
	return newClientsJSON{Month: n.Month, Counts: n.Counts}, nil
}

// Mount is one auth method or secret engine within a namespace.
type Mount struct {
	Label  string `json:"label" yaml:"label"`
	Counts `yaml:",inline"`
}

// Namespace is a flattened namespace row with its mounts.
type Namespace struct {
	Label  string  `json:"label" yaml:"label"`
	ID     string  `json:"namespaceId" yaml:"namespaceId"`
	Path   string  `json:"namespacePath" yaml:"namespacePath"`
	Counts `yaml:",inline"`
	Mounts []Mount `json:"mounts" yaml:"mounts"`
}

// MountByKey is a mount's monthly entry inside MonthNamespace.MountsByKey.
type MountByKey struct {
	Month      string     `json:"month" yaml:"month"`
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`
	Label      string     `json:"label" yaml:"label"`
	Counts     `yaml:",inline"`
	NewClients NewClients `json:"newClients" yaml:"newClients"`
}

// MonthNamespace is a namespace's monthly entry inside Month.NamespacesByKey.
type MonthNamespace struct {
	Month       string                `json:"month" yaml:"month"`
	Timestamp   time.Time             `json:"timestamp" yaml:"timestamp"`
	Counts      `yaml:",inline"`
	NewClients  NewClients            `json:"newClients" yaml:"newClients"`
	MountsByKey map[string]MountByKey `json:"mountsByKey" yaml:"mountsByKey"`
}

// MonthNewClients is the new-clients sub-report of a month.
type MonthNewClients struct {
	Month      string      `json:"month" yaml:"month"`
	Timestamp  time.Time   `json:"timestamp" yaml:"timestamp"`
	Counts     `yaml:",inline"`
	Namespaces []Namespace `json:"namespaces" yaml:"namespaces"`
}

// Month is one month of activity, keyed for chart lookups.
type Month struct {
	Month           string                    `json:"month" yaml:"month"`
	Timestamp       time.Time                 `json:"timestamp" yaml:"timestamp"`
	Counts          `yaml:",inline"`
	Namespaces      []Namespace               `json:"namespaces" yaml:"namespaces"`
	NamespacesByKey map[string]MonthNamespace `json:"namespacesByKey" yaml:"namespacesByKey"`
	NewClients      MonthNewClients           `json:"newClients" yaml:"newClients"`

	// HasNewClients is false when the server sent no new-client counts for
	// the month, as opposed to counts of zero.
	HasNewClients bool `json:"-" yaml:"-"`
}

// Snapshot is a reshaped usage report for one query window.
type Snapshot struct {
	StartTime         time.Time   `json:"startTime" yaml:"startTime"`
	EndTime           time.Time   `json:"endTime" yaml:"endTime"`
	ResponseTimestamp time.Time   `json:"responseTimestamp" yaml:"responseTimestamp"`
	Total             Counts      `json:"total" yaml:"total"`
	ByNamespace       []Namespace `json:"byNamespace" yaml:"byNamespace"`
	ByMonth           []Month     `json:"byMonth" yaml:"byMonth"`
}

// Empty returns the explicit empty-state snapshot for a window.
func Empty(start, end time.Time) *Snapshot {
	return &Snapshot{
		StartTime:   start,
		EndTime:     end,
		ByNamespace: []Namespace{},
		ByMonth:     []Month{},
	}
}

// IsEmpty reports whether the snapshot carries no activity at all.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || (s.Total.IsZero() && len(s.ByNamespace) == 0 && len(s.ByMonth) == 0)
}
