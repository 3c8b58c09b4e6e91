// Package pipeline reshapes raw usage reports into keyed, chart-ready
// structures and derives attribution and summary statistics from them.
package pipeline

import (
	"slices"
	"time"

	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/timeutil"
	"github.com/theirongolddev/vacount/internal/vault"
)

// Raw count field names as sent by the server.
const (
	rawClients          = "clients"
	rawEntityClients    = "entity_clients"
	rawNonEntityClients = "non_entity_clients"
	rawDistinctEntities = "distinct_entities"
	rawNonEntityTokens  = "non_entity_tokens"
)

// Normalized count field names.
const (
	FieldClients          = "clients"
	FieldEntityClients    = "entityClients"
	FieldNonEntityClients = "nonEntityClients"
)

// RootLabel is the display label of the root namespace.
const RootLabel = "root"

// NormalizeCountFields maps a counts record onto the normalized field names.
// Current names win over legacy ones, and every other key is dropped. A
// record carrying neither naming is returned unchanged, which makes the
// function idempotent.
func NormalizeCountFields(fields map[string]int64) map[string]int64 {
	entityKey, nonEntityKey := "", ""
	switch {
	case hasAny(fields, rawEntityClients, rawNonEntityClients):
		entityKey, nonEntityKey = rawEntityClients, rawNonEntityClients
	case hasAny(fields, rawDistinctEntities, rawNonEntityTokens):
		entityKey, nonEntityKey = rawDistinctEntities, rawNonEntityTokens
	default:
		return fields
	}

	entity, nonEntity := fields[entityKey], fields[nonEntityKey]
	clients, ok := fields[rawClients]
	if !ok {
		// Reports predating the clients total only carry the two halves.
		clients = entity + nonEntity
	}
	return map[string]int64{
		FieldClients:          clients,
		FieldEntityClients:    entity,
		FieldNonEntityClients: nonEntity,
	}
}

func hasAny(fields map[string]int64, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

// CountsFromFields reads normalized field names into Counts.
func CountsFromFields(fields map[string]int64) model.Counts {
	return model.Counts{
		Clients:          fields[FieldClients],
		EntityClients:    fields[FieldEntityClients],
		NonEntityClients: fields[FieldNonEntityClients],
	}
}

// FlattenCounts lifts a node's counts object to the normalized triple. An
// absent counts object yields zero counts.
func FlattenCounts(raw vault.RawCounts) model.Counts {
	if raw == nil {
		return model.Counts{}
	}
	return CountsFromFields(NormalizeCountFields(raw))
}

// NamespaceLabel returns the display label for a namespace entry.
func NamespaceLabel(id, path string) string {
	if id == RootLabel && path == "" {
		return RootLabel
	}
	return path
}

// ReshapeNamespaces flattens a namespace list. A nil list is passed through
// as nil; a namespace without a mount list gets an empty one.
func ReshapeNamespaces(namespaces []vault.RawNamespace) []model.Namespace {
	if namespaces == nil {
		return nil
	}
	out := make([]model.Namespace, 0, len(namespaces))
	for _, ns := range namespaces {
		mounts := make([]model.Mount, 0, len(ns.Mounts))
		for _, m := range ns.Mounts {
			mounts = append(mounts, model.Mount{
				Label:  m.Label(),
				Counts: FlattenCounts(m.Counts),
			})
		}
		out = append(out, model.Namespace{
			Label:  NamespaceLabel(ns.NamespaceID, ns.NamespacePath),
			ID:     ns.NamespaceID,
			Path:   ns.NamespacePath,
			Counts: FlattenCounts(ns.Counts),
			Mounts: mounts,
		})
	}
	return out
}

// ReshapeMonths sorts months ascending by timestamp and reshapes each one,
// merging its new-client sub-report into every namespace and mount by label.
// A nil list is passed through as nil.
func ReshapeMonths(months []vault.RawMonth) []model.Month {
	if months == nil {
		return nil
	}

	type stamped struct {
		raw vault.RawMonth
		ts  time.Time
		ok  bool
	}
	sorted := make([]stamped, len(months))
	for i, m := range months {
		ts, ok := timeutil.ParseAPITimestamp(m.Timestamp)
		sorted[i] = stamped{raw: m, ts: ts, ok: ok}
	}
	// Unparseable timestamps sort last, keeping their input order.
	slices.SortStableFunc(sorted, func(a, b stamped) int {
		switch {
		case a.ok && b.ok:
			return a.ts.Compare(b.ts)
		case a.ok:
			return -1
		case b.ok:
			return 1
		}
		return 0
	})

	out := make([]model.Month, 0, len(sorted))
	for _, s := range sorted {
		out = append(out, reshapeMonth(s.raw, s.ts))
	}
	return out
}

func reshapeMonth(m vault.RawMonth, ts time.Time) model.Month {
	label := timeutil.FormatMonth(ts)

	total := ReshapeNamespaces(m.Namespaces)
	if total == nil {
		total = []model.Namespace{}
	}

	var newCounts model.Counts
	var newNamespaces []model.Namespace
	hasNew := m.NewClients != nil && m.NewClients.Counts != nil
	if m.NewClients != nil {
		newCounts = FlattenCounts(m.NewClients.Counts)
		newNamespaces = ReshapeNamespaces(m.NewClients.Namespaces)
	}
	if newNamespaces == nil {
		newNamespaces = []model.Namespace{}
	}

	return model.Month{
		Month:           label,
		Timestamp:       ts,
		Counts:          FlattenCounts(m.Counts),
		Namespaces:      total,
		NamespacesByKey: namespacesByKey(total, newNamespaces, label, ts),
		NewClients: model.MonthNewClients{
			Month:      label,
			Timestamp:  ts,
			Counts:     newCounts,
			Namespaces: newNamespaces,
		},
		HasNewClients: hasNew,
	}
}

// namespacesByKey indexes a month's namespaces by label, attaching the
// matching new-client records. Matching is by label, never by position.
func namespacesByKey(total, fresh []model.Namespace, month string, ts time.Time) map[string]model.MonthNamespace {
	freshByLabel := make(map[string]model.Namespace, len(fresh))
	for _, ns := range fresh {
		if _, dup := freshByLabel[ns.Label]; !dup {
			freshByLabel[ns.Label] = ns
		}
	}

	out := make(map[string]model.MonthNamespace, len(total))
	for _, ns := range total {
		entry := model.MonthNamespace{
			Month:       month,
			Timestamp:   ts,
			Counts:      ns.Counts,
			MountsByKey: make(map[string]model.MountByKey, len(ns.Mounts)),
		}

		newNS, found := freshByLabel[ns.Label]
		if found {
			entry.NewClients = model.NewClients{Month: month, Counts: newNS.Counts, Found: true}
		}
		newMounts := make(map[string]model.Counts, len(newNS.Mounts))
		for _, m := range newNS.Mounts {
			if _, dup := newMounts[m.Label]; !dup {
				newMounts[m.Label] = m.Counts
			}
		}

		for _, m := range ns.Mounts {
			mb := model.MountByKey{
				Month:     month,
				Timestamp: ts,
				Label:     m.Label,
				Counts:    m.Counts,
			}
			if c, ok := newMounts[m.Label]; ok {
				mb.NewClients = model.NewClients{Month: month, Counts: c, Found: true}
			}
			entry.MountsByKey[m.Label] = mb
		}
		out[ns.Label] = entry
	}
	return out
}

// ReshapeSnapshot converts a raw activity response into a Snapshot. Absent
// lists become empty ones so callers can range without nil checks.
func ReshapeSnapshot(resp *vault.ActivityResponse) *model.Snapshot {
	if resp == nil {
		return nil
	}
	start, _ := timeutil.ParseAPITimestamp(resp.StartTime)
	end, _ := timeutil.ParseAPITimestamp(resp.EndTime)

	snap := model.Empty(start, end)
	snap.ResponseTimestamp = resp.ResponseTimestamp
	snap.Total = FlattenCounts(resp.Total)
	if ns := ReshapeNamespaces(resp.ByNamespace); ns != nil {
		snap.ByNamespace = ns
	}
	if months := ReshapeMonths(resp.Months); months != nil {
		snap.ByMonth = months
	}
	return snap
}
