package pipeline

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/timeutil"
	"github.com/theirongolddev/vacount/internal/vault"
)

// TopNamespaces ranks namespaces by total clients. n <= 0 returns all.
func TopNamespaces(snap *model.Snapshot, n int) []model.Attribution {
	if snap == nil {
		return nil
	}
	total := snap.Total.Clients
	if total == 0 {
		for _, ns := range snap.ByNamespace {
			total += ns.Clients
		}
	}
	out := make([]model.Attribution, 0, len(snap.ByNamespace))
	for _, ns := range snap.ByNamespace {
		out = append(out, model.Attribution{
			Label:  ns.Label,
			Counts: ns.Counts,
			Share:  share(ns.Clients, total),
			Mounts: len(ns.Mounts),
		})
	}
	return rank(out, n)
}

// TopMounts ranks a namespace's mounts by total clients. n <= 0 returns all.
func TopMounts(ns model.Namespace, n int) []model.Attribution {
	out := make([]model.Attribution, 0, len(ns.Mounts))
	for _, m := range ns.Mounts {
		out = append(out, model.Attribution{
			Label:  m.Label,
			Counts: m.Counts,
			Share:  share(m.Clients, ns.Clients),
		})
	}
	return rank(out, n)
}

func rank(rows []model.Attribution, n int) []model.Attribution {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Counts.Clients != rows[j].Counts.Clients {
			return rows[i].Counts.Clients > rows[j].Counts.Clients
		}
		return rows[i].Label < rows[j].Label
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

func share(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// FindNamespace returns the namespace with the given label. "" and "/" are
// treated as the root namespace, and a missing trailing slash is tolerated.
func FindNamespace(snap *model.Snapshot, label string) (model.Namespace, bool) {
	if snap == nil {
		return model.Namespace{}, false
	}
	want := canonicalLabel(label)
	for _, ns := range snap.ByNamespace {
		if canonicalLabel(ns.Label) == want {
			return ns, true
		}
	}
	return model.Namespace{}, false
}

func canonicalLabel(label string) string {
	label = strings.Trim(strings.TrimSpace(label), "/")
	if label == "" {
		return RootLabel
	}
	return label
}

// FilterNamespace narrows a snapshot to one namespace: totals, the namespace
// list and every month are rebuilt from that namespace's entries. It reports
// false when the namespace is not in the snapshot.
func FilterNamespace(snap *model.Snapshot, label string) (*model.Snapshot, bool) {
	ns, ok := FindNamespace(snap, label)
	if !ok {
		return nil, false
	}
	out := &model.Snapshot{
		StartTime:         snap.StartTime,
		EndTime:           snap.EndTime,
		ResponseTimestamp: snap.ResponseTimestamp,
		Total:             ns.Counts,
		ByNamespace:       []model.Namespace{ns},
		ByMonth:           make([]model.Month, 0, len(snap.ByMonth)),
	}
	for _, m := range snap.ByMonth {
		fm := model.Month{
			Month:           m.Month,
			Timestamp:       m.Timestamp,
			Namespaces:      filterNamespaces(m.Namespaces, ns.Label),
			NamespacesByKey: map[string]model.MonthNamespace{},
			NewClients: model.MonthNewClients{
				Month:      m.NewClients.Month,
				Timestamp:  m.NewClients.Timestamp,
				Namespaces: filterNamespaces(m.NewClients.Namespaces, ns.Label),
			},
			HasNewClients: m.HasNewClients,
		}
		if entry, ok := m.NamespacesByKey[ns.Label]; ok {
			fm.Counts = entry.Counts
			fm.NewClients.Counts = entry.NewClients.Counts
			fm.NamespacesByKey[ns.Label] = entry
		}
		out.ByMonth = append(out.ByMonth, fm)
	}
	return out, true
}

func filterNamespaces(list []model.Namespace, label string) []model.Namespace {
	out := []model.Namespace{}
	for _, ns := range list {
		if ns.Label == label {
			out = append(out, ns)
		}
	}
	return out
}

// CalculateAverage returns the rounded mean of values, or false for an empty
// slice.
func CalculateAverage(values []int64) (int64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return int64(math.Round(float64(sum) / float64(len(values)))), true
}

// AverageNewClients averages new-client counts across months. Months
// without new-client data count as zero, but if no month reported any the
// result is not ok.
func AverageNewClients(months []model.Month) (model.Counts, bool) {
	reported := false
	clients := make([]int64, 0, len(months))
	entity := make([]int64, 0, len(months))
	nonEntity := make([]int64, 0, len(months))
	for _, m := range months {
		reported = reported || m.HasNewClients
		clients = append(clients, m.NewClients.Clients)
		entity = append(entity, m.NewClients.EntityClients)
		nonEntity = append(nonEntity, m.NewClients.NonEntityClients)
	}
	if !reported {
		return model.Counts{}, false
	}
	var avg model.Counts
	avg.Clients, _ = CalculateAverage(clients)
	avg.EntityClients, _ = CalculateAverage(entity)
	avg.NonEntityClients, _ = CalculateAverage(nonEntity)
	return avg, true
}

// MonthSeries returns per-month totals, new clients and the running total of
// new clients, in month order.
func MonthSeries(months []model.Month) []model.MonthPoint {
	out := make([]model.MonthPoint, 0, len(months))
	var running int64
	for _, m := range months {
		running += m.NewClients.Clients
		out = append(out, model.MonthPoint{
			Label:      m.Month,
			Total:      m.Counts,
			New:        m.NewClients.Counts,
			Cumulative: running,
		})
	}
	return out
}

// Summarize derives headline metrics from a snapshot.
func Summarize(snap *model.Snapshot) model.Summary {
	var s model.Summary
	if snap == nil {
		return s
	}
	s.Total = snap.Total
	s.NamespaceCount = len(snap.ByNamespace)
	s.MonthCount = len(snap.ByMonth)
	for _, ns := range snap.ByNamespace {
		s.MountCount += len(ns.Mounts)
	}
	if avg, ok := AverageNewClients(snap.ByMonth); ok {
		s.HasAverage = true
		s.AvgNewClients = avg.Clients
		s.AvgNewEntity = avg.EntityClients
		s.AvgNewNonEntity = avg.NonEntityClients
	}
	if top := TopNamespaces(snap, 1); len(top) == 1 {
		s.TopNamespace = top[0].Label
		s.TopNamespaceShare = top[0].Share
	}
	return s
}

// countingChanges lists the releases that changed client counting.
var countingChanges = []struct {
	series string
	reason string
}{
	{"1.9", "non-entity token counting changed; earlier months may not be comparable"},
	{"1.10", "mount attribution starts with this release; earlier months have no mount data"},
}

// UpgradeWarnings returns the counting-change upgrades installed inside
// [start, end]. Only the first install of each release series is reported.
func UpgradeWarnings(history []vault.VersionInfo, start, end time.Time) []model.UpgradeWarning {
	var out []model.UpgradeWarning
	for _, change := range countingChanges {
		for _, v := range history {
			if !inSeries(v.Version, change.series) || inSeries(v.PreviousVersion, change.series) {
				continue
			}
			installed, ok := timeutil.ParseAPITimestamp(v.TimestampInstall)
			if !ok {
				break
			}
			if (start.IsZero() || !installed.Before(start)) && (end.IsZero() || !installed.After(end)) {
				out = append(out, model.UpgradeWarning{
					Version:     v.Version,
					InstalledAt: installed.Format("2006-01-02"),
					Reason:      change.reason,
				})
			}
			break
		}
	}
	return out
}

func inSeries(version, series string) bool {
	version = strings.TrimPrefix(version, "v")
	return version == series || strings.HasPrefix(version, series+".")
}
