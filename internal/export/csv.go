// Package export writes reshaped usage snapshots as CSV, JSON or YAML.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/timeutil"
)

// AllMounts is the authentication-method column value of namespace rows.
const AllMounts = "*"

var (
	baseHeader = []string{
		"Namespace path",
		"Authentication method",
		"Total clients",
		"Entity clients",
		"Non-entity clients",
	}
	newHeader = []string{
		"Total new clients",
		"New entity clients",
		"New non-entity clients",
	}
)

// CSVOptions selects what WriteCSV emits.
type CSVOptions struct {
	// Namespace, when set, emits one row per mount of that namespace
	// instead of the namespace-then-mounts listing.
	Namespace string
}

// NewAttribution returns the new-client namespace list that can be paired
// with the snapshot's totals. New-client attribution is only meaningful when
// the snapshot covers a single month.
func NewAttribution(snap *model.Snapshot) ([]model.Namespace, bool) {
	if snap == nil || len(snap.ByMonth) != 1 || !snap.ByMonth[0].HasNewClients {
		return nil, false
	}
	return snap.ByMonth[0].NewClients.Namespaces, true
}

// WriteCSV writes the attribution table of snap. It returns an error if
// opts.Namespace names a namespace that is not in the snapshot.
func WriteCSV(w io.Writer, snap *model.Snapshot, opts CSVOptions) error {
	if snap == nil {
		snap = &model.Snapshot{}
	}
	var scoped model.Namespace
	if opts.Namespace != "" {
		ns, ok := pipeline.FindNamespace(snap, opts.Namespace)
		if !ok {
			return fmt.Errorf("namespace %q not found in report", opts.Namespace)
		}
		scoped = ns
	}

	newNS, hasNew := NewAttribution(snap)
	newByLabel := make(map[string]model.Namespace, len(newNS))
	for _, ns := range newNS {
		newByLabel[ns.Label] = ns
	}

	header := append([]string{}, baseHeader...)
	if hasNew {
		header = append(header, newHeader...)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}

	if opts.Namespace != "" {
		ns := scoped
		newMounts := mountIndex(newByLabel[ns.Label])
		for _, m := range ns.Mounts {
			nm, found := newMounts[m.Label]
			if err := cw.Write(row(ns.Label, m.Label, m.Counts, nm, hasNew && found, hasNew)); err != nil {
				return err
			}
		}
	} else {
		for _, ns := range snap.ByNamespace {
			newNs, found := newByLabel[ns.Label]
			if err := cw.Write(row(ns.Label, AllMounts, ns.Counts, newNs.Counts, hasNew && found, hasNew)); err != nil {
				return err
			}
			newMounts := mountIndex(newNs)
			for _, m := range ns.Mounts {
				nm, mFound := newMounts[m.Label]
				if err := cw.Write(row(ns.Label, m.Label, m.Counts, nm, hasNew && mFound, hasNew)); err != nil {
					return err
				}
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func mountIndex(ns model.Namespace) map[string]model.Counts {
	out := make(map[string]model.Counts, len(ns.Mounts))
	for _, m := range ns.Mounts {
		out[m.Label] = m.Counts
	}
	return out
}

// row builds one record. When the header carries new-client columns but the
// entity has no new-client match, those columns are left empty.
func row(namespace, mount string, total, fresh model.Counts, found, withNew bool) []string {
	r := []string{namespace, mount, itoa(total.Clients), itoa(total.EntityClients), itoa(total.NonEntityClients)}
	if !withNew {
		return r
	}
	if !found {
		return append(r, "", "", "")
	}
	return append(r, itoa(fresh.Clients), itoa(fresh.EntityClients), itoa(fresh.NonEntityClients))
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// FileName returns the export file name for a window, e.g.
// "clients_by_namespace_01-22-03-22.csv". A namespace-scoped export is named
// by auth method.
func FileName(start, end time.Time, namespace string) string {
	prefix := "clients_by_namespace"
	if namespace != "" {
		prefix = "clients_by_auth_method"
	}
	return prefix + "_" + timeutil.FileRange(start, end) + ".csv"
}
