package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/theirongolddev/vacount/internal/model"
)

func counts(c, e, n int64) model.Counts {
	return model.Counts{Clients: c, EntityClients: e, NonEntityClients: n}
}

func twoNamespaces() []model.Namespace {
	return []model.Namespace{
		{Label: "root", Counts: counts(30, 20, 10), Mounts: []model.Mount{
			{Label: "auth/userpass/", Counts: counts(20, 15, 5)},
			{Label: "auth/approle/", Counts: counts(10, 5, 5)},
		}},
		{Label: "team-a/", Counts: counts(5, 5, 0), Mounts: []model.Mount{}},
	}
}

func TestWriteCSVMultiMonth(t *testing.T) {
	snap := &model.Snapshot{
		ByNamespace: twoNamespaces(),
		ByMonth:     []model.Month{{Month: "3/22"}, {Month: "4/22"}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, snap, CSVOptions{}))

	want := strings.Join([]string{
		"Namespace path,Authentication method,Total clients,Entity clients,Non-entity clients",
		"root,*,30,20,10",
		"root,auth/userpass/,20,15,5",
		"root,auth/approle/,10,5,5",
		"team-a/,*,5,5,0",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestWriteCSVSingleMonthWithNewClients(t *testing.T) {
	snap := &model.Snapshot{
		ByNamespace: twoNamespaces(),
		ByMonth: []model.Month{{
			Month:         "3/22",
			HasNewClients: true,
			NewClients: model.MonthNewClients{Namespaces: []model.Namespace{
				{Label: "root", Counts: counts(4, 3, 1), Mounts: []model.Mount{
					{Label: "auth/approle/", Counts: counts(4, 3, 1)},
				}},
			}},
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, snap, CSVOptions{}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Namespace path,Authentication method,Total clients,Entity clients,Non-entity clients,"+
		"Total new clients,New entity clients,New non-entity clients", lines[0])
	assert.Equal(t, "root,*,30,20,10,4,3,1", lines[1])
	assert.Equal(t, "root,auth/userpass/,20,15,5,,,", lines[2])
	assert.Equal(t, "root,auth/approle/,10,5,5,4,3,1", lines[3])
	assert.Equal(t, "team-a/,*,5,5,0,,,", lines[4])
}

func TestWriteCSVSingleNamespace(t *testing.T) {
	snap := &model.Snapshot{ByNamespace: twoNamespaces()}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, snap, CSVOptions{Namespace: "root"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"Namespace path,Authentication method,Total clients,Entity clients,Non-entity clients",
		"root,auth/userpass/,20,15,5",
		"root,auth/approle/,10,5,5",
	}, lines)

	var missing bytes.Buffer
	assert.Error(t, WriteCSV(&missing, snap, CSVOptions{Namespace: "missing"}))
	assert.Zero(t, missing.Len(), "nothing should be written for an unknown namespace")

	buf.Reset()
	require.NoError(t, WriteCSV(&buf, snap, CSVOptions{Namespace: "/"}))
	assert.Contains(t, buf.String(), "root,auth/approle/,10,5,5")

	buf.Reset()
	require.NoError(t, WriteCSV(&buf, snap, CSVOptions{Namespace: "team-a"}))
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"), "team-a has no mounts, only the header")
}

func TestWriteCSVNilSnapshot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil, CSVOptions{}))
	assert.Equal(t, strings.Join(baseHeader, ",")+"\n", buf.String())

	assert.Error(t, WriteCSV(&bytes.Buffer{}, nil, CSVOptions{Namespace: "root"}))
}

func TestFileName(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2022, 3, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "clients_by_namespace_01-22-03-22.csv", FileName(start, end, ""))
	assert.Equal(t, "clients_by_auth_method_01-22-03-22.csv", FileName(start, end, "team-a/"))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "JSON": FormatJSON, " yaml ": FormatYAML, "csv": FormatCSV} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestWriteJSONAndYAMLEmptyNewClients(t *testing.T) {
	mb := model.MountByKey{Month: "3/22", Label: "auth/up2/", Counts: counts(32, 16, 16)}

	var jb bytes.Buffer
	require.NoError(t, WriteJSON(&jb, mb))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(jb.Bytes(), &decoded))
	assert.Equal(t, map[string]any{}, decoded["newClients"])
	assert.Equal(t, float64(32), decoded["clients"])

	var yb bytes.Buffer
	require.NoError(t, WriteYAML(&yb, mb))
	var ydecoded map[string]any
	require.NoError(t, yaml.Unmarshal(yb.Bytes(), &ydecoded))
	assert.Equal(t, map[string]any{}, ydecoded["newClients"])
	assert.Equal(t, 32, ydecoded["clients"])
	assert.Equal(t, "auth/up2/", ydecoded["label"])
}
