package store

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "nested", "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReportRoundTrip(t *testing.T) {
	c := openTestCache(t)

	payload := bytes.Repeat([]byte(`{"clients":32,"entity_clients":16}`), 200)
	fetched := time.Date(2022, 4, 1, 12, 0, 0, 0, time.UTC)
	err := c.SaveReport(Report{
		Key: "k1", Addr: "https://vault:8200", Namespace: "team-a",
		Start: "2022-03-01T00:00:00Z", Payload: payload, FetchedAt: fetched,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.LoadReport("k1")
	if err != nil || !ok {
		t.Fatalf("LoadReport: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("payload changed across round trip")
	}
	if !got.FetchedAt.Equal(fetched) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, fetched)
	}
	if got.Namespace != "team-a" || got.End != "" {
		t.Errorf("metadata = %+v", got)
	}

	if _, ok, err := c.LoadReport("missing"); ok || err != nil {
		t.Errorf("missing key: ok=%v err=%v", ok, err)
	}
}

func TestPruneReports(t *testing.T) {
	c := openTestCache(t)
	now := time.Now()
	for i, age := range []time.Duration{time.Hour, 48 * time.Hour, 72 * time.Hour} {
		r := Report{Key: string(rune('a' + i)), Addr: "x", Payload: []byte("{}"), FetchedAt: now.Add(-age)}
		if err := c.SaveReport(r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.PruneReports(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	if count, _ := c.ReportCount(); count != 1 {
		t.Errorf("ReportCount = %d, want 1", count)
	}
}

func TestControlGroups(t *testing.T) {
	c := openTestCache(t)
	created := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	g := ControlGroup{
		Accessor: "acc1", Token: "s.wrap", CreationPath: "sys/internal/counters/activity",
		CreationTime: created, TTL: 24 * time.Hour,
	}
	if err := c.SaveControlGroup(g); err != nil {
		t.Fatal(err)
	}

	got, ok, err := c.LoadControlGroup("acc1")
	if err != nil || !ok {
		t.Fatalf("LoadControlGroup: ok=%v err=%v", ok, err)
	}
	if got.Token != "s.wrap" || got.TTL != 24*time.Hour {
		t.Errorf("got %+v", got)
	}
	if want := created.Add(24 * time.Hour); !got.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt(), want)
	}

	list, err := c.ListControlGroups()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListControlGroups = %v, %v", list, err)
	}

	if err := c.DeleteControlGroup("acc1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.LoadControlGroup("acc1"); ok {
		t.Error("control group still present after delete")
	}
}
