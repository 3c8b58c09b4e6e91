package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/vault"
)

func counts(c, e, n int64) vault.RawCounts {
	return vault.RawCounts{"clients": c, "entity_clients": e, "non_entity_clients": n}
}

type fakeFetcher struct {
	mu      sync.Mutex
	clients map[string]int64
	fail    map[string]error
	calls   atomic.Int32
	block   chan struct{} // first call waits on it when set
}

func (f *fakeFetcher) set(ns string, clients int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients == nil {
		f.clients = map[string]int64{}
	}
	f.clients[ns] = clients
}

func (f *fakeFetcher) FetchActivity(ctx context.Context, q vault.Query) (*vault.ActivityResponse, error) {
	if f.calls.Add(1) == 1 && f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[q.Namespace]; err != nil {
		return nil, err
	}
	c := f.clients[q.Namespace]
	return &vault.ActivityResponse{
		StartTime: "2024-01-01T00:00:00Z",
		EndTime:   "2024-03-31T23:59:59Z",
		Total:     counts(c, c/2, c-c/2),
		ByNamespace: vault.List[vault.RawNamespace]{
			{NamespaceID: "root", Counts: counts(c, c/2, c-c/2),
				Mounts: vault.List[vault.RawMount]{{MountPath: "auth/userpass/", Counts: counts(c, c/2, c-c/2)}}},
		},
		Months: vault.List[vault.RawMonth]{{Timestamp: "2024-03-01T00:00:00Z", Counts: counts(c, c/2, c-c/2)}},
	}, nil
}

func newService(f *fakeFetcher, namespaces ...string) *Service {
	s := New(Config{Namespaces: namespaces, Months: 3, EventsBuffer: 50}, f, nil, nil)
	s.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestDiffSnapshots(t *testing.T) {
	prev := Snapshot{Clients: 100, EntityClients: 60, NonEntityClients: 40, Namespaces: 2, Mounts: 3}
	curr := Snapshot{Clients: 130, EntityClients: 70, NonEntityClients: 60, Namespaces: 3, Mounts: 3}

	delta := diffSnapshots(prev, curr)
	assert.Equal(t, Delta{Clients: 30, EntityClients: 10, NonEntityClients: 20, Namespaces: 1}, delta)
	assert.False(t, delta.isZero())
	assert.True(t, diffSnapshots(curr, curr).isZero())
}

func TestPublishEventRingBuffer(t *testing.T) {
	s := New(Config{EventsBuffer: 2}, &fakeFetcher{}, nil, nil)

	s.publishEvent(Event{ID: 1})
	s.publishEvent(Event{ID: 2})
	s.publishEvent(Event{ID: 3})

	s.mu.RLock()
	defer s.mu.RUnlock()

	require.Len(t, s.events, 2)
	assert.Equal(t, int64(2), s.events[0].ID)
	assert.Equal(t, int64(3), s.events[1].ID)
}

func TestPollOnceEmitsSnapshotThenDelta(t *testing.T) {
	f := &fakeFetcher{}
	f.set("", 10)
	f.set("team-a", 4)
	s := newService(f, "team-a", "")

	require.True(t, s.PollOnce(context.Background()))
	st := s.Status()
	assert.Equal(t, []string{"", "team-a"}, st.Namespaces)
	assert.Equal(t, int64(10), st.Snapshots[""].Clients)
	assert.Equal(t, int64(4), st.Snapshots["team-a"].Clients)
	assert.Equal(t, 2, st.EventCount)

	// Unchanged poll publishes nothing.
	require.True(t, s.PollOnce(context.Background()))
	assert.Equal(t, 2, s.Status().EventCount)

	f.set("team-a", 9)
	require.True(t, s.PollOnce(context.Background()))
	s.mu.RLock()
	last := s.events[len(s.events)-1]
	s.mu.RUnlock()
	assert.Equal(t, "usage_delta", last.Type)
	assert.Equal(t, "team-a", last.Snapshot.Namespace)
	assert.Equal(t, int64(5), last.Delta.Clients)
	assert.Equal(t, int64(3), s.Status().PollCount)
}

func TestPollErrorKeepsPreviousSnapshot(t *testing.T) {
	f := &fakeFetcher{}
	f.set("", 10)
	s := newService(f)
	require.True(t, s.PollOnce(context.Background()))

	f.mu.Lock()
	f.fail = map[string]error{"": vault.ErrPermissionDenied}
	f.mu.Unlock()
	require.True(t, s.PollOnce(context.Background()))

	st := s.Status()
	assert.Equal(t, int64(10), st.Snapshots[""].Clients)
	assert.Contains(t, st.Errors[""], "permission denied")

	f.mu.Lock()
	f.fail = nil
	f.mu.Unlock()
	require.True(t, s.PollOnce(context.Background()))
	assert.Empty(t, s.Status().Errors)
}

func TestStalePollDropped(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{})}
	f.set("", 10)
	s := newService(f)

	slow := make(chan bool, 1)
	go func() { slow <- s.PollOnce(context.Background()) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	f.set("", 20)
	require.True(t, s.PollOnce(context.Background()))

	f.set("", 99)
	close(f.block)
	assert.False(t, <-slow, "overtaken poll should be dropped")

	st := s.Status()
	assert.Equal(t, int64(1), st.DroppedPolls)
	assert.Equal(t, int64(20), st.Snapshots[""].Clients)
}

func TestSetNamespacesDropsOldState(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{"broken": vault.ErrPermissionDenied}}
	f.set("old", 1)
	f.set("new", 2)
	s := newService(f, "old", "broken")
	require.True(t, s.PollOnce(context.Background()))
	require.Contains(t, s.Status().Errors, "broken")

	s.SetNamespaces([]string{"new", "new"})
	st := s.Status()
	assert.Equal(t, []string{"new"}, st.Namespaces)
	assert.NotContains(t, st.Snapshots, "old")
	assert.Empty(t, st.Errors, "errors of dropped namespaces should go too")
	s.mu.RLock()
	assert.NotContains(t, s.reports, "old")
	s.mu.RUnlock()

	require.True(t, s.PollOnce(context.Background()))
	assert.Equal(t, int64(2), s.Status().Snapshots["new"].Clients)
}

func TestSetNamespacesStalesInflightPoll(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{})}
	f.set("a", 1)
	f.set("b", 2)
	s := newService(f, "a", "b")

	inflight := make(chan bool, 1)
	go func() { inflight <- s.PollOnce(context.Background()) }()
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	s.SetNamespaces([]string{"a"})
	close(f.block)
	assert.False(t, <-inflight, "poll started before the reload should be dropped")

	st := s.Status()
	assert.Equal(t, []string{"a"}, st.Namespaces)
	assert.NotContains(t, st.Snapshots, "b")
	s.mu.RLock()
	assert.NotContains(t, s.reports, "b")
	s.mu.RUnlock()
}

func TestApplyIgnoresUnpolledNamespace(t *testing.T) {
	f := &fakeFetcher{}
	f.set("a", 1)
	f.set("b", 2)
	s := newService(f, "a")

	results := []*pipeline.LoadResult{
		pipeline.Load(context.Background(), f, vault.Query{Namespace: "a"}),
		pipeline.Load(context.Background(), f, vault.Query{Namespace: "b"}),
	}
	require.True(t, s.apply(s.seq.Next(), s.now(), results))

	st := s.Status()
	assert.Contains(t, st.Snapshots, "a")
	assert.NotContains(t, st.Snapshots, "b")
}

func TestEventsBufferedInIDOrder(t *testing.T) {
	f := &fakeFetcher{}
	s := newService(f, "a", "b", "c")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.set("a", int64(i+1))
			f.set("b", int64(i+10))
			s.PollOnce(context.Background())
		}()
	}
	wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	require.NotEmpty(t, s.events)
	for i := 1; i < len(s.events); i++ {
		assert.Less(t, s.events[i-1].ID, s.events[i].ID, "ring buffer out of ID order at %d", i)
	}
}

func TestHandlers(t *testing.T) {
	f := &fakeFetcher{}
	f.set("team-a", 7)
	s := newService(f, "team-a")
	require.True(t, s.PollOnce(context.Background()))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/report?namespace=team-a")
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Contains(t, report, "byMonth")
	assert.Equal(t, float64(7), report["total"].(map[string]any)["clients"])

	resp, err = http.Get(srv.URL + "/v1/report?namespace=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/events")
	require.NoError(t, err)
	var events []Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	resp.Body.Close()
	require.Len(t, events, 1)
	assert.Equal(t, "snapshot", events[0].Type)
}

func TestStreamSendsCurrentSnapshot(t *testing.T) {
	f := &fakeFetcher{}
	f.set("", 3)
	s := newService(f)
	require.True(t, s.PollOnce(context.Background()))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		if sc.Text() == "" {
			break
		}
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: snapshot", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "data: "))
	assert.Contains(t, lines[1], `"clients":3`)
}

func TestServeShutsDownCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := &fakeFetcher{}
	f.set("", 1)
	s := newService(f)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool { return s.Status().PollCount == 1 }, 2*time.Second, 10*time.Millisecond)

	client := &http.Client{Transport: &http.Transport{}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/v1/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	client.CloseIdleConnections()
	assert.Equal(t, int64(1), st.Snapshots[""].Clients)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
