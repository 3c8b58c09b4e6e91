package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/vacount/internal/store"
	"github.com/theirongolddev/vacount/internal/vault"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	resp  *vault.ActivityResponse
	err   error
	byNS  map[string]error
}

func (f *fakeFetcher) FetchActivity(_ context.Context, q vault.Query) (*vault.ActivityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.byNS[q.Namespace]; ok {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.resp
	return &cp, nil
}

func sampleResponse() *vault.ActivityResponse {
	return &vault.ActivityResponse{
		StartTime: "2022-03-01T00:00:00Z",
		EndTime:   "2022-03-31T23:59:59Z",
		Total:     c3(32, 16, 16),
		ByNamespace: vault.List[vault.RawNamespace]{
			{NamespaceID: "root", Counts: c3(32, 16, 16),
				Mounts: vault.List[vault.RawMount]{{MountPath: "auth/up2/", Counts: c3(32, 16, 16)}}},
		},
		Months: vault.List[vault.RawMonth]{
			{Timestamp: "2022-03-01T00:00:00Z", Counts: c3(32, 16, 16)},
		},
		ResponseTimestamp: time.Date(2022, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLoad(t *testing.T) {
	f := &fakeFetcher{resp: sampleResponse()}
	res := Load(context.Background(), f, vault.Query{})
	require.NoError(t, res.Err)
	assert.Equal(t, int64(32), res.Snapshot.Total.Clients)
	assert.Equal(t, ErrKindNone, res.Kind())
	assert.Equal(t, sampleResponse().ResponseTimestamp, res.FetchedAt)
}

func TestLoadFailureSubstitutesEmptyState(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{vault.ErrNoData, ErrKindNoData},
		{&vault.APIError{StatusCode: 403, Errors: []string{"permission denied"}}, ErrKindOther},
		{fmt.Errorf("wrapped: %w", vault.ErrPermissionDenied), ErrKindPermission},
		{&vault.ControlGroupError{WrapInfo: vault.WrapInfo{Accessor: "a"}}, ErrKindControlGroup},
		{errors.New("dial tcp: connection refused"), ErrKindOther},
		{context.DeadlineExceeded, ErrKindCanceled},
	}
	for _, tt := range tests {
		f := &fakeFetcher{err: tt.err}
		res := Load(context.Background(), f, vault.Query{Start: start})
		require.NotNil(t, res.Snapshot)
		assert.True(t, res.Snapshot.IsEmpty())
		assert.Equal(t, start, res.Snapshot.StartTime)
		assert.Equal(t, tt.kind, res.Kind(), tt.err.Error())
		assert.Equal(t, 1, f.calls, "no retry")
	}
}

func TestLoadMany(t *testing.T) {
	f := &fakeFetcher{resp: sampleResponse(), byNS: map[string]error{"broken": vault.ErrPermissionDenied}}
	queries := []vault.Query{{Namespace: "a"}, {Namespace: "broken"}, {Namespace: "c"}}

	results := LoadMany(context.Background(), f, queries, 2)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, vault.ErrPermissionDenied)
	assert.Equal(t, "c", results[2].Query.Namespace)
}

func openCache(t *testing.T) *store.Cache {
	t.Helper()
	c, err := store.Open(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLoadWithCache(t *testing.T) {
	cache := openCache(t)
	f := &fakeFetcher{resp: sampleResponse()}
	now := sampleResponse().ResponseTimestamp
	opts := CacheOptions{Addr: "https://vault:8200", MaxAge: time.Hour, Now: func() time.Time { return now }}

	first := LoadWithCache(context.Background(), f, cache, vault.Query{}, opts)
	require.NoError(t, first.Err)
	assert.False(t, first.FromCache)

	second := LoadWithCache(context.Background(), f, cache, vault.Query{}, opts)
	require.NoError(t, second.Err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, first.Snapshot.Total, second.Snapshot.Total)
	assert.Equal(t, int64(32), second.Snapshot.ByMonth[0].NamespacesByKey["root"].MountsByKey["auth/up2/"].Clients)

	// Expired entry plus a failing server serves the stale copy.
	now = now.Add(2 * time.Hour)
	f.err = errors.New("connection refused")
	stale := LoadWithCache(context.Background(), f, cache, vault.Query{}, opts)
	assert.True(t, stale.Stale)
	assert.Error(t, stale.Err)
	assert.Equal(t, int64(32), stale.Snapshot.Total.Clients)

	// Permission failures never fall back to cached data.
	f.err = vault.ErrPermissionDenied
	denied := LoadWithCache(context.Background(), f, cache, vault.Query{}, opts)
	assert.False(t, denied.FromCache)
	assert.True(t, denied.Snapshot.IsEmpty())
}

func TestSequencer(t *testing.T) {
	var s Sequencer
	first := s.Next()
	second := s.Next()
	assert.False(t, s.Current(first))
	assert.True(t, s.Current(second))

	var wg sync.WaitGroup
	var accepted atomic.Int32
	seqs := make([]uint64, 10)
	for i := range seqs {
		seqs[i] = s.Next()
	}
	for _, seq := range seqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Current(seq) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestClassifyAndHint(t *testing.T) {
	cg := &vault.ControlGroupError{WrapInfo: vault.WrapInfo{Accessor: "acc-1"}}
	tests := []struct {
		err  error
		kind ErrorKind
		hint string
	}{
		{nil, ErrKindNone, ""},
		{fmt.Errorf("fetch: %w", vault.ErrNoData), ErrKindNoData, "No activity"},
		{vault.ErrUnauthorized, ErrKindUnauthorized, "vacount login"},
		{vault.ErrPermissionDenied, ErrKindPermission, "Permission denied"},
		{cg, ErrKindControlGroup, "controlgroup unwrap acc-1"},
		{vault.ErrRateLimited, ErrKindRateLimited, "Rate limited"},
		{vault.ErrBreakerOpen, ErrKindUnavailable, "paused"},
		{context.Canceled, ErrKindCanceled, "canceled"},
		{errors.New("boom"), ErrKindOther, "boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, Classify(tt.err), "%v", tt.err)
		assert.Contains(t, Hint(tt.err), tt.hint)
	}
}
