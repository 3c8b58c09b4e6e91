package controlgroup

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/vacount/internal/store"
	"github.com/theirongolddev/vacount/internal/vault"
)

type fakeVault struct {
	approved  map[string]bool
	unwrapped []string
}

func (v *fakeVault) ControlGroupRequest(_ context.Context, accessor string) (*vault.ControlGroupStatus, error) {
	approved, ok := v.approved[accessor]
	if !ok {
		return nil, fmt.Errorf("vault: %w", vault.ErrPermissionDenied)
	}
	return &vault.ControlGroupStatus{Approved: approved, RequestPath: "sys/internal/counters/activity"}, nil
}

func (v *fakeVault) Unwrap(_ context.Context, token string) (*vault.UnwrapResult, error) {
	v.unwrapped = append(v.unwrapped, token)
	return &vault.UnwrapResult{Data: json.RawMessage(`{"total":{"clients":3}}`)}, nil
}

func newTracker(t *testing.T, v *fakeVault) *Tracker {
	t.Helper()
	c, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	tr := NewTracker(c, v, nil)
	tr.now = func() time.Time { return time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC) }
	return tr
}

func wrapInfo(accessor string) vault.WrapInfo {
	return vault.WrapInfo{
		Token:        "hvs.wrap-" + accessor,
		Accessor:     accessor,
		TTL:          3600,
		CreationTime: "2024-03-01T12:00:00Z",
		CreationPath: "sys/internal/counters/activity",
	}
}

func TestTrackAndGet(t *testing.T) {
	tr := newTracker(t, &fakeVault{})
	g, err := tr.Track(wrapInfo("acc-1"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, g.TTL)

	got, err := tr.Get("acc-1")
	require.NoError(t, err)
	assert.Equal(t, "hvs.wrap-acc-1", got.Token)
	assert.Equal(t, "sys/internal/counters/activity", got.CreationPath)
	assert.True(t, got.ExpiresAt().Equal(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)))
}

func TestTrackRequiresAccessor(t *testing.T) {
	tr := newTracker(t, &fakeVault{})
	_, err := tr.Track(vault.WrapInfo{Token: "x"})
	assert.Error(t, err)
}

func TestTrackError(t *testing.T) {
	tr := newTracker(t, &fakeVault{})

	_, ok, err := tr.TrackError(vault.ErrPermissionDenied)
	require.NoError(t, err)
	assert.False(t, ok)

	held := fmt.Errorf("pipeline: %w", &vault.ControlGroupError{WrapInfo: wrapInfo("acc-2")})
	g, ok, err := tr.TrackError(held)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "acc-2", g.Accessor)
}

func TestUnknownAccessor(t *testing.T) {
	tr := newTracker(t, &fakeVault{})
	_, err := tr.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Unwrap(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, tr.Forget("nope"), ErrNotFound)
}

func TestUnwrapWaitsForApproval(t *testing.T) {
	v := &fakeVault{approved: map[string]bool{"acc-1": false}}
	tr := newTracker(t, v)
	_, err := tr.Track(wrapInfo("acc-1"))
	require.NoError(t, err)

	st, err := tr.Status(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.False(t, st.Approved)

	_, err = tr.Unwrap(context.Background(), "acc-1")
	require.ErrorIs(t, err, ErrNotApproved)
	assert.Empty(t, v.unwrapped)

	v.approved["acc-1"] = true
	res, err := tr.Unwrap(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":{"clients":3}}`, string(res.Data))
	assert.Equal(t, []string{"hvs.wrap-acc-1"}, v.unwrapped)

	_, err = tr.Get("acc-1")
	assert.ErrorIs(t, err, ErrNotFound, "unwrapped requests are forgotten")
}

func TestUnwrapExpired(t *testing.T) {
	v := &fakeVault{approved: map[string]bool{"acc-1": true}}
	tr := newTracker(t, v)
	_, err := tr.Track(wrapInfo("acc-1"))
	require.NoError(t, err)

	tr.now = func() time.Time { return time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC) }
	_, err = tr.Unwrap(context.Background(), "acc-1")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestStatusVaultError(t *testing.T) {
	tr := newTracker(t, &fakeVault{})
	_, err := tr.Track(wrapInfo("acc-3"))
	require.NoError(t, err)
	_, err = tr.Status(context.Background(), "acc-3")
	assert.ErrorIs(t, err, vault.ErrPermissionDenied)
}

func TestListAndForget(t *testing.T) {
	tr := newTracker(t, &fakeVault{})
	for _, a := range []string{"a", "b"} {
		_, err := tr.Track(wrapInfo(a))
		require.NoError(t, err)
	}
	gs, err := tr.List()
	require.NoError(t, err)
	assert.Len(t, gs, 2)

	require.NoError(t, tr.Forget("a"))
	gs, err = tr.List()
	require.NoError(t, err)
	require.Len(t, gs, 1)
	assert.Equal(t, "b", gs[0].Accessor)
}
