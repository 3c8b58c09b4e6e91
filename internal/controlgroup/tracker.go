// Package controlgroup tracks Vault requests held behind a control group
// until an approver authorizes them, then unwraps the held response.
package controlgroup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/vacount/internal/store"
	"github.com/theirongolddev/vacount/internal/timeutil"
	"github.com/theirongolddev/vacount/internal/vault"
)

var (
	ErrNotFound    = errors.New("controlgroup: accessor not tracked")
	ErrNotApproved = errors.New("controlgroup: request not yet approved")
	ErrExpired     = errors.New("controlgroup: wrapping token expired")
)

// Store persists tracked requests. *store.Cache satisfies it.
type Store interface {
	SaveControlGroup(g store.ControlGroup) error
	LoadControlGroup(accessor string) (store.ControlGroup, bool, error)
	ListControlGroups() ([]store.ControlGroup, error)
	DeleteControlGroup(accessor string) error
}

// Vault is the part of the Vault client the tracker calls.
type Vault interface {
	ControlGroupRequest(ctx context.Context, accessor string) (*vault.ControlGroupStatus, error)
	Unwrap(ctx context.Context, wrapToken string) (*vault.UnwrapResult, error)
}

// Tracker ties tracked wrapping info to status and unwrap calls.
type Tracker struct {
	store Store
	vault Vault
	log   *zap.Logger
	now   func() time.Time
}

// NewTracker returns a tracker over st and v.
func NewTracker(st Store, v Vault, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{store: st, vault: v, log: log.Named("controlgroup"), now: time.Now}
}

// Track records the wrapping info of a held request, keyed by accessor.
func (t *Tracker) Track(info vault.WrapInfo) (store.ControlGroup, error) {
	if info.Accessor == "" {
		return store.ControlGroup{}, errors.New("controlgroup: track: wrap info has no accessor")
	}
	g := store.ControlGroup{
		Accessor:     info.Accessor,
		Token:        info.Token,
		CreationPath: info.CreationPath,
		TTL:          time.Duration(info.TTL) * time.Second,
		TrackedAt:    t.now(),
	}
	if ts, ok := timeutil.ParseAPITimestamp(info.CreationTime); ok {
		g.CreationTime = ts
	}
	if err := t.store.SaveControlGroup(g); err != nil {
		return store.ControlGroup{}, fmt.Errorf("controlgroup: track: %w", err)
	}
	t.log.Info("tracking control group", zap.String("accessor", g.Accessor), zap.String("path", g.CreationPath))
	return g, nil
}

// TrackError records the request behind err when it is a control-group
// hold. It reports whether err was one.
func (t *Tracker) TrackError(err error) (store.ControlGroup, bool, error) {
	var cg *vault.ControlGroupError
	if !errors.As(err, &cg) {
		return store.ControlGroup{}, false, nil
	}
	g, terr := t.Track(cg.WrapInfo)
	return g, true, terr
}

// Get returns the tracked request for accessor.
func (t *Tracker) Get(accessor string) (store.ControlGroup, error) {
	g, ok, err := t.store.LoadControlGroup(accessor)
	if err != nil {
		return store.ControlGroup{}, fmt.Errorf("controlgroup: load: %w", err)
	}
	if !ok {
		return store.ControlGroup{}, ErrNotFound
	}
	return g, nil
}

// Status asks Vault whether the request has been authorized.
func (t *Tracker) Status(ctx context.Context, accessor string) (*vault.ControlGroupStatus, error) {
	if _, err := t.Get(accessor); err != nil {
		return nil, err
	}
	st, err := t.vault.ControlGroupRequest(ctx, accessor)
	if err != nil {
		return nil, fmt.Errorf("controlgroup: status: %w", err)
	}
	return st, nil
}

// Unwrap retrieves the held response once approved. The tracked entry is
// removed after a successful unwrap since the token is single-use.
func (t *Tracker) Unwrap(ctx context.Context, accessor string) (*vault.UnwrapResult, error) {
	g, err := t.Get(accessor)
	if err != nil {
		return nil, err
	}
	if exp := g.ExpiresAt(); !exp.IsZero() && t.now().After(exp) {
		return nil, ErrExpired
	}
	st, err := t.vault.ControlGroupRequest(ctx, accessor)
	if err != nil {
		return nil, fmt.Errorf("controlgroup: status: %w", err)
	}
	if !st.Approved {
		return nil, ErrNotApproved
	}
	res, err := t.vault.Unwrap(ctx, g.Token)
	if err != nil {
		return nil, fmt.Errorf("controlgroup: unwrap: %w", err)
	}
	if err := t.store.DeleteControlGroup(accessor); err != nil {
		t.log.Warn("could not forget unwrapped request", zap.String("accessor", accessor), zap.Error(err))
	}
	return res, nil
}

// Forget stops tracking accessor.
func (t *Tracker) Forget(accessor string) error {
	if _, err := t.Get(accessor); err != nil {
		return err
	}
	if err := t.store.DeleteControlGroup(accessor); err != nil {
		return fmt.Errorf("controlgroup: forget: %w", err)
	}
	return nil
}

// List returns every tracked request.
func (t *Tracker) List() ([]store.ControlGroup, error) {
	gs, err := t.store.ListControlGroups()
	if err != nil {
		return nil, fmt.Errorf("controlgroup: list: %w", err)
	}
	return gs, nil
}
