package pipeline

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/vault"
)

// Fetcher fetches raw usage reports. *vault.Client implements it.
type Fetcher interface {
	FetchActivity(ctx context.Context, q vault.Query) (*vault.ActivityResponse, error)
}

// LoadResult holds the output of one usage query. Snapshot is never nil:
// when the fetch fails it is the empty state for the window and Err records
// why.
type LoadResult struct {
	Query     vault.Query
	Snapshot  *model.Snapshot
	Err       error
	FromCache bool
	Stale     bool // served from an expired cache entry after a failed fetch
	FetchedAt time.Time
}

// Kind classifies Err for display.
func (r *LoadResult) Kind() ErrorKind {
	return Classify(r.Err)
}

// ErrorKind groups fetch errors by how they should be presented.
type ErrorKind int

const (
	ErrKindNone ErrorKind = iota
	ErrKindNoData
	ErrKindUnauthorized
	ErrKindPermission
	ErrKindControlGroup
	ErrKindRateLimited
	ErrKindUnavailable
	ErrKindCanceled
	ErrKindOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNone:
		return "ok"
	case ErrKindNoData:
		return "no-data"
	case ErrKindUnauthorized:
		return "unauthorized"
	case ErrKindPermission:
		return "permission-denied"
	case ErrKindControlGroup:
		return "control-group"
	case ErrKindRateLimited:
		return "rate-limited"
	case ErrKindUnavailable:
		return "unavailable"
	case ErrKindCanceled:
		return "canceled"
	default:
		return "error"
	}
}

// Classify maps an error from the vault client to an ErrorKind.
func Classify(err error) ErrorKind {
	var cg *vault.ControlGroupError
	switch {
	case err == nil:
		return ErrKindNone
	case errors.Is(err, vault.ErrNoData):
		return ErrKindNoData
	case errors.Is(err, vault.ErrUnauthorized), errors.Is(err, vault.ErrSessionClosed):
		return ErrKindUnauthorized
	case errors.Is(err, vault.ErrPermissionDenied):
		return ErrKindPermission
	case errors.As(err, &cg):
		return ErrKindControlGroup
	case errors.Is(err, vault.ErrRateLimited):
		return ErrKindRateLimited
	case errors.Is(err, vault.ErrBreakerOpen):
		return ErrKindUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrKindCanceled
	default:
		return ErrKindOther
	}
}

// Load fetches and reshapes one usage report. Fetch failures are not
// returned: the result carries the empty state and the error instead. No
// retry is attempted.
func Load(ctx context.Context, f Fetcher, q vault.Query) *LoadResult {
	res := &LoadResult{Query: q}
	raw, err := f.FetchActivity(ctx, q)
	if err != nil {
		res.Err = err
		res.Snapshot = model.Empty(q.Start, q.End)
		return res
	}
	res.Snapshot = ReshapeSnapshot(raw)
	res.FetchedAt = raw.ResponseTimestamp
	return res
}

// LoadFunc loads one query. Load and a LoadWithCache closure both fit.
type LoadFunc func(ctx context.Context, q vault.Query) *LoadResult

// LoadMany runs Load for each query with at most limit fetches in flight.
// Results are returned in query order.
func LoadMany(ctx context.Context, f Fetcher, queries []vault.Query, limit int) []*LoadResult {
	return LoadManyFunc(ctx, queries, limit, func(ctx context.Context, q vault.Query) *LoadResult {
		return Load(ctx, f, q)
	})
}

// LoadManyFunc is LoadMany with a caller-supplied loader.
func LoadManyFunc(ctx context.Context, queries []vault.Query, limit int, load LoadFunc) []*LoadResult {
	results := make([]*LoadResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, q := range queries {
		g.Go(func() error {
			results[i] = load(gctx, q)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Hint returns a one-line explanation of a fetch error for display, or ""
// for a nil error.
func Hint(err error) string {
	var cg *vault.ControlGroupError
	switch Classify(err) {
	case ErrKindNone:
		return ""
	case ErrKindNoData:
		return "No activity data for this window."
	case ErrKindUnauthorized:
		return "Token missing or expired. Run `vacount login` or set VAULT_TOKEN."
	case ErrKindPermission:
		return "Permission denied: the token's policies cannot read sys/internal/counters/activity."
	case ErrKindControlGroup:
		if errors.As(err, &cg) {
			return "Held by a control group. Once approved run `vacount controlgroup unwrap " + cg.WrapInfo.Accessor + "`."
		}
		return "Held by a control group."
	case ErrKindRateLimited:
		return "Rate limited by the server; try again shortly."
	case ErrKindUnavailable:
		return "Server unavailable after repeated failures; requests are paused."
	case ErrKindCanceled:
		return "Request canceled."
	default:
		return err.Error()
	}
}
