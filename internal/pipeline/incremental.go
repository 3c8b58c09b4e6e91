package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/store"
	"github.com/theirongolddev/vacount/internal/vault"
)

// DefaultMaxAge is how long a cached report is served without refetching.
const DefaultMaxAge = 15 * time.Minute

// ReportCache is the subset of *store.Cache used for reports.
type ReportCache interface {
	LoadReport(key string) (store.Report, bool, error)
	SaveReport(r store.Report) error
}

// CacheOptions configures LoadWithCache.
type CacheOptions struct {
	Addr   string
	MaxAge time.Duration
	Logger *zap.Logger
	Now    func() time.Time
}

// LoadWithCache serves a cached raw report while it is younger than MaxAge
// and fetches otherwise. A fresh fetch replaces the cached payload wholesale.
// If the fetch fails and an expired entry exists, the expired entry is served
// with Stale set and Err recording the failure; authorization failures never
// fall back.
func LoadWithCache(ctx context.Context, f Fetcher, cache ReportCache, q vault.Query, opts CacheOptions) *LoadResult {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	key := q.Key(opts.Addr)

	cached, hit, err := cache.LoadReport(key)
	if err != nil {
		log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		hit = false
	}
	var cachedSnap *model.Snapshot
	if hit {
		cachedSnap, err = decodeCached(cached)
		if err != nil {
			log.Warn("cached report unreadable", zap.String("key", key), zap.Error(err))
			hit = false
		}
	}
	if hit && now().Sub(cached.FetchedAt) < maxAge {
		log.Debug("serving cached report", zap.String("key", key), zap.Time("fetched_at", cached.FetchedAt))
		return &LoadResult{Query: q, Snapshot: cachedSnap, FromCache: true, FetchedAt: cached.FetchedAt}
	}

	raw, err := f.FetchActivity(ctx, q)
	if err != nil {
		kind := Classify(err)
		if hit && kind != ErrKindUnauthorized && kind != ErrKindPermission && kind != ErrKindNoData {
			log.Warn("fetch failed, serving stale report", zap.String("key", key), zap.Error(err))
			return &LoadResult{Query: q, Snapshot: cachedSnap, Err: err, FromCache: true, Stale: true, FetchedAt: cached.FetchedAt}
		}
		return &LoadResult{Query: q, Snapshot: model.Empty(q.Start, q.End), Err: err}
	}

	fetchedAt := raw.ResponseTimestamp
	if fetchedAt.IsZero() {
		fetchedAt = now()
	}
	if payload, err := json.Marshal(raw); err != nil {
		log.Warn("encoding report for cache", zap.Error(err))
	} else if err := cache.SaveReport(store.Report{
		Key:       key,
		Addr:      opts.Addr,
		Namespace: q.Namespace,
		Start:     boundString(q.Start),
		End:       boundString(q.End),
		Payload:   payload,
		FetchedAt: fetchedAt,
	}); err != nil {
		log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}

	return &LoadResult{Query: q, Snapshot: ReshapeSnapshot(raw), FetchedAt: fetchedAt}
}

func decodeCached(r store.Report) (*model.Snapshot, error) {
	var raw vault.ActivityResponse
	if err := json.Unmarshal(r.Payload, &raw); err != nil {
		return nil, err
	}
	raw.ResponseTimestamp = r.FetchedAt
	return ReshapeSnapshot(&raw), nil
}

func boundString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// CacheDir returns the XDG-compliant cache directory.
func CacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "vacount")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "vacount")
}

// CachePath returns the full path to the cache database.
func CachePath() string {
	return filepath.Join(CacheDir(), "reports.db")
}
