// Package store provides a SQLite-backed cache for raw usage reports and
// tracked control-group requests.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	_ "modernc.org/sqlite" // register sqlite driver
)

// timeLayout has a fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Cache provides SQLite-backed report caching.
type Cache struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates the cache database at the given path.
func Open(dbPath string) (*Cache, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating decompressor: %w", err)
	}

	return &Cache{db: db, enc: enc, dec: dec}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	c.dec.Close()
	_ = c.enc.Close()
	return c.db.Close()
}

// Report is one cached raw usage payload.
type Report struct {
	Key       string
	Addr      string
	Namespace string
	Start     string
	End       string
	Payload   []byte
	FetchedAt time.Time
}

// SaveReport stores or replaces a raw payload. The payload is compressed on
// disk.
func (c *Cache) SaveReport(r Report) error {
	if r.FetchedAt.IsZero() {
		r.FetchedAt = time.Now()
	}
	blob := c.enc.EncodeAll(r.Payload, nil)
	_, err := c.db.Exec(`INSERT OR REPLACE INTO reports
		(query_key, addr, namespace, start_time, end_time, payload, payload_size, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Key, r.Addr, r.Namespace, r.Start, r.End, blob, len(r.Payload),
		r.FetchedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	return nil
}

// LoadReport returns the cached payload for key. ok is false when nothing is
// cached.
func (c *Cache) LoadReport(key string) (r Report, ok bool, err error) {
	var blob []byte
	var fetched string
	err = c.db.QueryRow(`SELECT query_key, addr, namespace, start_time, end_time, payload, fetched_at
		FROM reports WHERE query_key = ?`, key).
		Scan(&r.Key, &r.Addr, &r.Namespace, &r.Start, &r.End, &blob, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, fmt.Errorf("loading report: %w", err)
	}

	r.Payload, err = c.dec.DecodeAll(blob, nil)
	if err != nil {
		return Report{}, false, fmt.Errorf("decompressing report: %w", err)
	}
	r.FetchedAt, _ = time.Parse(timeLayout, fetched)
	return r, true, nil
}

// DeleteReport removes one cached payload.
func (c *Cache) DeleteReport(key string) error {
	_, err := c.db.Exec("DELETE FROM reports WHERE query_key = ?", key)
	return err
}

// PruneReports deletes payloads fetched before cutoff and returns how many
// were removed.
func (c *Cache) PruneReports(cutoff time.Time) (int64, error) {
	res, err := c.db.Exec("DELETE FROM reports WHERE fetched_at < ?",
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReportCount returns the number of cached payloads.
func (c *Cache) ReportCount() (int, error) {
	var count int
	err := c.db.QueryRow("SELECT COUNT(*) FROM reports").Scan(&count)
	return count, err
}

// ControlGroup is a tracked control-group request.
type ControlGroup struct {
	Accessor     string
	Token        string
	CreationPath string
	CreationTime time.Time
	TTL          time.Duration
	TrackedAt    time.Time
}

// ExpiresAt returns when the wrapping token expires, or the zero time if
// unknown.
func (g ControlGroup) ExpiresAt() time.Time {
	if g.CreationTime.IsZero() || g.TTL <= 0 {
		return time.Time{}
	}
	return g.CreationTime.Add(g.TTL)
}

// SaveControlGroup stores or replaces a tracked request.
func (c *Cache) SaveControlGroup(g ControlGroup) error {
	if g.TrackedAt.IsZero() {
		g.TrackedAt = time.Now()
	}
	created := ""
	if !g.CreationTime.IsZero() {
		created = g.CreationTime.UTC().Format(time.RFC3339)
	}
	_, err := c.db.Exec(`INSERT OR REPLACE INTO control_groups
		(accessor, token, creation_path, creation_time, ttl_secs, tracked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.Accessor, g.Token, g.CreationPath, created, int64(g.TTL/time.Second),
		g.TrackedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving control group: %w", err)
	}
	return nil
}

// LoadControlGroup returns the tracked request for accessor.
func (c *Cache) LoadControlGroup(accessor string) (ControlGroup, bool, error) {
	row := c.db.QueryRow(`SELECT accessor, token, creation_path, creation_time, ttl_secs, tracked_at
		FROM control_groups WHERE accessor = ?`, accessor)
	g, err := scanControlGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ControlGroup{}, false, nil
	}
	if err != nil {
		return ControlGroup{}, false, err
	}
	return g, true, nil
}

// ListControlGroups returns every tracked request, oldest first.
func (c *Cache) ListControlGroups() ([]ControlGroup, error) {
	rows, err := c.db.Query(`SELECT accessor, token, creation_path, creation_time, ttl_secs, tracked_at
		FROM control_groups ORDER BY tracked_at, accessor`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ControlGroup
	for rows.Next() {
		g, err := scanControlGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteControlGroup stops tracking a request.
func (c *Cache) DeleteControlGroup(accessor string) error {
	_, err := c.db.Exec("DELETE FROM control_groups WHERE accessor = ?", accessor)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanControlGroup(s scanner) (ControlGroup, error) {
	var g ControlGroup
	var path, created sql.NullString
	var ttl int64
	var tracked string
	if err := s.Scan(&g.Accessor, &g.Token, &path, &created, &ttl, &tracked); err != nil {
		return ControlGroup{}, err
	}
	if path.Valid {
		g.CreationPath = path.String
	}
	if created.Valid && created.String != "" {
		g.CreationTime, _ = time.Parse(time.RFC3339, created.String)
	}
	g.TTL = time.Duration(ttl) * time.Second
	g.TrackedAt, _ = time.Parse(time.RFC3339, tracked)
	return g, nil
}
