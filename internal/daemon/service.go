// Package daemon provides the long-running client-count monitor service.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/vacount/internal/model"
	"github.com/theirongolddev/vacount/internal/pipeline"
	"github.com/theirongolddev/vacount/internal/timeutil"
	"github.com/theirongolddev/vacount/internal/vault"
)

// Config controls the daemon runtime behavior.
type Config struct {
	VaultAddr    string
	Namespaces   []string // "" is the token's own namespace
	Months       int
	Interval     time.Duration
	Addr         string
	EventsBuffer int
	Concurrency  int
	CacheMaxAge  time.Duration
}

// Snapshot is a compact per-namespace state for status/event payloads.
type Snapshot struct {
	Namespace        string    `json:"namespace"`
	At               time.Time `json:"at"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	Clients          int64     `json:"clients"`
	EntityClients    int64     `json:"entity_clients"`
	NonEntityClients int64     `json:"non_entity_clients"`
	Namespaces       int       `json:"namespaces"`
	Mounts           int       `json:"mounts"`
	Months           int       `json:"months"`
	TopNamespace     string    `json:"top_namespace,omitempty"`
	FromCache        bool      `json:"from_cache,omitempty"`
}

// Delta captures snapshot deltas between polls.
type Delta struct {
	Clients          int64 `json:"clients"`
	EntityClients    int64 `json:"entity_clients"`
	NonEntityClients int64 `json:"non_entity_clients"`
	Namespaces       int   `json:"namespaces"`
	Mounts           int   `json:"mounts"`
}

func (d Delta) isZero() bool {
	return d == Delta{}
}

// Event is emitted whenever a namespace snapshot updates.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Snapshot  Snapshot  `json:"snapshot"`
	Delta     Delta     `json:"delta"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time           `json:"started_at"`
	LastPollAt      time.Time           `json:"last_poll_at"`
	PollIntervalSec int                 `json:"poll_interval_sec"`
	PollCount       int64               `json:"poll_count"`
	DroppedPolls    int64               `json:"dropped_polls"`
	VaultAddr       string              `json:"vault_addr"`
	Namespaces      []string            `json:"namespaces"`
	Months          int                 `json:"months"`
	Snapshots       map[string]Snapshot `json:"snapshots"`
	Errors          map[string]string   `json:"errors,omitempty"`
	EventCount      int                 `json:"event_count"`
	SubscriberCount int                 `json:"subscriber_count"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg   Config
	fetch pipeline.Fetcher
	cache pipeline.ReportCache
	log   *zap.Logger
	now   func() time.Time
	seq   pipeline.Sequencer
	kick  chan struct{}

	inFlight atomic.Int32

	mu           sync.RWMutex
	namespaces   []string
	startedAt    time.Time
	lastPollAt   time.Time
	pollCount    int64
	droppedPolls int64
	errs         map[string]string
	snapshots    map[string]Snapshot
	reports      map[string]*model.Snapshot
	nextEventID  int64
	events       []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a daemon service polling f. cache may be nil to always fetch.
func New(cfg Config, f pipeline.Fetcher, cache pipeline.ReportCache, log *zap.Logger) *Service {
	if cfg.Interval < 30*time.Second {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8788"
	}
	if cfg.Months < 1 {
		cfg.Months = 12
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		cfg:        cfg,
		fetch:      f,
		cache:      cache,
		log:        log.Named("daemon"),
		now:        time.Now,
		kick:       make(chan struct{}, 1),
		namespaces: normalizeNamespaces(cfg.Namespaces),
		startedAt:  time.Now(),
		errs:       make(map[string]string),
		snapshots:  make(map[string]Snapshot),
		reports:    make(map[string]*model.Snapshot),
		subs:       make(map[int]chan Event),
	}
}

func normalizeNamespaces(in []string) []string {
	if len(in) == 0 {
		return []string{""}
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// SetNamespaces replaces the polled namespace list and triggers a poll.
// State for namespaces no longer polled is discarded, and a poll already in
// flight is made stale so it cannot restore it.
func (s *Service) SetNamespaces(namespaces []string) {
	next := normalizeNamespaces(namespaces)
	s.mu.Lock()
	s.namespaces = next
	s.seq.Next()
	for ns := range s.snapshots {
		if !slices.Contains(next, ns) {
			delete(s.snapshots, ns)
		}
	}
	for ns := range s.reports {
		if !slices.Contains(next, ns) {
			delete(s.reports, ns)
		}
	}
	for ns := range s.errs {
		if !slices.Contains(next, ns) {
			delete(s.errs, ns)
		}
	}
	s.mu.Unlock()
	s.log.Info("namespaces updated", zap.Strings("namespaces", next))

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.HandleFunc("/v1/report", s.handleReport)
	return mux
}

// Run serves the HTTP API and polls until ctx is canceled. A namespace
// change starts a poll even while another is running; whichever started
// last wins and the other's results are discarded.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		s.pollLoop(gctx)
		return nil
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Service) pollLoop(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	poll := func() {
		wg.Add(1)
		s.inFlight.Add(1)
		go func() {
			defer wg.Done()
			defer s.inFlight.Add(-1)
			s.PollOnce(ctx)
		}()
	}

	// Seed initial snapshots so status is useful immediately.
	poll()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A slow server would otherwise have every tick overtake the last.
			if s.inFlight.Load() > 0 {
				s.log.Debug("poll still running, skipping tick")
				continue
			}
			poll()
		case <-s.kick:
			poll()
		}
	}
}

// PollOnce fetches every namespace and publishes changes. It reports
// whether the results were applied; results of a poll overtaken by a newer
// one are dropped.
func (s *Service) PollOnce(ctx context.Context) bool {
	seq := s.seq.Next()

	s.mu.RLock()
	namespaces := slices.Clone(s.namespaces)
	s.mu.RUnlock()

	now := s.now()
	start, end := timeutil.LookbackWindow(now, s.cfg.Months)
	queries := make([]vault.Query, len(namespaces))
	for i, ns := range namespaces {
		queries[i] = vault.Query{Start: start, End: end, Namespace: ns}
	}

	results := pipeline.LoadManyFunc(ctx, queries, s.cfg.Concurrency, s.load)
	if ctx.Err() != nil {
		return false
	}
	return s.apply(seq, now, results)
}

func (s *Service) load(ctx context.Context, q vault.Query) *pipeline.LoadResult {
	if s.cache == nil {
		return pipeline.Load(ctx, s.fetch, q)
	}
	return pipeline.LoadWithCache(ctx, s.fetch, s.cache, q, pipeline.CacheOptions{
		Addr:   s.cfg.VaultAddr,
		MaxAge: s.cfg.CacheMaxAge,
		Logger: s.log,
		Now:    s.now,
	})
}

func (s *Service) apply(seq uint64, now time.Time, results []*pipeline.LoadResult) bool {
	var publish []Event

	s.mu.Lock()
	if !s.seq.Current(seq) {
		s.droppedPolls++
		s.mu.Unlock()
		s.log.Debug("dropping stale poll", zap.Uint64("seq", seq))
		return false
	}

	s.lastPollAt = now
	s.pollCount++

	for _, res := range results {
		ns := res.Query.Namespace
		if !slices.Contains(s.namespaces, ns) {
			continue
		}
		if res.Err != nil {
			s.errs[ns] = res.Err.Error()
			s.logPollError(ns, res)
			if !res.Stale {
				continue
			}
		} else {
			delete(s.errs, ns)
		}

		snap := snapshotFromReport(ns, res, now)
		prev, prevExists := s.snapshots[ns]
		s.snapshots[ns] = snap
		s.reports[ns] = res.Snapshot

		switch {
		case !prevExists:
			s.nextEventID++
			publish = append(publish, Event{ID: s.nextEventID, Type: "snapshot", Timestamp: now, Snapshot: snap})
		default:
			if delta := diffSnapshots(prev, snap); !delta.isZero() {
				s.nextEventID++
				publish = append(publish, Event{ID: s.nextEventID, Type: "usage_delta", Timestamp: now, Snapshot: snap, Delta: delta})
			}
		}
	}
	// Buffered under the same lock that assigned the IDs so the ring stays
	// in ID order.
	for _, ev := range publish {
		s.bufferEventLocked(ev)
	}
	s.mu.Unlock()

	s.fanOut(publish)
	return true
}

func (s *Service) logPollError(ns string, res *pipeline.LoadResult) {
	fields := []zap.Field{zap.String("namespace", ns), zap.Stringer("kind", res.Kind()), zap.Error(res.Err)}
	var cg *vault.ControlGroupError
	if errors.As(res.Err, &cg) {
		fields = append(fields, zap.String("accessor", cg.WrapInfo.Accessor))
	}
	if res.Stale {
		fields = append(fields, zap.Bool("stale", true))
	}
	s.log.Warn("poll error", fields...)
}

func snapshotFromReport(ns string, res *pipeline.LoadResult, at time.Time) Snapshot {
	sum := pipeline.Summarize(res.Snapshot)
	return Snapshot{
		Namespace:        ns,
		At:               at,
		Start:            res.Snapshot.StartTime,
		End:              res.Snapshot.EndTime,
		Clients:          sum.Total.Clients,
		EntityClients:    sum.Total.EntityClients,
		NonEntityClients: sum.Total.NonEntityClients,
		Namespaces:       sum.NamespaceCount,
		Mounts:           sum.MountCount,
		Months:           sum.MonthCount,
		TopNamespace:     sum.TopNamespace,
		FromCache:        res.FromCache,
	}
}

func diffSnapshots(prev, curr Snapshot) Delta {
	return Delta{
		Clients:          curr.Clients - prev.Clients,
		EntityClients:    curr.EntityClients - prev.EntityClients,
		NonEntityClients: curr.NonEntityClients - prev.NonEntityClients,
		Namespaces:       curr.Namespaces - prev.Namespaces,
		Mounts:           curr.Mounts - prev.Mounts,
	}
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.bufferEventLocked(ev)
	s.mu.Unlock()
	s.fanOut([]Event{ev})
}

// bufferEventLocked appends ev to the ring buffer. s.mu must be held.
func (s *Service) bufferEventLocked(ev Event) {
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}
}

// fanOut sends events to subscribers without blocking on slow readers.
func (s *Service) fanOut(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range events {
		for _, ch := range s.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Status returns the current daemon state.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := make(map[string]Snapshot, len(s.snapshots))
	for k, v := range s.snapshots {
		snaps[k] = v
	}
	var errs map[string]string
	if len(s.errs) > 0 {
		errs = make(map[string]string, len(s.errs))
		for k, v := range s.errs {
			errs[k] = v
		}
	}

	return Status{
		StartedAt:       s.startedAt,
		LastPollAt:      s.lastPollAt,
		PollIntervalSec: int(s.cfg.Interval.Seconds()),
		PollCount:       s.pollCount,
		DroppedPolls:    s.droppedPolls,
		VaultAddr:       s.cfg.VaultAddr,
		Namespaces:      slices.Clone(s.namespaces),
		Months:          s.cfg.Months,
		Snapshots:       snaps,
		Errors:          errs,
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace")

	s.mu.RLock()
	report, ok := s.reports[ns]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, fmt.Sprintf("no report for namespace %q", ns), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Send current snapshots immediately.
	st := s.Status()
	for _, ns := range st.Namespaces {
		snap, ok := st.Snapshots[ns]
		if !ok {
			continue
		}
		writeSSE(w, Event{Type: "snapshot", Timestamp: s.now(), Snapshot: snap})
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if ev.ID > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", ev.ID)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
