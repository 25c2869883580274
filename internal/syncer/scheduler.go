package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"wiguard/internal/aggregate"
	"wiguard/internal/config"
	"wiguard/internal/model"
	"wiguard/internal/normalize"
	"wiguard/internal/notice"
	"wiguard/internal/notify"
	"wiguard/internal/remote"
	"wiguard/internal/store"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrBadAnnotation  = errors.New("unknown annotation")
	ErrNoRemoteSource = errors.New("domain has no remote source")
)

const minTombstones = 1024

// Source is the backend API of one domain. *remote.Client implements it.
type Source interface {
	FetchEvents(ctx context.Context, q remote.Query) ([]map[string]any, error)
	FetchStats(ctx context.Context) (map[string]any, error)
	PostEvent(ctx context.Context, event map[string]any) error
	Clear(ctx context.Context) (int, error)
}

// Cursor is the newest observation merged so far.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

func (c Cursor) before(ts time.Time, id string) bool {
	if ts.Equal(c.Timestamp) {
		return c.ID < id
	}
	return c.Timestamp.Before(ts)
}

type Options struct {
	Config    config.DomainConfig
	Source    Source
	Watchlist *normalize.Watchlist
	Hub       *notify.Hub
	Notices   *notice.Feed
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scheduler owns one domain: its store, aggregator, poll task and cursor.
// Every mutation happens under mu; sinks are notified after it is released
// but before the next mutation starts, so they see updates in Seq order.
type Scheduler struct {
	domain  model.Domain
	cfg     atomic.Pointer[config.DomainConfig]
	norm    atomic.Pointer[normalize.Normalizer]
	source  Source
	hub     *notify.Hub
	notices *notice.Feed
	logger  *slog.Logger
	now     func() time.Time
	task    *Task

	inFlight atomic.Bool
	// pubMu spans a mutation and its publish.
	pubMu sync.Mutex

	mu         sync.RWMutex
	store      *store.Store
	agg        *aggregate.Aggregator
	cursor     Cursor
	epoch      uint64
	seq        uint64
	tombstones *expirable.LRU[string, uint64]
	status     pollStatus
}

type pollStatus struct {
	lastAttempt time.Time
	lastSuccess time.Time
	lastError   string
	polls       int
	failures    int
	skipped     int
}

// Status describes the scheduler for the status endpoint and CLI.
type Status struct {
	Domain      model.Domain  `json:"domain"`
	Enabled     bool          `json:"enabled"`
	Running     bool          `json:"running"`
	Mode        string        `json:"mode"`
	Incremental bool          `json:"incremental"`
	Interval    time.Duration `json:"interval"`
	Records     int           `json:"records"`
	Cursor      Cursor        `json:"cursor"`
	LastAttempt time.Time     `json:"last_attempt"`
	LastSuccess time.Time     `json:"last_success"`
	LastError   string        `json:"last_error,omitempty"`
	Polls       int           `json:"polls"`
	Failures    int           `json:"failures"`
	Skipped     int           `json:"skipped"`
}

func New(opts Options) *Scheduler {
	cfg := opts.Config
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		domain:  cfg.Name,
		source:  opts.Source,
		hub:     opts.Hub,
		notices: opts.Notices,
		logger:  opts.Logger,
		now:     now,
		store:   store.New(cfg.Name),
		agg:     aggregate.New(cfg.Name),
	}
	s.cfg.Store(&cfg)
	s.norm.Store(s.newNormalizer(opts.Watchlist))
	s.tombstones = newTombstones(cfg)
	s.task = NewTask(cfg.Interval, s.tick)
	return s
}

func newTombstones(cfg config.DomainConfig) *expirable.LRU[string, uint64] {
	size := cfg.MaxRecords * 4
	if size < minTombstones {
		size = minTombstones
	}
	return expirable.NewLRU[string, uint64](size, nil, cfg.Window)
}

func (s *Scheduler) newNormalizer(wl *normalize.Watchlist) *normalize.Normalizer {
	n := normalize.New(s.domain, wl)
	n.Now = func() time.Time { return s.now() }
	return n
}

func (s *Scheduler) Domain() model.Domain {
	return s.domain
}

func (s *Scheduler) Config() config.DomainConfig {
	return *s.cfg.Load()
}

// UpdateConfig applies a reloaded domain config and watchlist. Retention
// changes take effect on the next batch; live tombstones move to a cache
// sized and timed for the new retention.
func (s *Scheduler) UpdateConfig(cfg config.DomainConfig, wl *normalize.Watchlist) {
	prev := s.cfg.Swap(&cfg)
	s.norm.Store(s.newNormalizer(wl))
	s.task.SetInterval(cfg.Interval)
	if prev.Window == cfg.Window && prev.MaxRecords == cfg.MaxRecords {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := newTombstones(cfg)
	for _, id := range s.tombstones.Keys() {
		if epoch, ok := s.tombstones.Peek(id); ok {
			next.Add(id, epoch)
		}
	}
	s.tombstones = next
}

func (s *Scheduler) Start(ctx context.Context) bool {
	if s.source == nil {
		return false
	}
	started := s.task.Start(ctx)
	if started && s.logger != nil {
		s.logger.Info("sync started", "interval", s.task.Interval().String(), "mode", s.Config().Mode)
	}
	return started
}

func (s *Scheduler) Stop() {
	if s.task.Running() && s.logger != nil {
		s.logger.Info("sync stopped")
	}
	s.task.Stop()
}

func (s *Scheduler) Running() bool {
	return s.task.Running()
}

func (s *Scheduler) tick(ctx context.Context) {
	_, _ = s.PollOnce(ctx)
}

// PollResult summarises one poll. Skipped is set when another poll was
// still in flight.
type PollResult struct {
	Skipped bool
	Fetched int
	Update  model.Update
}

// PollOnce fetches the domain's events, merges them and notifies sinks.
// On failure the store is left untouched.
func (s *Scheduler) PollOnce(ctx context.Context) (PollResult, error) {
	if s.source == nil {
		return PollResult{}, ErrNoRemoteSource
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.mu.Lock()
		s.status.skipped++
		s.mu.Unlock()
		s.notices.Warning(s.domain, "skip", "poll skipped, previous poll still running")
		return PollResult{Skipped: true}, nil
	}
	defer s.inFlight.Store(false)

	cfg := s.Config()
	s.mu.Lock()
	startEpoch := s.epoch
	cursor := s.cursor
	s.status.lastAttempt = s.now().UTC()
	s.status.polls++
	s.mu.Unlock()

	q := remote.Query{Window: cfg.Window}
	if cfg.Incremental {
		q.Since = cursor.Timestamp
	}
	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	raws, err := s.source.FetchEvents(fetchCtx, q)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return PollResult{}, ctx.Err()
		}
		s.pollFailed(err)
		return PollResult{}, fmt.Errorf("poll %s: %w", s.domain, err)
	}

	recs := s.normalizeAll(raws, "")
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	u := s.apply(model.ReasonPoll, recs, batchOptions{
		epoch:   startEpoch,
		remote:  true,
		replace: cfg.Mode == config.ModeReplace && !cfg.Incremental,
	})
	s.mu.Lock()
	s.status.lastSuccess = u.Time
	s.status.lastError = ""
	s.mu.Unlock()
	s.notices.Recovered(s.domain, "poll")
	if s.logger != nil {
		s.logger.Debug("poll applied", "fetched", len(raws), "inserted", u.Inserted, "updated", u.Updated, "evicted", u.Evicted)
	}
	s.publish(ctx, u)
	return PollResult{Fetched: len(raws), Update: u}, nil
}

func (s *Scheduler) pollFailed(err error) {
	s.mu.Lock()
	s.status.failures++
	s.status.lastError = err.Error()
	s.mu.Unlock()
	reported := s.notices.Failure(s.domain, "poll", err)
	if (reported || s.notices == nil) && s.logger != nil {
		s.logger.Warn("poll failed", "err", err)
	}
}

func (s *Scheduler) normalizeAll(raws []map[string]any, source string) []model.Record {
	n := s.norm.Load()
	if source != "" {
		c := *n
		c.Source = source
		n = &c
	}
	out := make([]model.Record, 0, len(raws))
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		out = append(out, n.Normalize(normalize.RawEvent(raw)))
	}
	return out
}

type batchOptions struct {
	// epoch is the clear generation observed when the batch's data was
	// requested. Batches older than the current generation cannot bring
	// back tombstoned ids.
	epoch   uint64
	current bool
	// remote marks a batch fetched from the backend; only those move the
	// incremental cursor.
	remote  bool
	replace bool
}

// apply merges recs into the store, applies retention and builds the
// update that describes the batch.
func (s *Scheduler) apply(reason model.Reason, recs []model.Record, opts batchOptions) model.Update {
	cfg := s.Config()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	u := model.Update{Domain: s.domain, Reason: reason, Time: now}
	if opts.current {
		opts.epoch = s.epoch
	}
	stale := opts.epoch < s.epoch

	seen := make(map[string]struct{}, len(recs))
	changed := make([]string, 0, len(recs))
	for _, rec := range recs {
		if clearedAt, ok := s.tombstones.Get(rec.ID); ok {
			if opts.epoch < clearedAt {
				continue
			}
			s.tombstones.Remove(rec.ID)
		}
		if _, dup := seen[rec.ID]; !dup {
			changed = append(changed, rec.ID)
		}
		seen[rec.ID] = struct{}{}
		res := s.store.Upsert(rec)
		if res.Updated {
			s.agg.Move(res.Previous, res.Record)
			u.Updated++
		} else {
			s.agg.Add(res.Record)
			u.Inserted++
		}
		if opts.remote && s.cursor.before(res.Record.Timestamp, res.Record.ID) {
			s.cursor = Cursor{Timestamp: res.Record.Timestamp, ID: res.Record.ID}
		}
	}

	// An empty response never wipes a populated store.
	if opts.replace && !stale && len(recs) > 0 {
		for _, id := range s.store.IDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			if rec, ok := s.store.Remove(id); ok {
				s.agg.Remove(rec)
				u.Removed = append(u.Removed, id)
			}
		}
	}

	evicted := s.store.EvictOlderThan(now.Add(-cfg.Window))
	evicted = append(evicted, s.store.EvictBeyondCount(cfg.MaxRecords)...)
	s.agg.RemoveAll(evicted)
	u.Evicted = len(evicted)
	for _, rec := range evicted {
		u.Removed = append(u.Removed, rec.ID)
	}

	for _, id := range changed {
		if rec, ok := s.store.Get(id); ok {
			u.Changed = append(u.Changed, rec)
		}
	}
	return s.finish(u)
}

// finish stamps the sequence number and stats. Callers hold mu.
func (s *Scheduler) finish(u model.Update) model.Update {
	s.seq++
	u.Seq = s.seq
	u.Stats = s.agg.Snapshot()
	return u
}

func (s *Scheduler) publish(ctx context.Context, u model.Update) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(ctx, u)
}

// Test synthesises one high-severity record and merges it. Domains with
// echo_tests also post it to the backend first; a failed post adds nothing.
func (s *Scheduler) Test(ctx context.Context) (model.Record, error) {
	cfg := s.Config()
	raw := testEvent(s.domain, s.now().UTC())
	if cfg.EchoTests && s.source != nil {
		postCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := s.source.PostEvent(postCtx, raw)
		cancel()
		if err != nil {
			s.notices.Failure(s.domain, "test", err)
			return model.Record{}, fmt.Errorf("post test event: %w", err)
		}
	}
	rec := s.norm.Load().Normalize(normalize.RawEvent(raw))
	rec.Severity = model.SeverityHigh
	s.pubMu.Lock()
	u := s.apply(model.ReasonTest, []model.Record{rec}, batchOptions{current: true})
	s.publish(ctx, u)
	s.pubMu.Unlock()
	s.notices.Success(s.domain, "test %s record added", s.domain)
	out, _ := s.Get(rec.ID)
	return out, nil
}

// Clear deletes the domain's events on the backend and, only once that
// succeeded, empties the local store. Cleared ids are tombstoned so a poll
// that was already in flight cannot bring them back.
func (s *Scheduler) Clear(ctx context.Context) (int, error) {
	if s.source == nil {
		return 0, ErrNoRemoteSource
	}
	cfg := s.Config()
	clearCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	deleted, err := s.source.Clear(clearCtx)
	cancel()
	if err != nil {
		s.notices.Failure(s.domain, "clear", err)
		if s.logger != nil {
			s.logger.Warn("clear failed", "err", err)
		}
		return 0, fmt.Errorf("clear %s: %w", s.domain, err)
	}

	s.pubMu.Lock()
	s.mu.Lock()
	s.epoch++
	removed := s.store.Clear()
	s.agg.Reset()
	s.cursor = Cursor{}
	u := model.Update{Domain: s.domain, Reason: model.ReasonClear, Time: s.now().UTC()}
	for _, rec := range removed {
		s.tombstones.Add(rec.ID, s.epoch)
		u.Removed = append(u.Removed, rec.ID)
	}
	u = s.finish(u)
	s.mu.Unlock()

	s.publish(ctx, u)
	s.pubMu.Unlock()
	if deleted < 0 {
		deleted = len(removed)
	}
	s.notices.Success(s.domain, "cleared %d records", deleted)
	if s.logger != nil {
		s.logger.Info("cleared", "deleted", deleted, "local", len(removed))
	}
	return deleted, nil
}

// Toggle flips one annotation on a stored record.
func (s *Scheduler) Toggle(ctx context.Context, id string, a model.Annotation) (model.Record, error) {
	if _, ok := model.ParseAnnotation(string(a)); !ok {
		return model.Record{}, fmt.Errorf("%w: %q", ErrBadAnnotation, a)
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.mu.Lock()
	current, ok := s.store.Get(id)
	if !ok {
		s.mu.Unlock()
		return model.Record{}, fmt.Errorf("%s %q: %w", s.domain, id, ErrNotFound)
	}
	before, after, _ := s.store.SetAnnotation(id, a, !current.Annotated(a))
	s.agg.Move(before, after)
	u := model.Update{Domain: s.domain, Reason: model.ReasonAnnotate, Time: s.now().UTC(), Updated: 1, Changed: []model.Record{after}}
	u = s.finish(u)
	s.mu.Unlock()
	s.publish(ctx, u)
	return after, nil
}

// Ingest merges a pushed batch through the same path as a poll.
func (s *Scheduler) Ingest(ctx context.Context, source string, raws []map[string]any) model.Update {
	recs := s.normalizeAll(raws, source)
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	u := s.apply(model.ReasonIngest, recs, batchOptions{current: true})
	s.publish(ctx, u)
	return u
}

// Restore seeds the store with previously archived records. Records are
// merged as they were saved, annotations included.
func (s *Scheduler) Restore(ctx context.Context, recs []model.Record) model.Update {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	u := s.apply(model.ReasonIngest, recs, batchOptions{current: true})
	s.publish(ctx, u)
	return u
}

// RemoteStats proxies the backend's own statistics endpoint.
func (s *Scheduler) RemoteStats(ctx context.Context) (map[string]any, error) {
	if s.source == nil {
		return nil, ErrNoRemoteSource
	}
	cfg := s.Config()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return s.source.FetchStats(ctx)
}

// PageQuery selects a page of the table view.
type PageQuery struct {
	Page     int
	PageSize int
	Search   string
	Severity model.Severity
	Category string
}

func (s *Scheduler) Page(q PageQuery) model.Page {
	if q.PageSize <= 0 {
		q.PageSize = s.Config().PageSize
	}
	category := strings.ToLower(q.Category)
	s.mu.RLock()
	list := s.store.Search(q.Search)
	s.mu.RUnlock()
	if q.Severity != "" || category != "" {
		filtered := list[:0]
		for _, rec := range list {
			if q.Severity != "" && rec.Severity != q.Severity {
				continue
			}
			if category != "" && strings.ToLower(rec.Category) != category {
				continue
			}
			filtered = append(filtered, rec)
		}
		list = filtered
	}
	return store.Paginate(list, q.Page, q.PageSize)
}

func (s *Scheduler) Stats() model.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg.Snapshot()
}

// Snapshot returns every record newest first with the matching stats.
func (s *Scheduler) Snapshot() ([]model.Record, model.Stats) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.List(true), s.agg.Snapshot()
}

func (s *Scheduler) Get(id string) (model.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Get(id)
}

func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Len()
}

func (s *Scheduler) Status() Status {
	cfg := s.Config()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Domain:      s.domain,
		Enabled:     cfg.Enabled,
		Running:     s.task.Running(),
		Mode:        cfg.Mode,
		Incremental: cfg.Incremental,
		Interval:    s.task.Interval(),
		Records:     s.store.Len(),
		Cursor:      s.cursor,
		LastAttempt: s.status.lastAttempt,
		LastSuccess: s.status.lastSuccess,
		LastError:   s.status.lastError,
		Polls:       s.status.polls,
		Failures:    s.status.failures,
		Skipped:     s.status.skipped,
	}
}
