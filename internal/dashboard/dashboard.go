package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wiguard/internal/config"
	"wiguard/internal/logging"
	"wiguard/internal/model"
	"wiguard/internal/normalize"
	"wiguard/internal/notice"
	"wiguard/internal/notify"
	"wiguard/internal/remote"
	"wiguard/internal/syncer"
)

// SourceFactory builds the backend client for a domain.
type SourceFactory func(cfg config.DomainConfig) syncer.Source

func RemoteSource(cfg config.DomainConfig) syncer.Source {
	return remote.New(cfg.BaseURL, remote.Paths{
		Events:      cfg.EventsPath,
		Stats:       cfg.StatsPath,
		Clear:       cfg.ClearPath,
		ClearMethod: cfg.ClearMethod,
	}, remote.WithTimeout(cfg.Timeout))
}

type Options struct {
	Config  *config.Manager
	Hub     *notify.Hub
	Notices *notice.Feed
	Logger  *slog.Logger
	Sources SourceFactory
	Now     func() time.Time
}

// Dashboard owns one scheduler per configured domain. Starting a domain
// is the equivalent of mounting its page; stopping it unmounts it.
type Dashboard struct {
	cfg     *config.Manager
	hub     *notify.Hub
	notices *notice.Feed
	logger  *slog.Logger
	sources SourceFactory
	now     func() time.Time
	started time.Time

	mu      sync.RWMutex
	runCtx  context.Context
	domains map[model.Domain]*syncer.Scheduler
}

func New(opts Options) *Dashboard {
	if opts.Hub == nil {
		opts.Hub = notify.NewHub(opts.Logger)
	}
	if opts.Sources == nil {
		opts.Sources = RemoteSource
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dashboard{
		cfg:     opts.Config,
		hub:     opts.Hub,
		notices: opts.Notices,
		logger:  opts.Logger,
		sources: opts.Sources,
		now:     opts.Now,
		started: opts.Now().UTC(),
		domains: make(map[model.Domain]*syncer.Scheduler),
	}
	cfg := d.cfg.Get()
	wl := normalize.NewWatchlist(cfg.Watchlist)
	for _, dc := range cfg.Domains {
		d.domains[dc.Name] = d.newScheduler(dc, wl)
	}
	return d
}

func (d *Dashboard) newScheduler(dc config.DomainConfig, wl *normalize.Watchlist) *syncer.Scheduler {
	var src syncer.Source
	if dc.BaseURL != "" {
		src = d.sources(dc)
	}
	return syncer.New(syncer.Options{
		Config:    dc,
		Source:    src,
		Watchlist: wl,
		Hub:       d.hub,
		Notices:   d.notices,
		Logger:    logging.ForDomain(d.logger, string(dc.Name)),
		Now:       d.now,
	})
}

func (d *Dashboard) Hub() *notify.Hub {
	return d.hub
}

func (d *Dashboard) Notices() *notice.Feed {
	return d.notices
}

func (d *Dashboard) Config() *config.Manager {
	return d.cfg
}

func (d *Dashboard) StartedAt() time.Time {
	return d.started
}

// Domains lists the configured domains in a stable order.
func (d *Dashboard) Domains() []model.Domain {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Domain, 0, len(d.domains))
	for name := range d.domains {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Dashboard) Scheduler(name model.Domain) (*syncer.Scheduler, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.domains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownDomain, name)
	}
	return s, nil
}

// Start launches polling for every enabled domain. The context bounds
// every task, including ones started later by StartDomain or a reload.
func (d *Dashboard) Start(ctx context.Context) {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()
	for _, name := range d.Domains() {
		s, _ := d.Scheduler(name)
		if s.Config().Enabled {
			s.Start(ctx)
		}
	}
}

// Stop halts every domain's polling and waits for in-flight polls.
func (d *Dashboard) Stop() {
	d.mu.Lock()
	d.runCtx = nil
	list := make([]*syncer.Scheduler, 0, len(d.domains))
	for _, s := range d.domains {
		list = append(list, s)
	}
	d.mu.Unlock()
	for _, s := range list {
		s.Stop()
	}
}

// runContext returns the context passed to Start and whether the
// dashboard is currently started.
func (d *Dashboard) runContext() (context.Context, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.runCtx == nil {
		return context.Background(), false
	}
	return d.runCtx, true
}

func (d *Dashboard) StartDomain(name model.Domain) error {
	s, err := d.Scheduler(name)
	if err != nil {
		return err
	}
	ctx, _ := d.runContext()
	if !s.Start(ctx) {
		if !s.Running() {
			return fmt.Errorf("%s: %w", name, syncer.ErrNoRemoteSource)
		}
		return nil
	}
	d.notices.Info(name, "polling started")
	return nil
}

func (d *Dashboard) StopDomain(name model.Domain) error {
	s, err := d.Scheduler(name)
	if err != nil {
		return err
	}
	if s.Running() {
		s.Stop()
		d.notices.Info(name, "polling stopped")
	}
	return nil
}

// UpdateWatchlist persists a new watchlist through the config manager and
// applies it to every domain.
func (d *Dashboard) UpdateWatchlist(wl config.WatchlistConfig) (*config.Config, error) {
	next := *d.cfg.Get()
	next.Watchlist = config.WatchlistConfig{
		Trusted: cleanIDs(wl.Trusted),
		Blocked: cleanIDs(wl.Blocked),
	}
	if err := d.cfg.Update(&next); err != nil {
		return nil, err
	}
	d.Apply(&next)
	return &next, nil
}

// cleanIDs normalizes device ids and drops blanks and duplicates.
func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = normalize.NormalizeDeviceID(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Ingest routes a pushed batch to its domain.
func (d *Dashboard) Ingest(ctx context.Context, domain model.Domain, source string, raws []map[string]any) (model.Update, error) {
	s, err := d.Scheduler(domain)
	if err != nil {
		return model.Update{}, err
	}
	return s.Ingest(ctx, source, raws), nil
}

// Apply pushes a reloaded config into the schedulers: intervals,
// retention, modes and the watchlist. Domains that appear are created,
// enabled flags start or stop polling. Domains removed from the file keep
// their data but stop polling.
func (d *Dashboard) Apply(cfg *config.Config) {
	wl := normalize.NewWatchlist(cfg.Watchlist)
	if d.notices != nil {
		d.notices.SetWindow(cfg.Notices.Cooldown)
	}
	seen := make(map[model.Domain]struct{}, len(cfg.Domains))
	ctx, running := d.runContext()
	for _, dc := range cfg.Domains {
		seen[dc.Name] = struct{}{}
		d.mu.Lock()
		s, ok := d.domains[dc.Name]
		if !ok {
			s = d.newScheduler(dc, wl)
			d.domains[dc.Name] = s
		}
		d.mu.Unlock()
		if ok {
			s.UpdateConfig(dc, wl)
		}
		if !running {
			continue
		}
		if dc.Enabled {
			s.Start(ctx)
		} else {
			s.Stop()
		}
	}
	for _, name := range d.Domains() {
		if _, ok := seen[name]; ok {
			continue
		}
		if s, err := d.Scheduler(name); err == nil {
			s.Stop()
		}
	}
	if d.logger != nil {
		d.logger.Info("config applied", "domains", len(cfg.Domains))
	}
}

// Statuses reports every domain in Domains order.
func (d *Dashboard) Statuses() []syncer.Status {
	names := d.Domains()
	out := make([]syncer.Status, 0, len(names))
	for _, name := range names {
		if s, err := d.Scheduler(name); err == nil {
			out = append(out, s.Status())
		}
	}
	return out
}

// Restorer loads archived records for warm starts.
type Restorer interface {
	Restore(ctx context.Context, domain model.Domain, window time.Duration, limit int) ([]model.Record, error)
}

// Restore seeds every domain from the archive before polling starts.
func (d *Dashboard) Restore(ctx context.Context, r Restorer) error {
	for _, name := range d.Domains() {
		s, _ := d.Scheduler(name)
		cfg := s.Config()
		recs, err := r.Restore(ctx, name, cfg.Window, cfg.MaxRecords)
		if err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		if len(recs) == 0 {
			continue
		}
		s.Restore(ctx, recs)
		if d.logger != nil {
			d.logger.Info("restored from archive", "domain", string(name), "records", len(recs))
		}
	}
	return nil
}
