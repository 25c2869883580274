package dashboard

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wiguard/internal/config"
	"wiguard/internal/model"
	"wiguard/internal/notice"
	"wiguard/internal/remote"
	"wiguard/internal/syncer"
)

var base = time.Date(2026, 2, 23, 12, 0, 0, 0, time.UTC)

type countingSource struct {
	fetches atomic.Int32
	events  []map[string]any
}

func (c *countingSource) FetchEvents(context.Context, remote.Query) ([]map[string]any, error) {
	c.fetches.Add(1)
	return c.events, nil
}

func (c *countingSource) FetchStats(context.Context) (map[string]any, error) {
	return nil, remote.ErrNoStats
}

func (c *countingSource) PostEvent(context.Context, map[string]any) error { return nil }

func (c *countingSource) Clear(context.Context) (int, error) { return -1, nil }

type fixture struct {
	d       *Dashboard
	mu      sync.Mutex
	sources map[model.Domain]*countingSource
}

func (f *fixture) source(name model.Domain) *countingSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[name]
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	for i := range cfg.Domains {
		cfg.Domains[i].Interval = time.Hour
		cfg.Domains[i].BaseURL = "http://backend"
		cfg.Domains[i].Timeout = time.Second
		cfg.Domains[i].PageSize = 10
	}
	cfg.Domains[3].Enabled = false
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{sources: make(map[model.Domain]*countingSource)}
	f.d = New(Options{
		Config:  config.NewStaticManager(cfg),
		Notices: notice.NewFeed(notice.NewStore(20), time.Minute, nil),
		Sources: func(dc config.DomainConfig) syncer.Source {
			f.mu.Lock()
			defer f.mu.Unlock()
			src := &countingSource{}
			f.sources[dc.Name] = src
			return src
		},
		Now: func() time.Time { return base },
	})
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDomainsSortedAndLookup(t *testing.T) {
	f := newFixture(t, testConfig())
	got := f.d.Domains()
	want := []model.Domain{model.DomainBluetooth, model.DomainDeauth, model.DomainGPS, model.DomainNetwork}
	if len(got) != len(want) {
		t.Fatalf("domains: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("domains order: %v", got)
		}
	}
	if _, err := f.d.Scheduler("wifi"); !errors.Is(err, model.ErrUnknownDomain) {
		t.Fatalf("expected unknown domain, got %v", err)
	}
}

func TestStartPollsEnabledDomainsOnly(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.d.Start(ctx)
	defer f.d.Stop()

	for _, name := range []model.Domain{model.DomainGPS, model.DomainBluetooth, model.DomainDeauth} {
		src := f.source(name)
		waitFor(t, func() bool { return src.fetches.Load() >= 1 })
	}
	if n := f.source(model.DomainNetwork).fetches.Load(); n != 0 {
		t.Fatalf("disabled domain polled %d times", n)
	}
	s, _ := f.d.Scheduler(model.DomainNetwork)
	if s.Running() {
		t.Fatalf("disabled domain running")
	}

	f.d.Stop()
	for _, st := range f.d.Statuses() {
		if st.Running {
			t.Fatalf("%s still running after stop", st.Domain)
		}
	}
}

func TestStartAndStopDomain(t *testing.T) {
	f := newFixture(t, testConfig())
	f.d.Start(context.Background())
	defer f.d.Stop()

	if err := f.d.StartDomain(model.DomainNetwork); err != nil {
		t.Fatalf("start network: %v", err)
	}
	src := f.source(model.DomainNetwork)
	waitFor(t, func() bool { return src.fetches.Load() >= 1 })
	if err := f.d.StopDomain(model.DomainNetwork); err != nil {
		t.Fatalf("stop network: %v", err)
	}
	s, _ := f.d.Scheduler(model.DomainNetwork)
	if s.Running() {
		t.Fatalf("network still running")
	}
	if err := f.d.StopDomain(model.DomainNetwork); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	var msgs []string
	for _, n := range f.d.Notices().Store().List(0) {
		if n.Domain == model.DomainNetwork && n.Level == notice.LevelInfo {
			msgs = append(msgs, n.Message)
		}
	}
	if len(msgs) != 2 {
		t.Fatalf("expected start and stop notices, got %v", msgs)
	}
	if err := f.d.StartDomain("wifi"); !errors.Is(err, model.ErrUnknownDomain) {
		t.Fatalf("expected unknown domain, got %v", err)
	}
}

func TestStartDomainWithoutBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Domains[0].BaseURL = ""
	cfg.Domains[0].Enabled = false
	f := newFixture(t, cfg)
	err := f.d.StartDomain(cfg.Domains[0].Name)
	if !errors.Is(err, syncer.ErrNoRemoteSource) {
		t.Fatalf("expected no remote source, got %v", err)
	}
}

func TestUpdateWatchlistPersistsAndApplies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wiguard.yaml")
	if err := config.Save(path, testConfig()); err != nil {
		t.Fatalf("save: %v", err)
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	d := New(Options{
		Config:  mgr,
		Sources: func(config.DomainConfig) syncer.Source { return &countingSource{} },
		Now:     func() time.Time { return base },
	})
	next, err := d.UpdateWatchlist(config.WatchlistConfig{
		Blocked: []string{" aa-bb-cc-dd-ee-01 ", "", "AA:BB:CC:DD:EE:01"},
		Trusted: []string{"  "},
	})
	if err != nil {
		t.Fatalf("update watchlist: %v", err)
	}
	if len(next.Watchlist.Blocked) != 1 || next.Watchlist.Blocked[0] != "AABBCCDDEE01" {
		t.Fatalf("blocked list: %v", next.Watchlist.Blocked)
	}
	if len(next.Watchlist.Trusted) != 0 {
		t.Fatalf("trusted list: %v", next.Watchlist.Trusted)
	}
	onDisk, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(onDisk.Watchlist.Blocked) != 1 || len(onDisk.Domains) != len(testConfig().Domains) {
		t.Fatalf("watchlist not persisted: %+v", onDisk.Watchlist)
	}

	raws := []map[string]any{{
		"id":           "bt-blocked",
		"timestamp":    base.Format(time.RFC3339),
		"device_id":    "aa:bb:cc:dd:ee:01",
		"threat_level": "high",
	}}
	if _, err := d.Ingest(context.Background(), model.DomainBluetooth, "rest", raws); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	s, _ := d.Scheduler(model.DomainBluetooth)
	rec, ok := s.Get("bt-blocked")
	if !ok || !rec.Annotated(model.AnnotationBlocked) {
		t.Fatalf("watchlist not applied: %+v", rec)
	}
}

func TestIngestRoutesByDomain(t *testing.T) {
	f := newFixture(t, testConfig())
	raws := []map[string]any{{
		"id":           "bt-1",
		"timestamp":    base.Format(time.RFC3339),
		"device_id":    "aa:bb",
		"threat_level": "high",
	}}
	u, err := f.d.Ingest(context.Background(), model.DomainBluetooth, "rest", raws)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if u.Inserted != 1 || u.Domain != model.DomainBluetooth {
		t.Fatalf("unexpected update: %+v", u)
	}
	s, _ := f.d.Scheduler(model.DomainBluetooth)
	if s.Len() != 1 {
		t.Fatalf("record not stored")
	}
	other, _ := f.d.Scheduler(model.DomainGPS)
	if other.Len() != 0 {
		t.Fatalf("ingest leaked into another domain")
	}
	if _, err := f.d.Ingest(context.Background(), "wifi", "rest", raws); !errors.Is(err, model.ErrUnknownDomain) {
		t.Fatalf("expected unknown domain, got %v", err)
	}
}

func TestApplyTogglesAndRetunes(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)
	f.d.Start(context.Background())
	defer f.d.Stop()

	next := testConfig()
	next.Domains[0].Enabled = false
	next.Domains[1].Interval = 30 * time.Second
	next.Domains[3].Enabled = true
	f.d.Apply(next)

	gps, _ := f.d.Scheduler(next.Domains[0].Name)
	if gps.Running() {
		t.Fatalf("%s should stop once disabled", next.Domains[0].Name)
	}
	bt, _ := f.d.Scheduler(next.Domains[1].Name)
	if st := bt.Status(); st.Interval != 30*time.Second {
		t.Fatalf("interval not applied: %v", st.Interval)
	}
	network, _ := f.d.Scheduler(model.DomainNetwork)
	if !network.Running() {
		t.Fatalf("network should start once enabled")
	}

	trimmed := testConfig()
	trimmed.Domains = trimmed.Domains[:1]
	f.d.Apply(trimmed)
	if network.Running() || bt.Running() {
		t.Fatalf("removed domains still polling")
	}
	if len(f.d.Domains()) != 4 {
		t.Fatalf("removed domains should keep their data")
	}
}

func TestApplyBeforeStartDoesNotPoll(t *testing.T) {
	f := newFixture(t, testConfig())
	f.d.Apply(testConfig())
	for _, st := range f.d.Statuses() {
		if st.Running {
			t.Fatalf("%s running before start", st.Domain)
		}
	}
}

type fakeArchive struct {
	recs map[model.Domain][]model.Record
	err  error
}

func (a fakeArchive) Restore(_ context.Context, domain model.Domain, _ time.Duration, _ int) ([]model.Record, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.recs[domain], nil
}

func TestRestoreSeedsDomains(t *testing.T) {
	f := newFixture(t, testConfig())
	rec := model.Record{
		ID:        "gps-1",
		Domain:    model.DomainGPS,
		Timestamp: base.Add(-time.Minute),
		FirstSeen: base.Add(-time.Minute),
		LastSeen:  base.Add(-time.Minute),
		Severity:  model.SeverityMedium,
		Category:  "jamming",
		GPS:       &model.GPSAttrs{Accuracy: 12, DeviceID: "rx-1"},
		Flagged:   true,
	}
	err := f.d.Restore(context.Background(), fakeArchive{recs: map[model.Domain][]model.Record{
		model.DomainGPS: {rec},
	}})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	s, _ := f.d.Scheduler(model.DomainGPS)
	got, ok := s.Get("gps-1")
	if !ok || !got.Flagged {
		t.Fatalf("restored record missing or lost its annotation: %+v", got)
	}
	if s.Stats().Total != 1 {
		t.Fatalf("stats not rebuilt")
	}

	boom := errors.New("db down")
	if err := f.d.Restore(context.Background(), fakeArchive{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected archive error, got %v", err)
	}
}
