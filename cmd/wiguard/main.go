package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"wiguard/internal/api"
	"wiguard/internal/config"
	"wiguard/internal/dashboard"
	"wiguard/internal/ingest"
	"wiguard/internal/logging"
	"wiguard/internal/metrics"
	"wiguard/internal/model"
	"wiguard/internal/notice"
	"wiguard/internal/notify"
	"wiguard/internal/sink"
	"wiguard/internal/storage"
	"wiguard/internal/syncer"
)

var (
	version = "dev"

	colorRed    = color.New(color.FgRed, color.Bold)
	colorGreen  = color.New(color.FgGreen, color.Bold)
	colorYellow = color.New(color.FgYellow)
	colorCyan   = color.New(color.FgCyan)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		colorRed.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "wiguard",
		Short: "Security dashboard sync service for GPS, Bluetooth, deauth and network detections",
		Long: `wiguard polls the detection backends, keeps a bounded per-domain event store
with live statistics, and serves the result over HTTP.

Examples:
  wiguard serve --config wiguard.yaml
  wiguard validate --config wiguard.yaml
  wiguard poll --config wiguard.yaml --domain deauth`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML or JSON); defaults apply when empty")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync schedulers and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, mgr)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), mgr.Get())
			return nil
		},
	}

	var domain string
	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle for a domain and print its statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return pollOnce(cmd.Context(), cmd.OutOrStdout(), mgr, model.Domain(domain))
		},
	}
	pollCmd.Flags().StringVarP(&domain, "domain", "d", "", "domain to poll (gps, bluetooth, deauth, network)")
	_ = pollCmd.MarkFlagRequired("domain")

	root.AddCommand(serveCmd, validateCmd, pollCmd)
	return root
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	mgr, err := config.NewManager(config.ResolvePath(path))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return mgr, nil
}

func serve(ctx context.Context, mgr *config.Manager) error {
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("wiguard starting", "version", version, "config", mgr.Path(), "domains", len(cfg.Domains))

	feed := notice.NewFeed(notice.NewStore(cfg.Notices.StoreLimit), cfg.Notices.Cooldown, logger)
	hub := notify.NewHub(logger)
	hub.Subscribe(sink.NewLog(logger))
	collector := metrics.NewCollector()
	hub.Subscribe(collector)
	if cfg.Kafka.PublishTopic != "" {
		pub := sink.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.PublishTopic, logger)
		defer pub.Close()
		hub.Subscribe(pub)
	}

	dash := dashboard.New(dashboard.Options{
		Config:  mgr,
		Hub:     hub,
		Notices: feed,
		Logger:  logger,
	})

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		archive := storage.NewArchive(store, logger)
		if err := dash.Restore(ctx, archive); err != nil {
			logger.Warn("archive restore failed", "err", err)
		}
		// Restored records are already archived.
		hub.Subscribe(archive)
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	dash.Start(ctx)
	defer dash.Stop()

	if n := ingest.StartKafka(ctx, cfg, dash, logger); n > 0 {
		logger.Info("kafka consumers started", "count", n)
	}
	var restHandler http.Handler
	if cfg.Ingest.REST.Enabled {
		restHandler = ingest.NewRESTHandler(dash, logger)
	}
	api.Start(ctx, api.Options{
		Dashboard: dash,
		Metrics:   collector.Handler(),
		Ingest:    restHandler,
		Logger:    logger,
		Version:   version,
	})

	stopWatch := make(chan struct{})
	go mgr.Watch(3*time.Second, func(next *config.Config) {
		logger.Info("config changed on disk")
		dash.Apply(next)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	<-ctx.Done()
	close(stopWatch)
	logger.Info("shutting down")
	return nil
}

func printConfig(w io.Writer, cfg *config.Config) {
	colorGreen.Fprintf(w, "config ok: %d domains\n", len(cfg.Domains))
	for _, d := range cfg.Domains {
		state := colorGreen.Sprint("enabled")
		if !d.Enabled {
			state = colorYellow.Sprint("disabled")
		}
		fmt.Fprintf(w, "  %-10s %s  %s%s every %s, window %s, max %d, %s\n",
			d.Name, state, d.BaseURL, d.EventsPath, d.Interval, d.Window, d.MaxRecords, d.Mode)
	}
	if cfg.API.Enabled {
		fmt.Fprintf(w, "  api on %s\n", cfg.API.Addr)
	}
	if cfg.Storage.Enabled {
		fmt.Fprintf(w, "  storage %s\n", cfg.Storage.Driver)
	}
}

func pollOnce(ctx context.Context, w io.Writer, mgr *config.Manager, domain model.Domain) error {
	dash := dashboard.New(dashboard.Options{
		Config: mgr,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	sched, err := dash.Scheduler(domain)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sched.Config().Timeout+5*time.Second)
	defer cancel()
	start := time.Now()
	res, err := sched.PollOnce(ctx)
	if err != nil {
		return err
	}
	colorGreen.Fprintf(w, "%s: fetched %s events in %s\n", domain, humanize.Comma(int64(res.Fetched)), time.Since(start).Round(time.Millisecond))
	printStats(w, res.Update.Stats)
	fmt.Fprintln(w, statusLine(sched.Status()))
	return nil
}

func printStats(w io.Writer, st model.Stats) {
	colorCyan.Fprintf(w, "total %s\n", humanize.Comma(int64(st.Total)))
	for _, sev := range model.Severities {
		n := st.BySeverity[sev]
		c := colorGreen
		switch sev {
		case model.SeverityCritical, model.SeverityHigh:
			c = colorRed
		case model.SeverityMedium:
			c = colorYellow
		}
		fmt.Fprintf(w, "  %-9s %s\n", sev, c.Sprint(humanize.Comma(int64(n))))
	}
	if len(st.ByCategory) > 0 {
		cats := make([]string, 0, len(st.ByCategory))
		for k := range st.ByCategory {
			cats = append(cats, k)
		}
		sort.Strings(cats)
		fmt.Fprintln(w, "categories:")
		for _, k := range cats {
			fmt.Fprintf(w, "  %-20s %d\n", k, st.ByCategory[k])
		}
	}
	fmt.Fprintf(w, "flagged %d, blocked %d, active %d\n", st.Flagged, st.Blocked, st.Active)
	fmt.Fprintf(w, "average %s\n", st.AverageText)
	for i, kc := range st.TopKeys {
		fmt.Fprintf(w, "  #%d %s (%d)\n", i+1, kc.Key, kc.Count)
	}
}

func statusLine(st syncer.Status) string {
	if st.LastSuccess.IsZero() {
		return fmt.Sprintf("%s: %d records, never polled", st.Domain, st.Records)
	}
	return fmt.Sprintf("%s: %d records, last poll %s", st.Domain, st.Records, humanize.Time(st.LastSuccess))
}
