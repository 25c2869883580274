package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"wiguard/internal/config"
	"wiguard/internal/dashboard"
	"wiguard/internal/model"
	"wiguard/internal/notice"
	"wiguard/internal/remote"
	"wiguard/internal/syncer"
)

const maxPageSize = 500

type Options struct {
	Dashboard *dashboard.Dashboard
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Ingest serves /ingest/{domain} when set.
	Ingest  http.Handler
	Logger  *slog.Logger
	Version string
	Now     func() time.Time
}

type Server struct {
	dash    *dashboard.Dashboard
	metrics http.Handler
	ingest  http.Handler
	logger  *slog.Logger
	version string
	now     func() time.Time
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path"`
	StartedAt  string         `json:"started_at"`
	Uptime     string         `json:"uptime"`
	Domains    []domainStatus `json:"domains"`
	Ingest     ingestStatus   `json:"ingest"`
	Storage    bool           `json:"storage"`
}

type domainStatus struct {
	syncer.Status
	LastPoll string `json:"last_poll"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		dash:    opts.Dashboard,
		metrics: opts.Metrics,
		ingest:  opts.Ingest,
		logger:  opts.Logger,
		version: opts.Version,
		now:     opts.Now,
	}
}

// Start serves the API on the configured address until ctx is cancelled.
// It returns nil when the API is disabled.
func Start(ctx context.Context, opts Options) *http.Server {
	if opts.Dashboard == nil {
		return nil
	}
	current := opts.Dashboard.Config().Get().API
	logger := opts.Logger
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(opts)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /domains", s.handleDomains)
	mux.HandleFunc("GET /domains/{domain}/events", s.handleEvents)
	mux.HandleFunc("GET /domains/{domain}/stats", s.handleStats)
	mux.HandleFunc("GET /domains/{domain}/remote-stats", s.handleRemoteStats)
	mux.HandleFunc("POST /domains/{domain}/test", s.handleTest)
	mux.HandleFunc("POST /domains/{domain}/clear", s.handleClear)
	mux.HandleFunc("POST /domains/{domain}/start", s.handleStart)
	mux.HandleFunc("POST /domains/{domain}/stop", s.handleStop)
	mux.HandleFunc("POST /domains/{domain}/events/{id}/{annotation}", s.handleToggle)
	mux.HandleFunc("GET /notices", s.handleNotices)
	mux.HandleFunc("DELETE /notices", s.handleClearNotices)
	mux.HandleFunc("GET /watchlist", s.handleWatchlist)
	mux.HandleFunc("PUT /watchlist", s.handleUpdateWatchlist)
	mux.HandleFunc("POST /admin/reload", s.handleReload)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.ingest != nil {
		mux.Handle("/ingest/{domain}", s.ingest)
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.dash.Config().Get()
	now := s.now().UTC()
	statuses := s.dash.Statuses()
	domains := make([]domainStatus, 0, len(statuses))
	for _, st := range statuses {
		ds := domainStatus{Status: st, LastPoll: "never"}
		if !st.LastSuccess.IsZero() {
			ds.LastPoll = humanize.RelTime(st.LastSuccess, now, "ago", "from now")
		}
		domains = append(domains, ds)
	}
	started := s.dash.StartedAt()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       now.Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.dash.Config().Path(),
		StartedAt:  started.Format(time.RFC3339Nano),
		Uptime:     strings.TrimSpace(humanize.RelTime(started, now, "", "")),
		Domains:    domains,
		Ingest:     ingestStatus{REST: cfg.Ingest.REST.Enabled, Kafka: cfg.Ingest.Kafka.Enabled},
		Storage:    cfg.Storage.Enabled,
	})
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	names := s.dash.Domains()
	writeJSON(w, http.StatusOK, map[string]any{
		"domains": names,
		"count":   len(names),
	})
}

func (s *Server) scheduler(w http.ResponseWriter, r *http.Request) (*syncer.Scheduler, bool) {
	sched, err := s.dash.Scheduler(model.Domain(strings.ToLower(r.PathValue("domain"))))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return sched, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "page: " + err.Error()})
		return
	}
	size, err := intParam(q.Get("page_size"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "page_size: " + err.Error()})
		return
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	query := syncer.PageQuery{
		Page:     page,
		PageSize: size,
		Search:   q.Get("q"),
		Category: q.Get("category"),
	}
	if v := q.Get("severity"); v != "" {
		sev := model.Severity(strings.ToLower(v))
		if !validSeverity(sev) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown severity " + strconv.Quote(v)})
			return
		}
		query.Severity = sev
	}
	writeJSON(w, http.StatusOK, sched.Page(query))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sched.Stats())
}

func (s *Server) handleRemoteStats(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	stats, err := sched.RemoteStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	rec, err := sched.Test(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	deleted, err := sched.Clear(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": deleted})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	a, valid := model.ParseAnnotation(r.PathValue("annotation"))
	if !valid {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown annotation"})
		return
	}
	rec, err := sched.Toggle(r.Context(), r.PathValue("id"), a)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	store := s.dash.Notices().Store()
	if store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notices": []notice.Notice{}, "count": 0})
		return
	}
	var list []notice.Notice
	q := r.URL.Query()
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since: " + err.Error()})
			return
		}
		list = store.Since(ts)
	case q.Get("after") != "":
		seq, err := strconv.ParseUint(q.Get("after"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "after: " + err.Error()})
			return
		}
		list = store.After(seq)
	default:
		limit, _ := strconv.Atoi(q.Get("limit"))
		list = store.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notices": list,
		"count":   len(list),
	})
}

func (s *Server) handleClearNotices(w http.ResponseWriter, r *http.Request) {
	if store := s.dash.Notices().Store(); store != nil {
		store.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := model.Domain(strings.ToLower(r.PathValue("domain")))
	if err := s.dash.StartDomain(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := model.Domain(strings.ToLower(r.PathValue("domain")))
	if err := s.dash.StopDomain(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": false})
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dash.Config().Get().Watchlist)
}

func (s *Server) handleUpdateWatchlist(w http.ResponseWriter, r *http.Request) {
	var wl config.WatchlistConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wl); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "watchlist: " + err.Error()})
		return
	}
	cfg, err := s.dash.UpdateWatchlist(wl)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("watchlist update failed", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cfg.Watchlist)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.dash.Config().Reload()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("config reload failed", "err", err)
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.dash.Apply(cfg)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "domains": len(cfg.Domains)})
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var apiErr *remote.APIError
	switch {
	case errors.Is(err, model.ErrUnknownDomain), errors.Is(err, syncer.ErrNotFound), errors.Is(err, remote.ErrNoStats):
		status = http.StatusNotFound
	case errors.Is(err, syncer.ErrBadAnnotation):
		status = http.StatusBadRequest
	case errors.Is(err, syncer.ErrNoRemoteSource):
		status = http.StatusConflict
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Warn("api request failed", "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func validSeverity(sev model.Severity) bool {
	for _, s := range model.Severities {
		if s == sev {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
