package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"wiguard/internal/model"
)

const (
	ModeMerge   = "merge"
	ModeReplace = "replace"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Domains   []DomainConfig  `json:"domains" yaml:"domains"`
	Watchlist WatchlistConfig `json:"watchlist" yaml:"watchlist"`
	API       APIConfig       `json:"api" yaml:"api"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	Notices   NoticesConfig   `json:"notices" yaml:"notices"`
}

type DomainConfig struct {
	Name        model.Domain  `json:"name" yaml:"name"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	BaseURL     string        `json:"base_url" yaml:"base_url"`
	EventsPath  string        `json:"events_path" yaml:"events_path"`
	StatsPath   string        `json:"stats_path" yaml:"stats_path"`
	ClearPath   string        `json:"clear_path" yaml:"clear_path"`
	ClearMethod string        `json:"clear_method" yaml:"clear_method"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	Window      time.Duration `json:"window" yaml:"window"`
	MaxRecords  int           `json:"max_records" yaml:"max_records"`
	Incremental bool          `json:"incremental" yaml:"incremental"`
	Mode        string        `json:"mode" yaml:"mode"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	EchoTests   bool          `json:"echo_tests" yaml:"echo_tests"`
	KafkaTopic  string        `json:"kafka_topic" yaml:"kafka_topic"`
	PageSize    int           `json:"page_size" yaml:"page_size"`
}

type WatchlistConfig struct {
	Trusted []string `json:"trusted" yaml:"trusted"`
	Blocked []string `json:"blocked" yaml:"blocked"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type IngestConfig struct {
	REST  RESTConfig       `json:"rest" yaml:"rest"`
	Kafka KafkaInputConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type KafkaInputConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	GroupID string `json:"group_id" yaml:"group_id"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

// KafkaConfig holds the brokers shared by the ingest consumer and the
// update publisher.
type KafkaConfig struct {
	Brokers      []string `json:"brokers" yaml:"brokers"`
	PublishTopic string   `json:"publish_topic" yaml:"publish_topic"`
}

type NoticesConfig struct {
	StoreLimit int           `json:"store_limit" yaml:"store_limit"`
	Cooldown   time.Duration `json:"cooldown" yaml:"cooldown"`
}

func DefaultDomains() []DomainConfig {
	return []DomainConfig{
		{
			Name: model.DomainGPS, Enabled: true, BaseURL: "http://localhost:5000",
			EventsPath: "/api/gps", ClearPath: "/api/gps/clear", ClearMethod: "POST",
			Interval: 10 * time.Second, Window: time.Hour, MaxRecords: 100, Mode: ModeMerge,
		},
		{
			Name: model.DomainBluetooth, Enabled: true, BaseURL: "http://localhost:5000",
			EventsPath: "/api/bluetooth_detections", StatsPath: "/api/bluetooth_detections/stats",
			ClearPath: "/api/bluetooth_detections/clear", ClearMethod: "DELETE",
			Interval: 5 * time.Second, Window: time.Hour, MaxRecords: 100, Mode: ModeMerge,
		},
		{
			Name: model.DomainDeauth, Enabled: true, BaseURL: "http://localhost:5000",
			EventsPath: "/api/deauth_logs", ClearPath: "/api/deauth_logs/clear", ClearMethod: "DELETE",
			Interval: 2 * time.Second, Window: time.Hour, MaxRecords: 100, Mode: ModeReplace,
			EchoTests: true,
		},
		{
			Name: model.DomainNetwork, Enabled: true, BaseURL: "http://localhost:5000",
			EventsPath: "/api/nids-alerts", StatsPath: "/api/nids-stats", ClearPath: "/api/nids-alerts",
			ClearMethod: "DELETE", Interval: 15 * time.Second, Window: time.Hour, MaxRecords: 100,
			Mode: ModeMerge, Incremental: true,
		},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Domains:   DefaultDomains(),
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Ingest:    IngestConfig{REST: RESTConfig{Enabled: true}, Kafka: KafkaInputConfig{GroupID: "wiguard"}},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:wiguard.db?_pragma=busy_timeout(5000)"},
		Notices:   NoticesConfig{StoreLimit: 200, Cooldown: 30 * time.Second},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON config content on top of the defaults.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as JSON for .json paths and YAML otherwise. The new
// content is written to a temp file in the same directory and renamed
// over path.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if len(cfg.Domains) == 0 {
		cfg.Domains = DefaultDomains()
	}
	for i := range cfg.Domains {
		d := &cfg.Domains[i]
		d.Name = model.Domain(strings.ToLower(strings.TrimSpace(string(d.Name))))
		if d.EventsPath == "" {
			d.EventsPath = "/events"
		}
		if d.ClearPath == "" {
			d.ClearPath = d.EventsPath
		}
		d.ClearMethod = strings.ToUpper(strings.TrimSpace(d.ClearMethod))
		if d.ClearMethod == "" {
			d.ClearMethod = "DELETE"
		}
		if d.Interval <= 0 {
			d.Interval = 10 * time.Second
		}
		if d.Window <= 0 {
			d.Window = time.Hour
		}
		if d.MaxRecords <= 0 {
			d.MaxRecords = 100
		}
		if d.Mode == "" {
			d.Mode = ModeMerge
		}
		if d.Timeout <= 0 {
			d.Timeout = 10 * time.Second
		}
		if d.PageSize <= 0 {
			d.PageSize = 10
		}
	}
	if cfg.Notices.StoreLimit <= 0 {
		cfg.Notices.StoreLimit = 200
	}
	if cfg.Ingest.Kafka.GroupID == "" {
		cfg.Ingest.Kafka.GroupID = "wiguard"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	seen := make(map[model.Domain]struct{}, len(cfg.Domains))
	for _, d := range cfg.Domains {
		if !d.Name.Valid() {
			return fmt.Errorf("domains: unknown domain %q", d.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("domains: %s configured twice", d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Enabled && d.BaseURL == "" {
			return fmt.Errorf("domains.%s.base_url required when enabled", d.Name)
		}
		if d.Mode != ModeMerge && d.Mode != ModeReplace {
			return fmt.Errorf("domains.%s.mode must be merge or replace", d.Name)
		}
		switch d.ClearMethod {
		case "DELETE", "POST":
		default:
			return fmt.Errorf("domains.%s.clear_method must be DELETE or POST", d.Name)
		}
	}
	if cfg.Ingest.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("ingest.kafka requires kafka.brokers")
	}
	if cfg.Kafka.PublishTopic != "" && len(cfg.Kafka.Brokers) == 0 {
		return errors.New("kafka.publish_topic requires kafka.brokers")
	}
	return nil
}

// Domain returns the configuration for one domain.
func (c *Config) Domain(name model.Domain) (DomainConfig, bool) {
	for _, d := range c.Domains {
		if d.Name == name {
			return d, true
		}
	}
	return DomainConfig{}, false
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops
// without a path.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

// Update validates cfg, persists it when the manager has a path and makes
// it current.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		m.touch()
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) touch() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
