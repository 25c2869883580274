package notice

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"wiguard/internal/model"
)

// Feed is what the schedulers report through: a Store plus a throttle for
// repeated failures.
type Feed struct {
	store    *Store
	cooldown *Cooldown
	window   atomic.Int64
	logger   *slog.Logger
}

func NewFeed(store *Store, window time.Duration, logger *slog.Logger) *Feed {
	if store == nil {
		store = NewStore(0)
	}
	f := &Feed{store: store, cooldown: NewCooldown(), logger: logger}
	f.window.Store(int64(window))
	return f
}

func (f *Feed) Store() *Store {
	if f == nil {
		return nil
	}
	return f.store
}

func (f *Feed) SetWindow(d time.Duration) {
	if f != nil {
		f.window.Store(int64(d))
	}
}

func (f *Feed) Info(domain model.Domain, format string, args ...any) {
	f.add(LevelInfo, domain, fmt.Sprintf(format, args...))
}

func (f *Feed) Success(domain model.Domain, format string, args ...any) {
	f.add(LevelSuccess, domain, fmt.Sprintf(format, args...))
}

// Failure records an error notice unless the same key fired within the
// cooldown window. It reports whether a notice was added.
func (f *Feed) Failure(domain model.Domain, key string, err error) bool {
	if f == nil || err == nil {
		return false
	}
	if !f.cooldown.AllowKey(string(domain)+"|"+key, time.Duration(f.window.Load())) {
		return false
	}
	f.add(LevelError, domain, fmt.Sprintf("%s: %v", key, err))
	return true
}

// Warning records a throttled warning under key, like Failure.
func (f *Feed) Warning(domain model.Domain, key, format string, args ...any) bool {
	if f == nil {
		return false
	}
	if !f.cooldown.AllowKey(string(domain)+"|"+key, time.Duration(f.window.Load())) {
		return false
	}
	f.add(LevelWarning, domain, fmt.Sprintf(format, args...))
	return true
}

// Recovered re-arms the throttle for key after a success.
func (f *Feed) Recovered(domain model.Domain, key string) {
	if f == nil {
		return
	}
	f.cooldown.Reset(string(domain) + "|" + key)
}

func (f *Feed) add(level Level, domain model.Domain, msg string) {
	if f == nil {
		return
	}
	f.store.Add(Notice{Level: level, Domain: domain, Message: msg})
	if f.logger != nil {
		f.logger.Debug("notice", "level", string(level), "domain", string(domain), "message", msg)
	}
}
