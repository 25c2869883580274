package storage

import (
	"context"
	"log/slog"
	"time"

	"wiguard/internal/model"
)

// Archive is the notify.Sink that persists batches. Evicted records stay
// archived; a confirmed clear removes the domain's rows.
type Archive struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
}

func NewArchive(store Store, logger *slog.Logger) *Archive {
	return &Archive{store: store, timeout: 10 * time.Second, logger: logger}
}

func (a *Archive) Notify(ctx context.Context, u model.Update) {
	if a == nil || a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if u.Reason == model.ReasonClear {
		n, err := a.store.ClearDomain(ctx, u.Domain)
		a.report("archive clear", u, err, "deleted", n)
		return
	}
	if len(u.Changed) == 0 {
		return
	}
	err := a.store.SaveRecords(ctx, u.Domain, u.Changed)
	a.report("archive save", u, err, "records", len(u.Changed))
}

func (a *Archive) report(op string, u model.Update, err error, key string, n any) {
	if a.logger == nil {
		return
	}
	if err != nil {
		a.logger.Warn(op+" failed", "domain", string(u.Domain), "seq", u.Seq, "err", err)
		return
	}
	a.logger.Debug(op, "domain", string(u.Domain), "seq", u.Seq, key, n)
}

// Restore loads what the archive still holds inside the retention window.
func (a *Archive) Restore(ctx context.Context, domain model.Domain, window time.Duration, limit int) ([]model.Record, error) {
	if a == nil || a.store == nil {
		return nil, nil
	}
	return a.store.LoadRecords(ctx, domain, nowUTC().Add(-window), limit)
}
