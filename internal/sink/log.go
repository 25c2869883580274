package sink

import (
	"context"
	"log/slog"

	"wiguard/internal/model"
)

// Log writes one structured line per batch. Batches that changed nothing
// are logged at debug level.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, u model.Update) {
	if l == nil || l.logger == nil {
		return
	}
	level := slog.LevelInfo
	if u.Inserted == 0 && u.Updated == 0 && len(u.Removed) == 0 {
		level = slog.LevelDebug
	}
	l.logger.Log(ctx, level, "batch applied",
		"domain", string(u.Domain),
		"reason", string(u.Reason),
		"seq", u.Seq,
		"inserted", u.Inserted,
		"updated", u.Updated,
		"evicted", u.Evicted,
		"removed", len(u.Removed),
		"total", u.Stats.Total,
		"average", u.Stats.AverageText,
	)
}
