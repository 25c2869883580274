package ingest

import (
	"context"
	"log/slog"
	"time"

	"wiguard/internal/model"
)

// Target receives pushed event batches for a domain.
type Target interface {
	Ingest(ctx context.Context, domain model.Domain, source string, raws []map[string]any) (model.Update, error)
}

// Batch is one decoded push: a Kafka message or a webhook body.
type Batch struct {
	Domain model.Domain
	Source string
	Events []map[string]any
}

func SendNonBlocking(ctx context.Context, out chan<- Batch, b Batch, logger *slog.Logger) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("ingest queue full, dropping batch", "domain", string(b.Domain), "events", len(b.Events))
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain hands queued batches to target until ctx is done.
func Drain(ctx context.Context, in <-chan Batch, target Target, logger *slog.Logger) {
	for {
		select {
		case b := <-in:
			if _, err := target.Ingest(ctx, b.Domain, b.Source, b.Events); err != nil && logger != nil {
				logger.Warn("ingest failed", "domain", string(b.Domain), "source", b.Source, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
