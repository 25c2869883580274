package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"wiguard/internal/config"
	"wiguard/internal/model"
)

// StartKafka starts one consumer per domain that has a kafka_topic and
// feeds decoded messages to target through a bounded queue.
func StartKafka(ctx context.Context, cfg *config.Config, target Target, logger *slog.Logger) int {
	if !cfg.Ingest.Kafka.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return 0
	}
	queue := make(chan Batch, 256)
	started := 0
	for _, d := range cfg.Domains {
		if !d.Enabled || d.KafkaTopic == "" {
			continue
		}
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    d.KafkaTopic,
			GroupID:  cfg.Ingest.Kafka.GroupID,
			MinBytes: 1e3,
			MaxBytes: 10e6,
			MaxWait:  time.Second,
		})
		if logger != nil {
			logger.Info("kafka ingest enabled", "domain", string(d.Name), "brokers", cfg.Kafka.Brokers, "topic", d.KafkaTopic, "group_id", cfg.Ingest.Kafka.GroupID)
		}
		go consume(ctx, reader, d.Name, queue, logger)
		started++
	}
	if started > 0 {
		go Drain(ctx, queue, target, logger)
	}
	return started
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func consume(ctx context.Context, reader messageReader, domain model.Domain, out chan<- Batch, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "domain", string(domain), "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		events, err := DecodePayload(m.Value)
		if err != nil {
			if logger != nil {
				logger.Warn("kafka decode error", "domain", string(domain), "offset", m.Offset, "err", err)
			}
			continue
		}
		if len(events) == 0 {
			continue
		}
		SendNonBlocking(ctx, out, Batch{Domain: domain, Source: "kafka", Events: events}, logger)
	}
}
