package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"wiguard/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards every update to a topic, keyed by domain so a
// domain's updates stay ordered within one partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	if logger != nil {
		logger.Info("kafka publisher enabled", "brokers", brokers, "topic", topic)
	}
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second, logger: logger}
}

// updateMessage is the published shape: the update without the full
// changed records, which consumers can fetch from the API.
type updateMessage struct {
	Seq      uint64       `json:"seq"`
	Domain   model.Domain `json:"domain"`
	Reason   model.Reason `json:"reason"`
	Time     time.Time    `json:"time"`
	Inserted int          `json:"inserted"`
	Updated  int          `json:"updated"`
	Evicted  int          `json:"evicted"`
	Changed  []string     `json:"changed,omitempty"`
	Removed  []string     `json:"removed,omitempty"`
	Stats    model.Stats  `json:"stats"`
}

func encodeUpdate(u model.Update) ([]byte, error) {
	msg := updateMessage{
		Seq: u.Seq, Domain: u.Domain, Reason: u.Reason, Time: u.Time,
		Inserted: u.Inserted, Updated: u.Updated, Evicted: u.Evicted,
		Removed: u.Removed, Stats: u.Stats,
	}
	for _, rec := range u.Changed {
		msg.Changed = append(msg.Changed, rec.ID)
	}
	return json.Marshal(msg)
}

func (p *KafkaPublisher) Notify(ctx context.Context, u model.Update) {
	value, err := encodeUpdate(u)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("kafka encode error", "domain", string(u.Domain), "err", err)
		}
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.Domain), Value: value, Time: u.Time}); err != nil {
		if p.logger != nil {
			p.logger.Warn("kafka publish error", "domain", string(u.Domain), "seq", u.Seq, "err", err)
		}
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
