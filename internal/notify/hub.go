package notify

import (
	"context"
	"log/slog"
	"sync"

	"wiguard/internal/model"
)

// Sink receives every batch update of the domains it is subscribed to.
type Sink interface {
	Notify(ctx context.Context, u model.Update)
}

type SinkFunc func(ctx context.Context, u model.Update)

func (f SinkFunc) Notify(ctx context.Context, u model.Update) {
	f(ctx, u)
}

// Hub fans updates out to subscribed sinks. Delivery is sequential: a
// sink sees updates in publish order and never two at once.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	sinks  []entry

	deliver sync.Mutex
}

type entry struct {
	id   int
	sink Sink
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{logger: logger}
}

// Subscribe registers s and returns a function that removes it again.
func (h *Hub) Subscribe(s Sink) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.sinks = append(h.sinks, entry{id: id, sink: s})
	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.sinks {
		if e.id == id {
			h.sinks = append(h.sinks[:i:i], h.sinks[i+1:]...)
			return
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

// Publish delivers u to every current sink. A panicking sink is logged
// and skipped so the others still see the update.
func (h *Hub) Publish(ctx context.Context, u model.Update) {
	h.mu.Lock()
	sinks := make([]entry, len(h.sinks))
	copy(sinks, h.sinks)
	h.mu.Unlock()

	h.deliver.Lock()
	defer h.deliver.Unlock()
	for _, e := range sinks {
		h.notifyOne(ctx, e.sink, u)
	}
}

func (h *Hub) notifyOne(ctx context.Context, s Sink, u model.Update) {
	defer func() {
		if r := recover(); r != nil && h.logger != nil {
			h.logger.Error("sink panicked", "domain", u.Domain, "seq", u.Seq, "panic", r)
		}
	}()
	s.Notify(ctx, u)
}
