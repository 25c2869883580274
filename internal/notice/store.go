package notice

import (
	"sync"
	"time"

	"wiguard/internal/model"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a short, non-blocking message for the operator: a failed
// poll, a confirmed clear, a test record that was added.
type Notice struct {
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Level     Level        `json:"level"`
	Domain    model.Domain `json:"domain,omitempty"`
	Message   string       `json:"message"`
}

// Store is a bounded ring of recent notices.
type Store struct {
	mu    sync.RWMutex
	buf   []Notice
	limit int
	seq   uint64
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 200
	}
	return &Store{limit: limit}
}

func (s *Store) Add(n Notice) Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	n.Seq = s.seq
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, n)
		return n
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = n
	return n
}

// List returns the newest limit notices, oldest first.
func (s *Store) List(limit int) []Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]Notice, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notice, 0)
	for _, n := range s.buf {
		if !n.Timestamp.Before(ts) {
			out = append(out, n)
		}
	}
	return out
}

// After returns notices with a sequence number greater than seq, for
// clients that poll the feed.
func (s *Store) After(seq uint64) []Notice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notice, 0)
	for _, n := range s.buf {
		if n.Seq > seq {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
