package stream

import (
	"context"
	"sync"

	"keymint.dev/internal/audit"
)

// Stream fan-outs audit records to all active subscribers (SSE clients).
// It implements audit.Sink, so wiring it through audit.WithSink gives every
// subscriber a live copy of the append-only stream.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan audit.Record
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan audit.Record)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// records. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan audit.Record {
	ch := make(chan audit.Record, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the record to all subscribers without blocking the
// append path.
func (s *Stream) Publish(rec audit.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- rec:
		default:
			// Drop when subscriber is slow; the durable store keeps the
			// authoritative copy.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
