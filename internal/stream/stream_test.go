package stream

import (
	"context"
	"testing"
	"time"

	"keymint.dev/internal/audit"
)

func TestSubscribeReceivesPublishedRecords(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	s.Publish(audit.Record{Seq: 1, Event: "lease.checkout"})

	select {
	case rec := <-ch:
		if rec.Event != "lease.checkout" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("record not delivered")
	}
}

func TestCancelledSubscriberIsRemoved(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for s.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after cancel")
		}
		time.Sleep(time.Millisecond)
	}

	if _, open := <-ch; open {
		t.Fatal("channel must be closed after cancel")
	}

	// A publish after removal must not panic or block.
	s.Publish(audit.Record{Seq: 2, Event: "lease.checkin"})
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = s.Subscribe(ctx) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Publish(audit.Record{Seq: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
