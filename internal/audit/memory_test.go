package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"keymint.dev/internal/obs"
)

func TestAppendAssignsSequenceAndMirrors(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	store := NewMemory()
	ctx := WithRequestID(context.Background(), "req-123")

	rec, err := store.Append(ctx, Record{
		Event:   "lease.checkout",
		Actor:   "ci-acme",
		Outcome: OutcomeSuccess,
		Fields:  map[string]any{"profile": "s3-readonly"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", rec.Seq)
	}
	if rec.ID == "" || rec.Time.IsZero() {
		t.Fatalf("store-assigned fields missing: %+v", rec)
	}
	if rec.RequestID != "req-123" {
		t.Fatalf("request id not taken from context: %q", rec.RequestID)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != "lease.checkout" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
}

func TestAppendRejectsEmptyEvent(t *testing.T) {
	store := NewMemory()
	if _, err := store.Append(context.Background(), Record{}); err == nil {
		t.Fatal("expected error for empty event")
	}
}

func TestAppendDefaultsActorToUnknown(t *testing.T) {
	store := NewMemory()
	rec, err := store.Append(context.Background(), Record{Event: "assertion.validate"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Actor != ActorUnknown {
		t.Fatalf("expected actor %q, got %q", ActorUnknown, rec.Actor)
	}
}

func TestListPagesInSequenceOrder(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, Record{Event: "lease.sweep"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recs, last, err := store.List(ctx, 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].Seq != 3 || recs[1].Seq != 4 {
		t.Fatalf("unexpected page: %+v", recs)
	}
	if last != 4 {
		t.Fatalf("unexpected last seq: %d", last)
	}
}

type captureSink struct{ recs []Record }

func (c *captureSink) Publish(rec Record) { c.recs = append(c.recs, rec) }

func TestWithSinkMirrorsAppendedRecords(t *testing.T) {
	sink := &captureSink{}
	rec := WithSink(NewMemory(), sink)
	if _, err := rec.Append(context.Background(), Record{Event: "lease.checkin"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(sink.recs) != 1 || sink.recs[0].Seq != 1 {
		t.Fatalf("sink did not receive record: %+v", sink.recs)
	}
}
