package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"keymint.dev/internal/ids"
	"keymint.dev/internal/obs"
)

// Memory is an in-process append-only store with a monotonic sequence.
// Suitable for tests and single-node deployments; the Postgres store in
// internal/store/pg is the durable option.
type Memory struct {
	mu   sync.RWMutex
	seq  uint64
	recs []Record
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, rec Record) (Record, error) {
	if err := Normalize(ctx, &rec); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	m.seq++
	rec.Seq = m.seq
	m.recs = append(m.recs, rec)
	m.mu.Unlock()

	Mirror(rec)
	return rec, nil
}

func (m *Memory) List(ctx context.Context, afterSeq uint64, limit int) ([]Record, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Record
	var last uint64
	for _, rec := range m.recs {
		if rec.Seq <= afterSeq {
			continue
		}
		res = append(res, rec)
		last = rec.Seq
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// Normalize fills store-assigned fields and validates the caller's part.
// Shared with the Postgres store.
func Normalize(ctx context.Context, rec *Record) error {
	rec.Event = strings.TrimSpace(rec.Event)
	if rec.Event == "" {
		return errors.New("audit: event name is required")
	}
	if rec.Actor == "" {
		rec.Actor = ActorUnknown
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeFailure
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if rec.RequestID == "" {
		rec.RequestID = RequestIDFromContext(ctx)
	}
	if rec.Fields != nil {
		copied := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			copied[k] = v
		}
		rec.Fields = copied
	}
	return nil
}

// Mirror emits the record as a structured JSON log line.
func Mirror(rec Record) {
	entry := map[string]any{
		"ts":      rec.Time.Format(time.RFC3339Nano),
		"type":    "audit",
		"seq":     rec.Seq,
		"event":   rec.Event,
		"actor":   rec.Actor,
		"outcome": rec.Outcome,
	}
	if rec.Resource != "" {
		entry["resource"] = rec.Resource
	}
	if rec.Reason != "" {
		entry["reason"] = rec.Reason
	}
	if rec.RequestID != "" {
		entry["request_id"] = rec.RequestID
	}
	if len(rec.Fields) > 0 {
		entry["fields"] = rec.Fields
	}
	data, err := json.Marshal(entry)
	if err != nil {
		obs.Logger().Println(`{"type":"audit","error":"marshal failed"}`)
		return
	}
	obs.Logger().Println(string(data))
}
