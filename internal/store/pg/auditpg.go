package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"keymint.dev/internal/audit"
)

// Store persists the append-only audit stream in Postgres. The sequence is a
// bigserial assigned by the database, so ordering survives restarts and
// multiple broker instances sharing one database.
type Store struct {
	db *sql.DB
}

var (
	_ audit.Recorder = (*Store)(nil)
	_ audit.Reader   = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle. Test use.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Append(ctx context.Context, rec audit.Record) (audit.Record, error) {
	if err := audit.Normalize(ctx, &rec); err != nil {
		return audit.Record{}, err
	}

	var fields []byte
	if len(rec.Fields) > 0 {
		var err error
		fields, err = json.Marshal(rec.Fields)
		if err != nil {
			return audit.Record{}, err
		}
	}

	err := s.db.QueryRowContext(ctx, `
		insert into audit_records(id, at, event, actor, resource, outcome, reason, request_id, fields)
		values ($1,$2,$3,$4,nullif($5,''),$6,nullif($7,''),nullif($8,''),$9)
		returning seq
	`, rec.ID, rec.Time, rec.Event, rec.Actor, rec.Resource, string(rec.Outcome),
		rec.Reason, rec.RequestID, nullableJSON(fields)).Scan(&rec.Seq)
	if err != nil {
		return audit.Record{}, err
	}

	audit.Mirror(rec)
	return rec, nil
}

func (s *Store) List(ctx context.Context, afterSeq uint64, limit int) ([]audit.Record, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select seq, id, at, event, actor, coalesce(resource,''), outcome,
		       coalesce(reason,''), coalesce(request_id,''), fields
		from audit_records
		where seq > $1
		order by seq asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []audit.Record
	var last uint64
	for rows.Next() {
		var rec audit.Record
		var outcome string
		var fields []byte
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Time, &rec.Event, &rec.Actor,
			&rec.Resource, &outcome, &rec.Reason, &rec.RequestID, &fields); err != nil {
			return nil, 0, err
		}
		rec.Outcome = audit.Outcome(outcome)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &rec.Fields); err != nil {
				return nil, 0, err
			}
		}
		res = append(res, rec)
		last = rec.Seq
	}
	return res, last, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
