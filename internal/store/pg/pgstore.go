package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pulseboard.org/internal/event"
	"pulseboard.org/internal/record"
)

// Store bundles the durable implementations over one connection pool.
type Store struct {
	db *sql.DB
}

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

// NewStore wraps an existing pool (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Records returns the durable record store.
func (s *Store) Records() record.Store { return &recordStore{db: s.db} }

// History returns the durable mutation event log.
func (s *Store) History() record.History { return &historyStore{db: s.db} }

// Record store ---------------------------------------------------------------

type recordStore struct{ db *sql.DB }

var _ record.Store = (*recordStore)(nil)

func (s *recordStore) Get(ctx context.Context, trackID, recordID string) (record.Record, error) {
	var rec record.Record
	err := s.db.QueryRowContext(ctx, `
		select id, track_id, version, data, created_at, updated_at
		from records where track_id=$1 and id=$2
	`, trackID, recordID).Scan(&rec.ID, &rec.TrackID, &rec.Version, &rec.Data, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, record.ErrNotFound
	}
	if err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

func (s *recordStore) Insert(ctx context.Context, rec record.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into records(id, track_id, version, data, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6)
	`, rec.ID, rec.TrackID, rec.Version, []byte(rec.Data), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (s *recordStore) Update(ctx context.Context, rec record.Record) error {
	res, err := s.db.ExecContext(ctx, `
		update records set version=$3, data=$4, updated_at=$5
		where track_id=$1 and id=$2
	`, rec.TrackID, rec.ID, rec.Version, []byte(rec.Data), rec.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return record.ErrNotFound
	}
	return nil
}

func (s *recordStore) Delete(ctx context.Context, trackID, recordID string) error {
	res, err := s.db.ExecContext(ctx, `delete from records where track_id=$1 and id=$2`, trackID, recordID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return record.ErrNotFound
	}
	return nil
}

// Event history --------------------------------------------------------------

type historyStore struct{ db *sql.DB }

var _ record.History = (*historyStore)(nil)

const appendAttempts = 5

// Append assigns the next contiguous per-track sequence. Two appenders racing
// for the same track lose as a serialization failure or a unique violation;
// those are replayed here rather than surfaced, so a routine sequence race
// never drops an accepted mutation from the history.
func (s *historyStore) Append(ctx context.Context, ev *event.Event) error {
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
		}
		if err = s.appendOnce(ctx, ev); err == nil || !retryableAppend(err) {
			return err
		}
	}
	return err
}

func (s *historyStore) appendOnce(ctx context.Context, ev *event.Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Contiguous per-track sequence; unique(track_id, seq) plus the
	// serializable transaction rejects concurrent duplicate assignment.
	if err := tx.QueryRowContext(ctx, `
		insert into record_events(track_id, seq, kind, entity_id, version, actor_id, payload, created_at)
		values ($1, (select coalesce(max(seq), 0) + 1 from record_events where track_id=$1), $2, $3, $4, $5, $6, $7)
		returning seq
	`, ev.TrackID, ev.Kind, ev.EntityID, ev.Version, ev.ActorID, []byte(ev.Payload), ev.Timestamp).Scan(&ev.Seq); err != nil {
		return err
	}
	return tx.Commit()
}

// retryableAppend reports whether the failure came from the sequence race:
// 40001 serialization_failure or 23505 unique_violation.
func retryableAppend(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "23505"
	}
	return false
}

func (s *historyStore) Since(ctx context.Context, trackID string, after uint64) ([]event.Event, error) {
	// If the head of the requested window was discarded by retention, the
	// gap cannot be filled and the caller must refetch full state.
	var minSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		select min(seq) from record_events where track_id=$1
	`, trackID).Scan(&minSeq); err != nil {
		return nil, err
	}
	if !minSeq.Valid {
		if after > 0 {
			return nil, record.ErrResyncRequired
		}
		return nil, nil
	}
	if after+1 < uint64(minSeq.Int64) {
		return nil, record.ErrResyncRequired
	}

	rows, err := s.db.QueryContext(ctx, `
		select track_id, seq, kind, entity_id, version, actor_id, payload, created_at
		from record_events
		where track_id=$1 and seq > $2
		order by seq asc
	`, trackID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var ev event.Event
		var payload []byte
		if err := rows.Scan(&ev.TrackID, &ev.Seq, &ev.Kind, &ev.EntityID, &ev.Version, &ev.ActorID, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *historyStore) Latest(ctx context.Context, trackID string) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		select max(seq) from record_events where track_id=$1
	`, trackID).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
