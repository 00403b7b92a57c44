package pg

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"pulseboard.org/internal/audit"
)

// Audit returns the durable append-only audit store.
func (s *Store) Audit() audit.Store { return &auditStore{db: s.db} }

type auditStore struct{ db *sql.DB }

var _ audit.Store = (*auditStore)(nil)

func (s *auditStore) Append(ctx context.Context, entry *audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries(id, entity_type, entity_id, track_id, actor_id, before, after, occurred_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.TrackID, entry.ActorID,
		[]byte(entry.Before), []byte(entry.After), entry.OccurredAt)
	return err
}

func (s *auditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.EntityType != "" {
		add("entity_type=", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id=", f.EntityID)
	}
	if f.TrackID != "" {
		add("track_id=", f.TrackID)
	}
	if !f.From.IsZero() {
		add("occurred_at>=", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at<=", f.To)
	}

	query := `select id, entity_type, entity_id, track_id, actor_id, before, after, occurred_at from audit_entries`
	if len(conds) > 0 {
		query += " where " + strings.Join(conds, " and ")
	}
	query += " order by occurred_at asc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var before, after []byte
		var trackID, actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &trackID, &actorID, &before, &after, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.TrackID = trackID.String
		e.ActorID = actorID.String
		e.Before = before
		e.After = after
		out = append(out, e)
	}
	return out, rows.Err()
}
