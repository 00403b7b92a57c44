package pg

import (
	"context"
	"database/sql"

	"pulseboard.org/internal/fanout"
)

// Notifications returns the durable notification ledger.
func (s *Store) Notifications() fanout.NotificationStore { return &notificationStore{db: s.db} }

type notificationStore struct{ db *sql.DB }

var _ fanout.NotificationStore = (*notificationStore)(nil)

func (s *notificationStore) Insert(ctx context.Context, n fanout.Notification) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into notifications(id, user_id, payload, read, created_at)
		values ($1,$2,$3,false,$4)
		on conflict (id) do nothing
	`, n.ID, n.UserID, []byte(n.Payload), n.CreatedAt)
	if err != nil {
		return false, err
	}
	inserted, _ := res.RowsAffected()
	return inserted > 0, nil
}

func (s *notificationStore) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update notifications set read=true where id=$1 and user_id=$2
	`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already-read rows also report zero affected on some drivers, so
		// check existence before declaring the id unknown.
		var exists bool
		if err := s.db.QueryRowContext(ctx, `
			select exists(select 1 from notifications where id=$1 and user_id=$2)
		`, id, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fanout.ErrNotFound
		}
	}
	return nil
}

func (s *notificationStore) MarkAllRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		update notifications set read=true where user_id=$1 and read=false
	`, userID)
	return err
}

func (s *notificationStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from notifications where id=$1 and user_id=$2
	`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fanout.ErrNotFound
	}
	return nil
}

func (s *notificationStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from notifications where user_id=$1 and read=false
	`, userID).Scan(&count)
	return count, err
}

func (s *notificationStore) List(ctx context.Context, userID string, unreadOnly bool) ([]fanout.Notification, error) {
	query := `
		select id, user_id, payload, read, created_at
		from notifications where user_id=$1
	`
	if unreadOnly {
		query += ` and read=false`
	}
	query += ` order by created_at asc`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fanout.Notification
	for rows.Next() {
		var n fanout.Notification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.UserID, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Payload = payload
		out = append(out, n)
	}
	return out, rows.Err()
}
