package store

import (
	"context"
	"database/sql"
	"time"

	"sendflow/internal/domain"
)

const scheduleCols = `id,tenant_id,contact_id,body,media_path,send_at,sent_at,status,recurrence_id`

func (s *Store) CreateSchedule(ctx context.Context, sc *domain.Schedule) error {
	if sc.Status == "" {
		sc.Status = domain.SchedulePending
	}
	var rec any
	if sc.RecurrenceID != nil {
		rec = *sc.RecurrenceID
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (tenant_id,contact_id,body,media_path,send_at,sent_at,status,recurrence_id)
VALUES (?,?,?,?,?,?,?,?)`,
		sc.TenantID, sc.ContactID, sc.Body, sc.MediaPath, unixMS(sc.SendAt), unixMSPtr(sc.SentAt), sc.Status, rec)
	if err != nil {
		return err
	}
	sc.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	return scanSchedule(row)
}

// ListPendingSchedules returns PENDING, unsent schedules due in [from, to).
func (s *Store) ListPendingSchedules(ctx context.Context, from, to time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules
WHERE status=? AND sent_at IS NULL AND send_at >= ? AND send_at < ?
ORDER BY send_at`, domain.SchedulePending, unixMS(from), unixMS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ReserveSchedule flips PENDING to QUEUED atomically so the poller cannot
// pick the same row twice inside its lookahead window. Returns whether this
// caller got the reservation.
func (s *Store) ReserveSchedule(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status=? WHERE id=? AND status=?`,
		domain.ScheduleQueued, id, domain.SchedulePending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) MarkScheduleSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status=?, sent_at=? WHERE id=?`,
		domain.ScheduleSent, unixMS(at), id)
	return err
}

// RearmSchedule puts a recurring schedule back to PENDING with its next send
// time; sent_at stays null until the recurrence finally terminates.
func (s *Store) RearmSchedule(ctx context.Context, id int64, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status=?, send_at=? WHERE id=?`,
		domain.SchedulePending, unixMS(next), id)
	return err
}

func (s *Store) MarkScheduleError(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status=? WHERE id=?`, domain.ScheduleError, id)
	return err
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var sc domain.Schedule
	var sentAt, recurrence sql.NullInt64
	var sendAt int64
	if err := row.Scan(&sc.ID, &sc.TenantID, &sc.ContactID, &sc.Body, &sc.MediaPath,
		&sendAt, &sentAt, &sc.Status, &recurrence); err != nil {
		return domain.Schedule{}, err
	}
	sc.SendAt = time.UnixMilli(sendAt)
	sc.SentAt = timePtr(sentAt)
	if recurrence.Valid {
		v := recurrence.Int64
		sc.RecurrenceID = &v
	}
	return sc, nil
}

// --- recurrences ---

func (s *Store) CreateRecurrence(ctx context.Context, r *domain.Recurrence) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO recurrences (tenant_id,interval_days,body,media_path,media_name) VALUES (?,?,?,?,?)`,
		r.TenantID, r.IntervalDays, r.Body, r.MediaPath, r.MediaName)
	if err != nil {
		return err
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetRecurrence(ctx context.Context, id int64) (domain.Recurrence, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,tenant_id,interval_days,body,media_path,media_name FROM recurrences WHERE id=?`, id)
	var r domain.Recurrence
	err := row.Scan(&r.ID, &r.TenantID, &r.IntervalDays, &r.Body, &r.MediaPath, &r.MediaName)
	return r, err
}

// --- presence ---

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (tenant_id,online,updated_at) VALUES (?,?,?)`,
		u.TenantID, u.Online, unixMS(u.UpdatedAt))
	if err != nil {
		return err
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,tenant_id,online,updated_at FROM users WHERE id=?`, id)
	var u domain.User
	var updated int64
	if err := row.Scan(&u.ID, &u.TenantID, &u.Online, &updated); err != nil {
		return domain.User{}, err
	}
	u.UpdatedAt = time.UnixMilli(updated)
	return u, nil
}

// MarkStaleUsersOffline flips online users whose last activity predates the
// cutoff. Returns how many rows changed.
func (s *Store) MarkStaleUsersOffline(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET online=0 WHERE online=1 AND updated_at < ?`, unixMS(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
