package store

import (
	"context"
	"database/sql"
	"time"

	"sendflow/internal/domain"
)

const shippingCols = `id,campaign_id,contact_id,number,message,confirmation_message,confirmation_requested_at,delivered_at,task_id,created_at,updated_at`

// GetOrCreateShipping inserts the record keyed by (campaign, contact) or
// returns the existing one. The conditional insert rides on the composite
// unique constraint, so concurrent callers cannot race a duplicate into
// existence the way read-then-write would.
func (s *Store) GetOrCreateShipping(ctx context.Context, rec domain.ShippingRecord) (domain.ShippingRecord, bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO shipping_records (campaign_id,contact_id,number,message,confirmation_message,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(campaign_id,contact_id) DO NOTHING`,
		rec.CampaignID, rec.ContactID, rec.Number, rec.Message, rec.ConfirmationMessage,
		unixMS(now), unixMS(now))
	if err != nil {
		return domain.ShippingRecord{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ShippingRecord{}, false, err
	}

	row := s.db.QueryRowContext(ctx, `
SELECT `+shippingCols+` FROM shipping_records WHERE campaign_id=? AND contact_id=?`,
		rec.CampaignID, rec.ContactID)
	got, err := scanShipping(row)
	return got, n > 0, err
}

func (s *Store) GetShipping(ctx context.Context, id int64) (domain.ShippingRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shippingCols+` FROM shipping_records WHERE id=?`, id)
	return scanShipping(row)
}

// RefreshShippingContent updates the resolved bodies on a record that has
// neither been delivered nor had a confirmation requested. This is what lets
// template edits mid-campaign take effect without breaking idempotency.
func (s *Store) RefreshShippingContent(ctx context.Context, id int64, number, message, confirmationMessage string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE shipping_records SET number=?, message=?, confirmation_message=?, updated_at=?
WHERE id=? AND delivered_at IS NULL AND confirmation_requested_at IS NULL`,
		number, message, confirmationMessage, unixMS(time.Now()), id)
	return err
}

// SetShippingTask stores the live dispatch task id for later inspection.
func (s *Store) SetShippingTask(ctx context.Context, id int64, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE shipping_records SET task_id=?, updated_at=? WHERE id=? AND delivered_at IS NULL`,
		taskID, unixMS(time.Now()), id)
	return err
}

// MarkShippingDelivered stamps the terminal delivery time. The guard makes a
// duplicate dispatch a no-op; the return value reports whether this call won.
func (s *Store) MarkShippingDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE shipping_records SET delivered_at=?, updated_at=? WHERE id=? AND delivered_at IS NULL`,
		unixMS(at), unixMS(at), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) MarkShippingConfirmationRequested(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE shipping_records SET confirmation_requested_at=?, updated_at=?
WHERE id=? AND confirmation_requested_at IS NULL AND delivered_at IS NULL`,
		unixMS(at), unixMS(at), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CountDelivered(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shipping_records WHERE campaign_id=? AND delivered_at IS NOT NULL`,
		campaignID).Scan(&n)
	return n, err
}

func (s *Store) CountConfirmationRequested(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM shipping_records
WHERE campaign_id=? AND confirmation_requested_at IS NOT NULL AND delivered_at IS NULL`,
		campaignID).Scan(&n)
	return n, err
}

func (s *Store) CountShipping(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shipping_records WHERE campaign_id=?`, campaignID).Scan(&n)
	return n, err
}

func scanShipping(row rowScanner) (domain.ShippingRecord, error) {
	var r domain.ShippingRecord
	var confirmedAt, deliveredAt sql.NullInt64
	var taskID sql.NullString
	var created, updated int64
	if err := row.Scan(&r.ID, &r.CampaignID, &r.ContactID, &r.Number, &r.Message, &r.ConfirmationMessage,
		&confirmedAt, &deliveredAt, &taskID, &created, &updated); err != nil {
		return domain.ShippingRecord{}, err
	}
	r.ConfirmationRequestedAt = timePtr(confirmedAt)
	r.DeliveredAt = timePtr(deliveredAt)
	if taskID.Valid {
		v := taskID.String
		r.TaskID = &v
	}
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}
