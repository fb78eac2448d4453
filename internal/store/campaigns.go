package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sendflow/internal/domain"
)

const campaignCols = `id,tenant_id,name,channel_id,contact_list_id,status,confirmation,messages,confirmation_messages,media_path,media_name,scheduled_at,completed_at,created_at,updated_at`

// CreateCampaign inserts a campaign and fills in its id. The admin surface
// owns campaign CRUD in production; this exists for seeding and tests.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	now := time.Now()
	msgs, err := json.Marshal(c.Messages)
	if err != nil {
		return err
	}
	confMsgs, err := json.Marshal(c.ConfirmationMessages)
	if err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO campaigns (tenant_id,name,channel_id,contact_list_id,status,confirmation,messages,confirmation_messages,media_path,media_name,scheduled_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.TenantID, c.Name, c.ChannelID, c.ContactListID, c.Status, c.Confirmation,
		string(msgs), string(confMsgs), c.MediaPath, c.MediaName, unixMSPtr(c.ScheduledAt),
		unixMS(now), unixMS(now))
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=?`, id)
	return scanCampaign(row)
}

// ListDueCampaigns returns SCHEDULED campaigns whose scheduled time falls in
// [from, to).
func (s *Store) ListDueCampaigns(ctx context.Context, from, to time.Time) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+campaignCols+` FROM campaigns
WHERE status=? AND scheduled_at IS NOT NULL AND scheduled_at >= ? AND scheduled_at < ?
ORDER BY scheduled_at`, domain.CampaignScheduled, unixMS(from), unixMS(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCampaignInProgress moves a DRAFT/SCHEDULED campaign to IN_PROGRESS.
// Already-progressing campaigns are left alone, terminal ones untouched.
func (s *Store) MarkCampaignInProgress(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE campaigns SET status=?, updated_at=?
WHERE id=? AND status IN (?,?)`,
		domain.CampaignInProgress, unixMS(time.Now()), id, domain.CampaignDraft, domain.CampaignScheduled)
	return err
}

// FinishCampaign stamps the terminal status exactly once. Returns whether
// this call did the transition.
func (s *Store) FinishCampaign(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE campaigns SET status=?, completed_at=?, updated_at=?
WHERE id=? AND status NOT IN (?,?)`,
		domain.CampaignFinished, unixMS(at), unixMS(at), id, domain.CampaignFinished, domain.CampaignCanceled)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var c domain.Campaign
	var msgs, confMsgs string
	var scheduled, completed sql.NullInt64
	var created, updated int64
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.ChannelID, &c.ContactListID, &c.Status,
		&c.Confirmation, &msgs, &confMsgs, &c.MediaPath, &c.MediaName,
		&scheduled, &completed, &created, &updated); err != nil {
		return domain.Campaign{}, err
	}
	if err := json.Unmarshal([]byte(msgs), &c.Messages); err != nil {
		return domain.Campaign{}, fmt.Errorf("campaign %d messages: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(confMsgs), &c.ConfirmationMessages); err != nil {
		return domain.Campaign{}, fmt.Errorf("campaign %d confirmation messages: %w", c.ID, err)
	}
	c.ScheduledAt = timePtr(scheduled)
	c.CompletedAt = timePtr(completed)
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return c, nil
}

type rowScanner interface{ Scan(dest ...any) error }

// --- contacts ---

func (s *Store) CreateContact(ctx context.Context, c *domain.Contact) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO contacts (tenant_id,contact_list_id,name,number,email,valid) VALUES (?,?,?,?,?,?)`,
		c.TenantID, c.ContactListID, c.Name, c.Number, c.Email, c.Valid)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetContact(ctx context.Context, id int64) (domain.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,tenant_id,contact_list_id,name,number,email,valid FROM contacts WHERE id=?`, id)
	var c domain.Contact
	err := row.Scan(&c.ID, &c.TenantID, &c.ContactListID, &c.Name, &c.Number, &c.Email, &c.Valid)
	return c, err
}

// ListEligibleContacts returns the valid contacts of a list in stable order;
// this is the order delay offsets are assigned in.
func (s *Store) ListEligibleContacts(ctx context.Context, listID int64) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,tenant_id,contact_list_id,name,number,email,valid
FROM contacts WHERE contact_list_id=? AND valid=1 ORDER BY id`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ContactListID, &c.Name, &c.Number, &c.Email, &c.Valid); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountEligibleContacts(ctx context.Context, listID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE contact_list_id=? AND valid=1`, listID).Scan(&n)
	return n, err
}

// --- settings ---

func (s *Store) PutSetting(ctx context.Context, tenantID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO campaign_settings (tenant_id,key,value) VALUES (?,?,?)
ON CONFLICT(tenant_id,key) DO UPDATE SET value=excluded.value`, tenantID, key, value)
	return err
}

// GetSettings resolves the tenant's pacing settings, falling back to the
// stock defaults for any missing key.
func (s *Store) GetSettings(ctx context.Context, tenantID int64) (domain.Settings, error) {
	out := domain.Settings{MessageInterval: 20, LongerIntervalAfter: 20, GreaterInterval: 60}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key,value FROM campaign_settings WHERE tenant_id=?`, tenantID)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return out, err
		}
		switch key {
		case "messageInterval":
			if err := json.Unmarshal([]byte(value), &out.MessageInterval); err != nil {
				return out, fmt.Errorf("setting %s: %w", key, err)
			}
		case "longerIntervalAfter":
			if err := json.Unmarshal([]byte(value), &out.LongerIntervalAfter); err != nil {
				return out, fmt.Errorf("setting %s: %w", key, err)
			}
		case "greaterInterval":
			if err := json.Unmarshal([]byte(value), &out.GreaterInterval); err != nil {
				return out, fmt.Errorf("setting %s: %w", key, err)
			}
		case "variables":
			if err := json.Unmarshal([]byte(value), &out.Variables); err != nil {
				return out, fmt.Errorf("setting %s: %w", key, err)
			}
		}
	}
	return out, rows.Err()
}
