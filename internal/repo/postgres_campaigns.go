// Package repo archives finished campaigns in Postgres.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/LeventeLantos/messaging-fleet/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id               TEXT PRIMARY KEY,
	user_id          TEXT        NOT NULL,
	status           TEXT        NOT NULL,
	content          JSONB       NOT NULL,
	total_recipients INTEGER     NOT NULL,
	sent_count       INTEGER     NOT NULL,
	error_count      INTEGER     NOT NULL,
	reason           TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS campaigns_user_finished_idx ON campaigns (user_id, finished_at DESC);

CREATE TABLE IF NOT EXISTS campaign_recipients (
	campaign_id   TEXT        NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
	idx           INTEGER     NOT NULL,
	phone         TEXT        NOT NULL,
	status        TEXT        NOT NULL,
	attempts      INTEGER     NOT NULL,
	error_message TEXT,
	message_id    TEXT,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (campaign_id, idx)
);
`

type PostgresCampaignArchive struct {
	db *sql.DB
}

func NewPostgresCampaignArchive(db *sql.DB) *PostgresCampaignArchive {
	return &PostgresCampaignArchive{db: db}
}

// Migrate creates the archive tables when they do not exist yet.
func (r *PostgresCampaignArchive) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Archive upserts a terminal campaign together with its recipient outcomes.
func (r *PostgresCampaignArchive) Archive(ctx context.Context, c *model.Campaign) error {
	if c == nil {
		return errors.New("campaign must not be nil")
	}
	if !c.Status.Terminal() {
		return errors.New("only terminal campaigns are archived")
	}

	content, err := json.Marshal(c.Content)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO campaigns (id, user_id, status, content, total_recipients, sent_count,
		                       error_count, reason, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    sent_count = EXCLUDED.sent_count,
		    error_count = EXCLUDED.error_count,
		    reason = EXCLUDED.reason,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at
	`,
		c.ID, c.UserID, string(c.Status), content, c.TotalRecipients, c.SentCount,
		c.ErrorCount, nullString(c.Reason), c.CreatedAt.UTC(), nullTime(c.StartedAt), nullTime(c.FinishedAt),
	); err != nil {
		return err
	}

	for _, rec := range c.Recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_recipients (campaign_id, idx, phone, status, attempts,
			                                 error_message, message_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (campaign_id, idx) DO UPDATE
			SET status = EXCLUDED.status,
			    attempts = EXCLUDED.attempts,
			    error_message = EXCLUDED.error_message,
			    message_id = EXCLUDED.message_id,
			    updated_at = EXCLUDED.updated_at
		`,
			c.ID, rec.Index, rec.Phone, string(rec.Status), rec.Attempts,
			nullString(rec.ErrorMessage), nullString(rec.MessageID), rec.UpdatedAt.UTC(),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListFinished returns the user's archived campaigns, newest first, without
// recipient records.
func (r *PostgresCampaignArchive) ListFinished(ctx context.Context, userID string, limit int) ([]model.Campaign, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, status, content, total_recipients, sent_count, error_count,
		       reason, created_at, started_at, finished_at
		FROM campaigns
		WHERE user_id = $1
		ORDER BY finished_at DESC NULLS LAST
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		var (
			c          model.Campaign
			status     string
			content    []byte
			reason     sql.NullString
			startedAt  sql.NullTime
			finishedAt sql.NullTime
		)
		if err := rows.Scan(
			&c.ID,
			&c.UserID,
			&status,
			&content,
			&c.TotalRecipients,
			&c.SentCount,
			&c.ErrorCount,
			&reason,
			&c.CreatedAt,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, err
		}
		c.Status = model.CampaignStatus(status)
		if err := json.Unmarshal(content, &c.Content); err != nil {
			return nil, err
		}
		if reason.Valid {
			c.Reason = reason.String
		}
		c.StartedAt = timePtr(startedAt)
		c.FinishedAt = timePtr(finishedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
