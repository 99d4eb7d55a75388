// Package postgres provides PostgreSQL implementation of the drip schedule store.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements drip.Store and drip.OptOutStore using PostgreSQL.
type Repository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db, now: time.Now}
}

const sendColumns = `id, recipient, display_name, step_index, subject, body, fire_at, sent, sent_at, created_at`

// AddScheduledSend stores a new scheduled send.
func (r *Repository) AddScheduledSend(ctx context.Context, send domain.ScheduledSend) (*domain.ScheduledSend, error) {
	send.ID = uuid.NewString()
	send.Recipient = domain.NormalizeEmail(send.Recipient)
	send.FireAt = send.FireAt.UTC()
	send.CreatedAt = r.now().UTC()
	send.Sent = false
	send.SentAt = nil

	query := `
		INSERT INTO scheduled_sends (id, recipient, display_name, step_index, subject, body, fire_at, sent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		send.ID,
		send.Recipient,
		send.DisplayName,
		send.StepIndex,
		send.Subject,
		send.Body,
		send.FireAt,
		send.CreatedAt,
	).Scan(&send.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert scheduled send: %w", err)
	}

	return &send, nil
}

// GetDueSends returns unsent entries with fire_at <= now.
func (r *Repository) GetDueSends(ctx context.Context, now time.Time, recipient string) ([]*domain.ScheduledSend, error) {
	query := `
		SELECT ` + sendColumns + `
		FROM scheduled_sends
		WHERE NOT sent
		  AND fire_at <= $1
		  AND ($2 = '' OR recipient = $2)
		ORDER BY recipient, fire_at, step_index
	`
	return r.querySends(ctx, "get due sends", query, now.UTC(), domain.NormalizeEmail(recipient))
}

// ListSends returns all entries of a recipient.
func (r *Repository) ListSends(ctx context.Context, recipient string) ([]*domain.ScheduledSend, error) {
	query := `
		SELECT ` + sendColumns + `
		FROM scheduled_sends
		WHERE recipient = $1
		ORDER BY fire_at, step_index
	`
	return r.querySends(ctx, "list sends", query, domain.NormalizeEmail(recipient))
}

func (r *Repository) querySends(ctx context.Context, op, query string, args ...any) ([]*domain.ScheduledSend, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	sends := make([]*domain.ScheduledSend, 0)
	for rows.Next() {
		var s domain.ScheduledSend
		err := rows.Scan(
			&s.ID,
			&s.Recipient,
			&s.DisplayName,
			&s.StepIndex,
			&s.Subject,
			&s.Body,
			&s.FireAt,
			&s.Sent,
			&s.SentAt,
			&s.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled send: %w", err)
		}
		sends = append(sends, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return sends, nil
}

// MarkSent flips an entry to sent. sent_at never precedes created_at.
func (r *Repository) MarkSent(ctx context.Context, id, recipient string, at time.Time) error {
	query := `
		UPDATE scheduled_sends
		SET sent = TRUE, sent_at = GREATEST($3::timestamptz, created_at)
		WHERE id = $1 AND recipient = $2 AND NOT sent
	`
	recipient = domain.NormalizeEmail(recipient)
	result, err := r.db.Exec(ctx, query, id, recipient, at.UTC())
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	// Nothing updated: either already sent (no-op) or missing.
	var exists bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM scheduled_sends WHERE id = $1 AND recipient = $2)`,
		id, recipient,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check scheduled send: %w", err)
	}
	if !exists {
		return domain.ErrScheduledSendNotFound
	}
	return nil
}

// DeleteSend removes an entry and reports whether it existed.
func (r *Repository) DeleteSend(ctx context.Context, id, recipient string) (bool, error) {
	result, err := r.db.Exec(ctx,
		`DELETE FROM scheduled_sends WHERE id = $1 AND recipient = $2`,
		id, domain.NormalizeEmail(recipient),
	)
	if err != nil {
		return false, fmt.Errorf("delete scheduled send: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// GetQueueStats returns entry counts by state.
func (r *Repository) GetQueueStats(ctx context.Context, now time.Time) (*domain.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE NOT sent),
			COUNT(*) FILTER (WHERE NOT sent AND fire_at <= $1),
			COUNT(*) FILTER (WHERE sent)
		FROM scheduled_sends
	`
	var stats domain.QueueStats
	if err := r.db.QueryRow(ctx, query, now.UTC()).Scan(&stats.Pending, &stats.Due, &stats.Sent); err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &stats, nil
}

// OptOut records a local unsubscribe. Repeated opt-outs keep the first record.
func (r *Repository) OptOut(ctx context.Context, email, source string) error {
	query := `
		INSERT INTO email_optouts (email, source)
		VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, domain.NormalizeEmail(email), source); err != nil {
		return fmt.Errorf("insert opt-out: %w", err)
	}
	return nil
}

// IsOptedOut reports whether email is on the opt-out list.
func (r *Repository) IsOptedOut(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM email_optouts WHERE email = $1)`,
		domain.NormalizeEmail(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check opt-out: %w", err)
	}
	return exists, nil
}
