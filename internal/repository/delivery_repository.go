package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unclebandit/presents-campaigns/internal/model"
)

type DeliveryRepositoryInterface interface {
	// FindByTargetAndEmail returns nil, nil when no delivery exists.
	FindByTargetAndEmail(ctx context.Context, target model.DeliveryTarget, email string) (*model.EmailDelivery, error)
	FindByTransportMessageID(ctx context.Context, messageID string) (*model.EmailDelivery, error)
	// FindLatestSentByEmail is the callback fallback when a provider does not
	// echo the message id.
	FindLatestSentByEmail(ctx context.Context, email string) (*model.EmailDelivery, error)
	HasQueuedForEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, d *model.EmailDelivery) error
	Update(ctx context.Context, d *model.EmailDelivery) error
	CountByStatus(ctx context.Context, target model.DeliveryTarget) (map[model.DeliveryStatus]int, error)
}

type DeliveryRepository struct {
	DB *sql.DB
}

const deliveryColumns = `id, scheduled_email_id, event_invitation_id, recipient_email, status, transport_message_id,
               drop_reason, attempts, sent_at, delivered_at, bounced_at, dropped_at, created_at, updated_at`

// targetColumn maps a delivery target onto its foreign key column.
func targetColumn(t model.DeliveryTarget) (string, int64, error) {
	if id, ok := t.ScheduledEmailID(); ok {
		return "scheduled_email_id", id, nil
	}
	if id, ok := t.InvitationID(); ok {
		return "event_invitation_id", id, nil
	}
	return "", 0, fmt.Errorf("invalid delivery target %s", t)
}

func targetArgs(t model.DeliveryTarget) (sql.NullInt64, sql.NullInt64) {
	var se, inv sql.NullInt64
	if id, ok := t.ScheduledEmailID(); ok {
		se = sql.NullInt64{Int64: id, Valid: true}
	}
	if id, ok := t.InvitationID(); ok {
		inv = sql.NullInt64{Int64: id, Valid: true}
	}
	return se, inv
}

func scanDelivery(row rowScanner) (*model.EmailDelivery, error) {
	var (
		d       model.EmailDelivery
		se, inv sql.NullInt64
	)
	if err := row.Scan(&d.ID, &se, &inv, &d.RecipientEmail, &d.Status, &d.TransportMessageID, &d.DropReason,
		&d.Attempts, &d.SentAt, &d.DeliveredAt, &d.BouncedAt, &d.DroppedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	switch {
	case se.Valid:
		d.Target = model.ScheduledEmailTarget(se.Int64)
	case inv.Valid:
		d.Target = model.InvitationTarget(inv.Int64)
	}
	return &d, nil
}

func (r *DeliveryRepository) findOne(ctx context.Context, query string, args ...any) (*model.EmailDelivery, error) {
	d, err := scanDelivery(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (r *DeliveryRepository) FindByTargetAndEmail(ctx context.Context, target model.DeliveryTarget, email string) (*model.EmailDelivery, error) {
	col, id, err := targetColumn(target)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + deliveryColumns + ` FROM email_deliveries WHERE ` + col + ` = $1 AND recipient_email = $2`
	return r.findOne(ctx, query, id, model.NormalizeEmail(email))
}

func (r *DeliveryRepository) FindByTransportMessageID(ctx context.Context, messageID string) (*model.EmailDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM email_deliveries WHERE transport_message_id = $1`
	return r.findOne(ctx, query, messageID)
}

func (r *DeliveryRepository) FindLatestSentByEmail(ctx context.Context, email string) (*model.EmailDelivery, error) {
	query := `SELECT ` + deliveryColumns + `
        FROM email_deliveries
        WHERE recipient_email = $1 AND status = 'sent'
        ORDER BY sent_at DESC NULLS LAST, id DESC
        LIMIT 1`
	return r.findOne(ctx, query, model.NormalizeEmail(email))
}

func (r *DeliveryRepository) HasQueuedForEmail(ctx context.Context, email string) (bool, error) {
	var queued bool
	query := `SELECT EXISTS (SELECT 1 FROM email_deliveries WHERE recipient_email = $1 AND status = 'queued')`
	err := r.DB.QueryRowContext(ctx, query, model.NormalizeEmail(email)).Scan(&queued)
	return queued, err
}

func (r *DeliveryRepository) Create(ctx context.Context, d *model.EmailDelivery) error {
	se, inv := targetArgs(d.Target)
	if !se.Valid && !inv.Valid {
		return fmt.Errorf("invalid delivery target %s", d.Target)
	}
	query := `
        INSERT INTO email_deliveries
            (scheduled_email_id, event_invitation_id, recipient_email, status, transport_message_id,
             drop_reason, attempts, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, se, inv, d.RecipientEmail, d.Status, d.TransportMessageID,
		d.DropReason, d.Attempts, d.CreatedAt, d.UpdatedAt).Scan(&d.ID)
}

func (r *DeliveryRepository) Update(ctx context.Context, d *model.EmailDelivery) error {
	query := `
        UPDATE email_deliveries
        SET status=$1, transport_message_id=$2, drop_reason=$3, attempts=$4,
            sent_at=$5, delivered_at=$6, bounced_at=$7, dropped_at=$8, updated_at=$9
        WHERE id=$10
    `
	_, err := r.DB.ExecContext(ctx, query, d.Status, d.TransportMessageID, d.DropReason, d.Attempts,
		d.SentAt, d.DeliveredAt, d.BouncedAt, d.DroppedAt, d.UpdatedAt, d.ID)
	return err
}

func (r *DeliveryRepository) CountByStatus(ctx context.Context, target model.DeliveryTarget) (map[model.DeliveryStatus]int, error) {
	col, id, err := targetColumn(target)
	if err != nil {
		return nil, err
	}
	query := `SELECT status, COUNT(*) FROM email_deliveries WHERE ` + col + ` = $1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.DeliveryStatus]int{}
	for rows.Next() {
		var (
			status model.DeliveryStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ DeliveryRepositoryInterface = (*DeliveryRepository)(nil)
