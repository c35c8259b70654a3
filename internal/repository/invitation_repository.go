package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
)

type InvitationRepositoryInterface interface {
	// Create returns ErrAlreadyExists when the contact is already invited to the event.
	Create(ctx context.Context, inv *model.EventInvitation) error
	Update(ctx context.Context, inv *model.EventInvitation) error
	GetByToken(ctx context.Context, token string) (*model.EventInvitation, error)
	InvitedContactIDs(ctx context.Context, eventID int64) ([]int64, error)
}

type InvitationRepository struct {
	DB *sql.DB
}

func (r *InvitationRepository) Create(ctx context.Context, inv *model.EventInvitation) error {
	query := `
        INSERT INTO event_invitations
            (event_id, vendor_contact_id, status, invitation_token, response_notes, expires_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, '', $5, NOW(), NOW())
        ON CONFLICT (event_id, vendor_contact_id) DO NOTHING
        RETURNING id, created_at, updated_at
    `
	err := r.DB.QueryRowContext(ctx, query, inv.EventID, inv.VendorContactID, inv.Status, inv.Token, inv.ExpiresAt).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.ErrAlreadyExists
	}
	return err
}

func (r *InvitationRepository) Update(ctx context.Context, inv *model.EventInvitation) error {
	query := `
        UPDATE event_invitations
        SET status=$1, response_notes=$2, sent_at=$3, viewed_at=$4, responded_at=$5, updated_at=$6
        WHERE id=$7
    `
	_, err := r.DB.ExecContext(ctx, query, inv.Status, inv.ResponseNotes, inv.SentAt, inv.ViewedAt,
		inv.RespondedAt, inv.UpdatedAt, inv.ID)
	return err
}

func (r *InvitationRepository) GetByToken(ctx context.Context, token string) (*model.EventInvitation, error) {
	query := `
        SELECT id, event_id, vendor_contact_id, status, invitation_token, response_notes,
               sent_at, viewed_at, responded_at, expires_at, created_at, updated_at
        FROM event_invitations
        WHERE invitation_token = $1
    `
	var inv model.EventInvitation
	err := r.DB.QueryRowContext(ctx, query, token).Scan(&inv.ID, &inv.EventID, &inv.VendorContactID, &inv.Status,
		&inv.Token, &inv.ResponseNotes, &inv.SentAt, &inv.ViewedAt, &inv.RespondedAt, &inv.ExpiresAt,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("invitation", "token")
		}
		return nil, err
	}
	return &inv, nil
}

func (r *InvitationRepository) InvitedContactIDs(ctx context.Context, eventID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT vendor_contact_id FROM event_invitations WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ InvitationRepositoryInterface = (*InvitationRepository)(nil)
