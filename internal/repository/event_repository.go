package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
)

type EventRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Event, error)
	ListRegistrations(ctx context.Context, eventID int64) ([]model.Registration, error)
}

type EventRepository struct {
	DB *sql.DB
}

func (r *EventRepository) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	query := `
        SELECT e.id, e.organization_id, o.name, e.name, e.location, e.campaign_template_id,
               e.application_deadline, e.payment_deadline, e.event_date, e.event_end_date
        FROM events e
        JOIN organizations o ON o.id = e.organization_id
        WHERE e.id = $1
    `
	var (
		e        model.Event
		template sql.NullInt64
	)
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.OrganizationID, &e.OrganizationName, &e.Name, &e.Location, &template,
		&e.ApplicationDeadline, &e.PaymentDeadline, &e.EventDate, &e.EventEndDate,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("event", id)
		}
		return nil, err
	}
	e.CampaignTemplateID = int64Ptr(template)
	return &e, nil
}

func (r *EventRepository) ListRegistrations(ctx context.Context, eventID int64) ([]model.Registration, error) {
	query := `
        SELECT id, event_id, contact_id, email, first_name, last_name, business_name, status, email_unsubscribed
        FROM vendor_registrations
        WHERE event_id = $1
        ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	registrations := []model.Registration{}
	for rows.Next() {
		var (
			reg     model.Registration
			contact sql.NullInt64
		)
		if err := rows.Scan(&reg.ID, &reg.EventID, &contact, &reg.Email, &reg.FirstName, &reg.LastName,
			&reg.BusinessName, &reg.Status, &reg.EmailUnsubscribed); err != nil {
			return nil, err
		}
		reg.ContactID = int64Ptr(contact)
		registrations = append(registrations, reg)
	}
	return registrations, rows.Err()
}

var _ EventRepositoryInterface = (*EventRepository)(nil)
