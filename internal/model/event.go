// internal/model/event.go
package model

import "time"

type Event struct {
	ID                  int64      `db:"id" json:"id"`
	OrganizationID      int64      `db:"organization_id" json:"organization_id"`
	OrganizationName    string     `db:"organization_name" json:"organization_name"`
	Name                string     `db:"name" json:"name"`
	Location            string     `db:"location" json:"location"`
	CampaignTemplateID  *int64     `db:"campaign_template_id" json:"campaign_template_id,omitempty"`
	ApplicationDeadline *time.Time `db:"application_deadline" json:"application_deadline,omitempty"`
	PaymentDeadline     *time.Time `db:"payment_deadline" json:"payment_deadline,omitempty"`
	EventDate           *time.Time `db:"event_date" json:"event_date,omitempty"`
	EventEndDate        *time.Time `db:"event_end_date" json:"event_end_date,omitempty"`
}

// Registration is a vendor's application to an event. Registrations are the
// default audience of a scheduled email.
type Registration struct {
	ID                int64  `db:"id" json:"id"`
	EventID           int64  `db:"event_id" json:"event_id"`
	ContactID         *int64 `db:"contact_id" json:"contact_id,omitempty"`
	Email             string `db:"email" json:"email"`
	FirstName         string `db:"first_name" json:"first_name"`
	LastName          string `db:"last_name" json:"last_name"`
	BusinessName      string `db:"business_name" json:"business_name"`
	Status            string `db:"status" json:"status"`
	EmailUnsubscribed bool   `db:"email_unsubscribed" json:"email_unsubscribed"`
}

// Recipient is one resolved addressee of a send.
type Recipient struct {
	Email          string
	FirstName      string
	LastName       string
	BusinessName   string
	ContactID      *int64
	RegistrationID *int64
}

func (r Registration) Recipient() Recipient {
	id := r.ID
	return Recipient{
		Email:          NormalizeEmail(r.Email),
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		BusinessName:   r.BusinessName,
		ContactID:      r.ContactID,
		RegistrationID: &id,
	}
}
