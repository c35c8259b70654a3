// internal/model/event_invitation.go
package model

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
)

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationSent     InvitationStatus = "sent"
	InvitationViewed   InvitationStatus = "viewed"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
	InvitationExpired  InvitationStatus = "expired"
)

type EventInvitation struct {
	ID              int64            `db:"id" json:"id"`
	EventID         int64            `db:"event_id" json:"event_id"`
	VendorContactID int64            `db:"vendor_contact_id" json:"vendor_contact_id"`
	Status          InvitationStatus `db:"status" json:"status"`
	Token           string           `db:"invitation_token" json:"-"`
	ResponseNotes   string           `db:"response_notes" json:"response_notes,omitempty"`
	SentAt          *time.Time       `db:"sent_at" json:"sent_at,omitempty"`
	ViewedAt        *time.Time       `db:"viewed_at" json:"viewed_at,omitempty"`
	RespondedAt     *time.Time       `db:"responded_at" json:"responded_at,omitempty"`
	ExpiresAt       *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

func (i *EventInvitation) Responded() bool {
	return i.Status == InvitationAccepted || i.Status == InvitationDeclined
}

// ExpireIfDue flips an unanswered invitation past its expiry to expired and
// reports whether it did.
func (i *EventInvitation) ExpireIfDue(now time.Time) bool {
	if i.ExpiresAt == nil || now.Before(*i.ExpiresAt) {
		return false
	}
	if i.Responded() || i.Status == InvitationExpired {
		return false
	}
	i.Status = InvitationExpired
	i.UpdatedAt = now
	return true
}

func (i *EventInvitation) MarkSent(now time.Time) {
	if i.Status != InvitationPending {
		return
	}
	i.Status = InvitationSent
	i.SentAt = &now
	i.UpdatedAt = now
}

// MarkViewed records the first view. Later views and views of answered
// invitations change nothing.
func (i *EventInvitation) MarkViewed(now time.Time) bool {
	if i.Status != InvitationPending && i.Status != InvitationSent {
		return false
	}
	i.Status = InvitationViewed
	i.ViewedAt = &now
	i.UpdatedAt = now
	return true
}

func (i *EventInvitation) Respond(status InvitationStatus, notes string, now time.Time) error {
	if status != InvitationAccepted && status != InvitationDeclined {
		return appErrors.ErrInvalidResponse
	}
	if i.Status == InvitationExpired {
		return appErrors.ErrInvitationExpired
	}
	switch i.Status {
	case InvitationPending, InvitationSent, InvitationViewed, InvitationAccepted, InvitationDeclined:
	default:
		return fmt.Errorf("respond to %s invitation: %w", i.Status, appErrors.ErrInvalidTransition)
	}
	i.Status = status
	i.ResponseNotes = notes
	i.RespondedAt = &now
	i.UpdatedAt = now
	return nil
}
