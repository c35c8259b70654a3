// internal/model/email_delivery.go
package model

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
)

type targetKind uint8

const (
	targetScheduledEmail targetKind = iota + 1
	targetInvitation
)

// DeliveryTarget is the message a delivery belongs to: either a scheduled
// email or an event invitation, never both. The zero value is invalid.
type DeliveryTarget struct {
	kind targetKind
	id   int64
}

func ScheduledEmailTarget(id int64) DeliveryTarget {
	return DeliveryTarget{kind: targetScheduledEmail, id: id}
}

func InvitationTarget(id int64) DeliveryTarget {
	return DeliveryTarget{kind: targetInvitation, id: id}
}

func (t DeliveryTarget) ScheduledEmailID() (int64, bool) {
	return t.id, t.kind == targetScheduledEmail
}

func (t DeliveryTarget) InvitationID() (int64, bool) {
	return t.id, t.kind == targetInvitation
}

func (t DeliveryTarget) Valid() bool {
	return t.kind != 0 && t.id > 0
}

func (t DeliveryTarget) String() string {
	switch t.kind {
	case targetScheduledEmail:
		return fmt.Sprintf("scheduled_email:%d", t.id)
	case targetInvitation:
		return fmt.Sprintf("invitation:%d", t.id)
	}
	return "invalid"
}

type DeliveryStatus string

const (
	DeliveryQueued       DeliveryStatus = "queued"
	DeliverySent         DeliveryStatus = "sent"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryBounced      DeliveryStatus = "bounced"
	DeliveryDropped      DeliveryStatus = "dropped"
	DeliveryUnsubscribed DeliveryStatus = "unsubscribed"
)

// Terminal reports whether no further provider outcome is expected. Dropped is
// terminal for callbacks but may still be requeued by a re-dispatch.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryBounced, DeliveryDropped, DeliveryUnsubscribed:
		return true
	}
	return false
}

// OutcomeKind is an event applied to a delivery.
type OutcomeKind string

const (
	OutcomeAccepted       OutcomeKind = "accepted"
	OutcomeTransportError OutcomeKind = "transport_error"
	OutcomeDelivered      OutcomeKind = "delivered"
	OutcomeBounced        OutcomeKind = "bounced"
	OutcomeDropped        OutcomeKind = "dropped"
)

type Outcome struct {
	Kind      OutcomeKind
	MessageID string
	Reason    string
	At        time.Time
}

type EmailDelivery struct {
	ID                 int64
	Target             DeliveryTarget
	RecipientEmail     string
	Status             DeliveryStatus
	TransportMessageID string
	DropReason         string
	Attempts           int
	SentAt             *time.Time
	DeliveredAt        *time.Time
	BouncedAt          *time.Time
	DroppedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func NewQueuedDelivery(target DeliveryTarget, email string, now time.Time) *EmailDelivery {
	return &EmailDelivery{
		Target:         target,
		RecipientEmail: NormalizeEmail(email),
		Status:         DeliveryQueued,
		Attempts:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func NewSuppressedDelivery(target DeliveryTarget, email string, now time.Time) *EmailDelivery {
	return &EmailDelivery{
		Target:         target,
		RecipientEmail: NormalizeEmail(email),
		Status:         DeliveryUnsubscribed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

var outcomeTargets = map[OutcomeKind]DeliveryStatus{
	OutcomeAccepted:       DeliverySent,
	OutcomeTransportError: DeliveryDropped,
	OutcomeDelivered:      DeliveryDelivered,
	OutcomeBounced:        DeliveryBounced,
	OutcomeDropped:        DeliveryDropped,
}

var allowedFrom = map[OutcomeKind]DeliveryStatus{
	OutcomeAccepted:       DeliveryQueued,
	OutcomeTransportError: DeliveryQueued,
	OutcomeDelivered:      DeliverySent,
	OutcomeBounced:        DeliverySent,
	OutcomeDropped:        DeliverySent,
}

// Apply moves the delivery through its state machine. Re-applying an outcome
// whose target status is already current is a no-op and returns false.
func (d *EmailDelivery) Apply(o Outcome) (bool, error) {
	to, ok := outcomeTargets[o.Kind]
	if !ok {
		return false, fmt.Errorf("unknown outcome %q: %w", o.Kind, appErrors.ErrInvalidTransition)
	}
	if d.Status == to {
		return false, nil
	}
	if allowedFrom[o.Kind] != d.Status {
		return false, fmt.Errorf("%s -> %s: %w", d.Status, to, appErrors.ErrInvalidTransition)
	}

	at := o.At
	d.Status = to
	d.UpdatedAt = at
	switch to {
	case DeliverySent:
		d.SentAt = &at
		d.TransportMessageID = o.MessageID
		d.DropReason = ""
	case DeliveryDelivered:
		d.DeliveredAt = &at
	case DeliveryBounced:
		d.BouncedAt = &at
		d.DropReason = o.Reason
	case DeliveryDropped:
		d.DroppedAt = &at
		d.DropReason = o.Reason
	}
	return true, nil
}

// Resendable reports whether a re-dispatch may reuse this row for a new
// attempt. Dropped rows always qualify. A queued row only qualifies once it has
// not moved for staleAfter, since until then a running dispatch may be sending
// to it.
func (d *EmailDelivery) Resendable(now time.Time, staleAfter time.Duration) bool {
	switch d.Status {
	case DeliveryDropped:
		return true
	case DeliveryQueued:
		return !d.UpdatedAt.After(now.Add(-staleAfter))
	}
	return false
}

// Requeue resets a queued or dropped delivery for another attempt.
func (d *EmailDelivery) Requeue(now time.Time) error {
	if d.Status != DeliveryQueued && d.Status != DeliveryDropped {
		return fmt.Errorf("requeue %s delivery: %w", d.Status, appErrors.ErrInvalidTransition)
	}
	d.Status = DeliveryQueued
	d.Attempts++
	d.DroppedAt = nil
	d.DropReason = ""
	d.UpdatedAt = now
	return nil
}
