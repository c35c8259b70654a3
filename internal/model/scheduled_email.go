// internal/model/scheduled_email.go
package model

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
)

type ScheduledEmailStatus string

const (
	ScheduledEmailScheduled ScheduledEmailStatus = "scheduled"
	ScheduledEmailPaused    ScheduledEmailStatus = "paused"
	ScheduledEmailSent      ScheduledEmailStatus = "sent"
	ScheduledEmailFailed    ScheduledEmailStatus = "failed"
)

type ScheduledEmail struct {
	ID              int64                `db:"id" json:"id"`
	EventID         int64                `db:"event_id" json:"event_id"`
	TemplateItemID  *int64               `db:"template_item_id" json:"template_item_id,omitempty"`
	Name            string               `db:"name" json:"name"`
	Category        string               `db:"category" json:"category"`
	Position        int                  `db:"position" json:"position"`
	SubjectTemplate string               `db:"subject_template" json:"subject_template"`
	BodyTemplate    string               `db:"body_template" json:"body_template"`
	ScheduledFor    time.Time            `db:"scheduled_for" json:"scheduled_for"`
	Status          ScheduledEmailStatus `db:"status" json:"status"`
	FilterCriteria  *FilterCriteria      `db:"filter_criteria" json:"filter_criteria,omitempty"`
	ErrorMessage    string               `db:"error_message" json:"error_message,omitempty"`
	SentAt          *time.Time           `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt       time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time            `db:"updated_at" json:"updated_at"`
}

// Editable reports whether the email may still be changed or deleted. Sent and
// failed emails are historical records.
func (e *ScheduledEmail) Editable() bool {
	return e.Status == ScheduledEmailScheduled || e.Status == ScheduledEmailPaused
}

// Dispatchable reports whether a dispatch run may start. Failed emails may be
// re-dispatched.
func (e *ScheduledEmail) Dispatchable() bool {
	return e.Status == ScheduledEmailScheduled || e.Status == ScheduledEmailFailed
}

func (e *ScheduledEmail) Pause() error {
	if e.Status != ScheduledEmailScheduled {
		return fmt.Errorf("pause %s email: %w", e.Status, appErrors.ErrInvalidTransition)
	}
	e.Status = ScheduledEmailPaused
	return nil
}

func (e *ScheduledEmail) Resume() error {
	if e.Status != ScheduledEmailPaused {
		return fmt.Errorf("resume %s email: %w", e.Status, appErrors.ErrInvalidTransition)
	}
	e.Status = ScheduledEmailScheduled
	return nil
}

func (e *ScheduledEmail) MarkSent(at time.Time) {
	e.Status = ScheduledEmailSent
	e.SentAt = &at
	e.ErrorMessage = ""
}

func (e *ScheduledEmail) MarkFailed(reason string) {
	e.Status = ScheduledEmailFailed
	e.ErrorMessage = reason
}

// MinutesOverdue returns how many whole minutes past scheduled_for the email is,
// or 0 if it is not overdue beyond grace.
func (e *ScheduledEmail) MinutesOverdue(now time.Time, grace time.Duration) int {
	if e.Status != ScheduledEmailScheduled {
		return 0
	}
	late := now.Sub(e.ScheduledFor)
	if late <= grace {
		return 0
	}
	return int(late / time.Minute)
}
