package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/repository"
)

// ScheduledEmailService handles operator edits within the editable window.
type ScheduledEmailService struct {
	Events          repository.EventRepositoryInterface
	ScheduledEmails repository.ScheduledEmailRepositoryInterface
	Logger          *zap.Logger
}

// ScheduledEmailUpdate holds the editable fields; nil fields are unchanged.
type ScheduledEmailUpdate struct {
	SubjectTemplate *string               `json:"subject_template,omitempty"`
	BodyTemplate    *string               `json:"body_template,omitempty"`
	ScheduledFor    *time.Time            `json:"scheduled_for,omitempty"`
	FilterCriteria  *model.FilterCriteria `json:"filter_criteria,omitempty"`
}

// Get loads a scheduled email and checks it belongs to the organization.
func (s *ScheduledEmailService) Get(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error) {
	email, err := s.ScheduledEmails.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	event, err := s.Events.GetByID(ctx, email.EventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("scheduled email", id)
	}
	return email, nil
}

func (s *ScheduledEmailService) Pause(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error) {
	return s.transition(ctx, orgID, id, "paused", (*model.ScheduledEmail).Pause)
}

func (s *ScheduledEmailService) Resume(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error) {
	return s.transition(ctx, orgID, id, "resumed", (*model.ScheduledEmail).Resume)
}

func (s *ScheduledEmailService) transition(ctx context.Context, orgID, id int64, verb string, apply func(*model.ScheduledEmail) error) (*model.ScheduledEmail, error) {
	email, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if err := apply(email); err != nil {
		return nil, err
	}
	if err := s.ScheduledEmails.Update(ctx, email); err != nil {
		return nil, fmt.Errorf("update scheduled email %d: %w", id, err)
	}
	nopIfNil(s.Logger).Info("scheduled email "+verb, zap.Int64("scheduled_email_id", id))
	return email, nil
}

func (s *ScheduledEmailService) Update(ctx context.Context, orgID, id int64, upd ScheduledEmailUpdate) (*model.ScheduledEmail, error) {
	email, err := s.Get(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !email.Editable() {
		return nil, appErrors.ErrNotEditable
	}
	if upd.SubjectTemplate != nil {
		if err := ValidateTemplate(*upd.SubjectTemplate); err != nil {
			return nil, err
		}
		email.SubjectTemplate = *upd.SubjectTemplate
	}
	if upd.BodyTemplate != nil {
		if err := ValidateTemplate(*upd.BodyTemplate); err != nil {
			return nil, err
		}
		email.BodyTemplate = *upd.BodyTemplate
	}
	if upd.ScheduledFor != nil {
		email.ScheduledFor = upd.ScheduledFor.UTC()
	}
	if upd.FilterCriteria != nil {
		email.FilterCriteria = upd.FilterCriteria
	}
	if err := s.ScheduledEmails.Update(ctx, email); err != nil {
		return nil, fmt.Errorf("update scheduled email %d: %w", id, err)
	}
	return email, nil
}

func (s *ScheduledEmailService) Delete(ctx context.Context, orgID, id int64) error {
	email, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if !email.Editable() {
		return appErrors.ErrNotEditable
	}
	return s.ScheduledEmails.Delete(ctx, id)
}

func (s *ScheduledEmailService) ListByEvent(ctx context.Context, orgID, eventID int64) ([]model.ScheduledEmail, error) {
	event, err := s.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("event", eventID)
	}
	return s.ScheduledEmails.ListByEvent(ctx, eventID)
}
