package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/repository"
)

// CampaignScheduler materializes a campaign template against an event.
type CampaignScheduler struct {
	Events          repository.EventRepositoryInterface
	Templates       repository.TemplateRepositoryInterface
	ScheduledEmails repository.ScheduledEmailRepositoryInterface
	Logger          *zap.Logger
}

// Selection restricts generation to a category and/or positions. Empty fields
// select everything.
type Selection struct {
	Category  string `json:"category,omitempty"`
	Positions []int  `json:"positions,omitempty"`
}

func (s Selection) matches(item model.TemplateItem) bool {
	if s.Category != "" && !strings.EqualFold(s.Category, item.Category) {
		return false
	}
	if len(s.Positions) == 0 {
		return true
	}
	for _, p := range s.Positions {
		if p == item.Position {
			return true
		}
	}
	return false
}

type GenerationError struct {
	ItemID   int64  `json:"item_id"`
	Position int    `json:"position"`
	ItemName string `json:"item_name"`
	Message  string `json:"message"`
}

type SkippedItem struct {
	ItemID   int64  `json:"item_id"`
	Position int    `json:"position"`
	ItemName string `json:"item_name"`
}

type GenerationResult struct {
	Emails  []model.ScheduledEmail `json:"emails"`
	Skipped []SkippedItem          `json:"skipped"`
	Errors  []GenerationError      `json:"errors"`
}

func (s *CampaignScheduler) Generate(ctx context.Context, orgID, eventID int64) (*GenerationResult, error) {
	return s.GenerateSelective(ctx, orgID, eventID, Selection{})
}

// GenerateSelective creates one scheduled email per selected template item.
// Items already materialized for the event are skipped, so repeated calls are
// safe. Items whose anchor date is missing are reported in Errors and do not
// stop the others.
func (s *CampaignScheduler) GenerateSelective(ctx context.Context, orgID, eventID int64, sel Selection) (*GenerationResult, error) {
	log := nopIfNil(s.Logger).With(zap.Int64("event_id", eventID))

	event, err := s.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("event", eventID)
	}
	if event.CampaignTemplateID == nil {
		return nil, appErrors.ErrNoCampaignTemplate
	}
	tpl, err := s.Templates.GetByID(ctx, *event.CampaignTemplateID)
	if err != nil {
		return nil, err
	}
	if !tpl.VisibleTo(orgID) {
		return nil, appErrors.ErrNoCampaignTemplate
	}
	items, err := s.Templates.ListItems(ctx, tpl.ID)
	if err != nil {
		return nil, fmt.Errorf("list template items: %w", err)
	}

	existing, err := s.ScheduledEmails.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled emails: %w", err)
	}
	materialized := make(map[int64]struct{}, len(existing))
	for _, e := range existing {
		if e.TemplateItemID != nil {
			materialized[*e.TemplateItemID] = struct{}{}
		}
	}

	result := &GenerationResult{Emails: []model.ScheduledEmail{}, Skipped: []SkippedItem{}, Errors: []GenerationError{}}
	for _, item := range items {
		if !sel.matches(item) {
			continue
		}
		if _, ok := materialized[item.ID]; ok {
			result.Skipped = append(result.Skipped, SkippedItem{ItemID: item.ID, Position: item.Position, ItemName: item.Name})
			continue
		}

		at, err := ResolveTrigger(item, event)
		if err != nil {
			result.Errors = append(result.Errors, GenerationError{
				ItemID: item.ID, Position: item.Position, ItemName: item.Name, Message: err.Error(),
			})
			continue
		}

		status := model.ScheduledEmailScheduled
		if !item.EnabledByDefault {
			status = model.ScheduledEmailPaused
		}
		itemID := item.ID
		email := model.ScheduledEmail{
			EventID:         eventID,
			TemplateItemID:  &itemID,
			Name:            item.Name,
			Category:        item.Category,
			Position:        item.Position,
			SubjectTemplate: item.SubjectTemplate,
			BodyTemplate:    item.BodyTemplate,
			ScheduledFor:    at,
			Status:          status,
			FilterCriteria:  item.FilterCriteria,
		}
		if err := s.ScheduledEmails.Create(ctx, &email); err != nil {
			if errors.Is(err, appErrors.ErrAlreadyExists) {
				result.Skipped = append(result.Skipped, SkippedItem{ItemID: item.ID, Position: item.Position, ItemName: item.Name})
				continue
			}
			result.Errors = append(result.Errors, GenerationError{
				ItemID: item.ID, Position: item.Position, ItemName: item.Name, Message: err.Error(),
			})
			log.Error("failed to create scheduled email", zap.Int64("item_id", item.ID), zap.Error(err))
			continue
		}
		result.Emails = append(result.Emails, email)
	}

	log.Info("generated scheduled emails",
		zap.Int("created", len(result.Emails)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}
