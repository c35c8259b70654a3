package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/repository"
)

// TemplateAdmin edits organization-owned campaign templates.
type TemplateAdmin struct {
	Templates repository.TemplateRepositoryInterface
	Logger    *zap.Logger
}

// ownedTemplate loads a template the organization may change. System templates
// are immutable; other organizations' templates are reported as not found.
func (a *TemplateAdmin) ownedTemplate(ctx context.Context, orgID, templateID int64) (*model.CampaignTemplate, error) {
	tpl, err := a.Templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.System {
		return nil, appErrors.ErrSystemTemplateImmutable
	}
	if !tpl.OwnedBy(orgID) {
		return nil, appErrors.NewNotFound("campaign template", templateID)
	}
	return tpl, nil
}

// reorderPositions computes the new positions when the item at from moves to
// to: items between the two close the old gap and open the new one, shifting
// by one. Only changed items are returned.
func reorderPositions(items []model.TemplateItem, itemID int64, to int) (map[int64]int, error) {
	from := 0
	for _, it := range items {
		if it.ID == itemID {
			from = it.Position
		}
	}
	if from == 0 {
		return nil, appErrors.NewNotFound("template item", itemID)
	}

	changes := map[int64]int{}
	for _, it := range items {
		switch {
		case it.ID == itemID:
			if from != to {
				changes[it.ID] = to
			}
		case to > from && it.Position > from && it.Position <= to:
			changes[it.ID] = it.Position - 1
		case to < from && it.Position >= to && it.Position < from:
			changes[it.ID] = it.Position + 1
		}
	}
	return changes, nil
}

// MoveItem moves an item to a new position and returns the reordered items.
func (a *TemplateAdmin) MoveItem(ctx context.Context, orgID, templateID, itemID int64, position int) ([]model.TemplateItem, error) {
	if position < 1 || position > model.MaxTemplatePosition {
		return nil, appErrors.ErrInvalidPosition
	}
	if _, err := a.ownedTemplate(ctx, orgID, templateID); err != nil {
		return nil, err
	}
	items, err := a.Templates.ListItems(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	changes, err := reorderPositions(items, itemID, position)
	if err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		if err := a.Templates.UpdatePositions(ctx, templateID, changes); err != nil {
			return nil, fmt.Errorf("update positions: %w", err)
		}
	}
	return a.Templates.ListItems(ctx, templateID)
}

// InsertItem places item at item.Position, shifting later items up by one.
func (a *TemplateAdmin) InsertItem(ctx context.Context, orgID, templateID int64, item model.TemplateItem) (*model.TemplateItem, error) {
	if item.Position < 1 || item.Position > model.MaxTemplatePosition {
		return nil, appErrors.ErrInvalidPosition
	}
	if err := ValidateTemplate(item.SubjectTemplate); err != nil {
		return nil, err
	}
	if err := ValidateTemplate(item.BodyTemplate); err != nil {
		return nil, err
	}
	if _, err := a.ownedTemplate(ctx, orgID, templateID); err != nil {
		return nil, err
	}
	items, err := a.Templates.ListItems(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	if len(items) >= model.MaxTemplatePosition {
		return nil, appErrors.ErrTemplateFull
	}
	for _, it := range items {
		if it.Position >= item.Position && it.Position+1 > model.MaxTemplatePosition {
			return nil, appErrors.ErrTemplateFull
		}
	}

	item.TemplateID = templateID
	if err := a.Templates.InsertItem(ctx, &item); err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	return &item, nil
}

// Clone copies an organization template with all its items.
func (a *TemplateAdmin) Clone(ctx context.Context, orgID, templateID int64, name string) (*model.CampaignTemplate, error) {
	src, err := a.ownedTemplate(ctx, orgID, templateID)
	if err != nil {
		return nil, err
	}
	items, err := a.Templates.ListItems(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	if name == "" {
		name = src.Name + " (copy)"
	}

	owner := orgID
	clone := &model.CampaignTemplate{OrganizationID: &owner, Name: name}
	for _, it := range items {
		it.ID = 0
		clone.Items = append(clone.Items, it)
	}
	if err := a.Templates.Create(ctx, clone); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	nopIfNil(a.Logger).Info("cloned campaign template", zap.Int64("source_id", templateID), zap.Int64("clone_id", clone.ID))
	return clone, nil
}
