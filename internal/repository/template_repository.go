package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
)

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.CampaignTemplate, error)
	ListItems(ctx context.Context, templateID int64) ([]model.TemplateItem, error)
	// Create inserts the template and its items in one transaction.
	Create(ctx context.Context, t *model.CampaignTemplate) error
	// InsertItem shifts items at or after item.Position up by one and inserts item.
	InsertItem(ctx context.Context, item *model.TemplateItem) error
	// UpdatePositions applies new positions (item id -> position) atomically.
	UpdatePositions(ctx context.Context, templateID int64, positions map[int64]int) error
}

type TemplateRepository struct {
	DB *sql.DB
}

const templateItemColumns = `id, campaign_template_id, name, category, position, subject_template, body_template,
               trigger_kind, anchor, offset_days, trigger_time, enabled_by_default, filter_criteria`

func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*model.CampaignTemplate, error) {
	query := `SELECT id, organization_id, name, system, created_at FROM campaign_templates WHERE id = $1`
	var (
		t   model.CampaignTemplate
		org sql.NullInt64
	)
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&t.ID, &org, &t.Name, &t.System, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("campaign template", id)
		}
		return nil, err
	}
	t.OrganizationID = int64Ptr(org)
	return &t, nil
}

func (r *TemplateRepository) ListItems(ctx context.Context, templateID int64) ([]model.TemplateItem, error) {
	query := `SELECT ` + templateItemColumns + `
        FROM campaign_template_items
        WHERE campaign_template_id = $1
        ORDER BY position`
	rows, err := r.DB.QueryContext(ctx, query, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.TemplateItem{}
	for rows.Next() {
		var (
			item   model.TemplateItem
			filter []byte
		)
		if err := rows.Scan(&item.ID, &item.TemplateID, &item.Name, &item.Category, &item.Position,
			&item.SubjectTemplate, &item.BodyTemplate, &item.TriggerKind, &item.Anchor, &item.OffsetDays,
			&item.TriggerTime, &item.EnabledByDefault, &filter); err != nil {
			return nil, err
		}
		if item.FilterCriteria, err = decodeJSON[model.FilterCriteria](filter); err != nil {
			return nil, fmt.Errorf("decode filter criteria of item %d: %w", item.ID, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *TemplateRepository) Create(ctx context.Context, t *model.CampaignTemplate) error {
	return withTx(ctx, r.DB, func(tx *sql.Tx) error {
		query := `
            INSERT INTO campaign_templates (organization_id, name, system, created_at)
            VALUES ($1, $2, $3, NOW())
            RETURNING id, created_at
        `
		if err := tx.QueryRowContext(ctx, query, nullInt64(t.OrganizationID), t.Name, t.System).Scan(&t.ID, &t.CreatedAt); err != nil {
			return err
		}
		for i := range t.Items {
			t.Items[i].TemplateID = t.ID
			if err := insertItem(ctx, tx, &t.Items[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *TemplateRepository) InsertItem(ctx context.Context, item *model.TemplateItem) error {
	return withTx(ctx, r.DB, func(tx *sql.Tx) error {
		shift := `
            UPDATE campaign_template_items
            SET position = position + 1
            WHERE campaign_template_id = $1 AND position >= $2
        `
		if _, err := tx.ExecContext(ctx, shift, item.TemplateID, item.Position); err != nil {
			return err
		}
		return insertItem(ctx, tx, item)
	})
}

func insertItem(ctx context.Context, tx *sql.Tx, item *model.TemplateItem) error {
	filter, err := jsonValue(item.FilterCriteria)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO campaign_template_items
            (campaign_template_id, name, category, position, subject_template, body_template,
             trigger_kind, anchor, offset_days, trigger_time, enabled_by_default, filter_criteria)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING id
    `
	return tx.QueryRowContext(ctx, query,
		item.TemplateID, item.Name, item.Category, item.Position, item.SubjectTemplate, item.BodyTemplate,
		item.TriggerKind, item.Anchor, item.OffsetDays, item.TriggerTime, item.EnabledByDefault, filter,
	).Scan(&item.ID)
}

func (r *TemplateRepository) UpdatePositions(ctx context.Context, templateID int64, positions map[int64]int) error {
	// The (template, position) unique constraint is deferred, so intermediate
	// duplicates inside this transaction are fine.
	return withTx(ctx, r.DB, func(tx *sql.Tx) error {
		query := `UPDATE campaign_template_items SET position = $1 WHERE id = $2 AND campaign_template_id = $3`
		for id, pos := range positions {
			res, err := tx.ExecContext(ctx, query, pos, id, templateID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return appErrors.NewNotFound("template item", id)
			}
		}
		return nil
	})
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
