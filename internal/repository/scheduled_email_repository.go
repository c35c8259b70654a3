package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
)

type ScheduledEmailRepositoryInterface interface {
	// Create returns ErrAlreadyExists when the (event, template item) pair is
	// already materialized.
	Create(ctx context.Context, e *model.ScheduledEmail) error
	GetByID(ctx context.Context, id int64) (*model.ScheduledEmail, error)
	Update(ctx context.Context, e *model.ScheduledEmail) error
	Delete(ctx context.Context, id int64) error
	ListByEvent(ctx context.Context, eventID int64) ([]model.ScheduledEmail, error)
	// ListDue returns scheduled emails whose scheduled_for is at or before the cutoff.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]model.ScheduledEmail, error)
	// Claim marks a scheduled or failed email as taken by one dispatch run. It
	// reports false when the email is not dispatchable or holds a claim made
	// after staleBefore. Update releases the claim once the status moves to
	// sent or failed.
	Claim(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error)
}

type ScheduledEmailRepository struct {
	DB *sql.DB
}

const scheduledEmailColumns = `id, event_id, template_item_id, name, category, position, subject_template, body_template,
               scheduled_for, status, filter_criteria, error_message, sent_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledEmail(row rowScanner) (*model.ScheduledEmail, error) {
	var (
		e      model.ScheduledEmail
		item   sql.NullInt64
		filter []byte
	)
	if err := row.Scan(&e.ID, &e.EventID, &item, &e.Name, &e.Category, &e.Position, &e.SubjectTemplate,
		&e.BodyTemplate, &e.ScheduledFor, &e.Status, &filter, &e.ErrorMessage, &e.SentAt,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.TemplateItemID = int64Ptr(item)
	criteria, err := decodeJSON[model.FilterCriteria](filter)
	if err != nil {
		return nil, err
	}
	e.FilterCriteria = criteria
	return &e, nil
}

func (r *ScheduledEmailRepository) Create(ctx context.Context, e *model.ScheduledEmail) error {
	filter, err := jsonValue(e.FilterCriteria)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO scheduled_emails
            (event_id, template_item_id, name, category, position, subject_template, body_template,
             scheduled_for, status, filter_criteria, error_message, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', NOW(), NOW())
        ON CONFLICT (event_id, template_item_id) DO NOTHING
        RETURNING id, created_at, updated_at
    `
	err = r.DB.QueryRowContext(ctx, query,
		e.EventID, nullInt64(e.TemplateItemID), e.Name, e.Category, e.Position, e.SubjectTemplate,
		e.BodyTemplate, e.ScheduledFor, e.Status, filter,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.ErrAlreadyExists
	}
	return err
}

func (r *ScheduledEmailRepository) GetByID(ctx context.Context, id int64) (*model.ScheduledEmail, error) {
	query := `SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails WHERE id = $1`
	e, err := scanScheduledEmail(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("scheduled email", id)
		}
		return nil, err
	}
	return e, nil
}

func (r *ScheduledEmailRepository) Update(ctx context.Context, e *model.ScheduledEmail) error {
	filter, err := jsonValue(e.FilterCriteria)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now()
	query := `
        UPDATE scheduled_emails
        SET subject_template=$1, body_template=$2, scheduled_for=$3, status=$4, filter_criteria=$5,
            error_message=$6, sent_at=$7, updated_at=$8,
            dispatch_claimed_at = CASE WHEN $4 IN ('sent', 'failed') THEN NULL ELSE dispatch_claimed_at END
        WHERE id=$9
    `
	_, err = r.DB.ExecContext(ctx, query, e.SubjectTemplate, e.BodyTemplate, e.ScheduledFor, e.Status, filter,
		e.ErrorMessage, e.SentAt, e.UpdatedAt, e.ID)
	return err
}

func (r *ScheduledEmailRepository) Delete(ctx context.Context, id int64) error {
	// Sent and failed rows are history; the status guard keeps them even if a
	// caller skipped the editable check.
	res, err := r.DB.ExecContext(ctx, `DELETE FROM scheduled_emails WHERE id = $1 AND status IN ('scheduled', 'paused')`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.ErrNotEditable
	}
	return nil
}

func (r *ScheduledEmailRepository) ListByEvent(ctx context.Context, eventID int64) ([]model.ScheduledEmail, error) {
	query := `SELECT ` + scheduledEmailColumns + ` FROM scheduled_emails WHERE event_id = $1 ORDER BY scheduled_for, position`
	return r.list(ctx, query, eventID)
}

func (r *ScheduledEmailRepository) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]model.ScheduledEmail, error) {
	query := `SELECT ` + scheduledEmailColumns + `
        FROM scheduled_emails
        WHERE status = 'scheduled' AND scheduled_for <= $1
        ORDER BY scheduled_for
        LIMIT $2`
	return r.list(ctx, query, cutoff, limit)
}

func (r *ScheduledEmailRepository) Claim(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE scheduled_emails
        SET dispatch_claimed_at = $2, updated_at = $2
        WHERE id = $1
          AND status IN ('scheduled', 'failed')
          AND (dispatch_claimed_at IS NULL OR dispatch_claimed_at < $3)
    `, id, now, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *ScheduledEmailRepository) list(ctx context.Context, query string, args ...any) ([]model.ScheduledEmail, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := []model.ScheduledEmail{}
	for rows.Next() {
		e, err := scanScheduledEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

var _ ScheduledEmailRepositoryInterface = (*ScheduledEmailRepository)(nil)
