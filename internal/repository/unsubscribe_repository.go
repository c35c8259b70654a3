package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/presents-campaigns/internal/model"
)

type UnsubscribeRepositoryInterface interface {
	ListByEmail(ctx context.Context, email string) ([]model.EmailUnsubscribe, error)
	// Upsert inserts the suppression or refreshes the reason of an existing one.
	Upsert(ctx context.Context, u *model.EmailUnsubscribe) error
	// Delete removes the suppression matching email, scope and scope entity and
	// reports whether a row was removed.
	Delete(ctx context.Context, email string, scope model.UnsubscribeScope, scopeID *int64) (bool, error)
}

type UnsubscribeRepository struct {
	DB *sql.DB
}

// scopeKey is the non-null uniqueness key of a suppression: the scoped
// entity id, or 0 for global.
func scopeKey(scope model.UnsubscribeScope, eventID, orgID *int64) int64 {
	switch scope {
	case model.ScopeEvent:
		if eventID != nil {
			return *eventID
		}
	case model.ScopeOrganization:
		if orgID != nil {
			return *orgID
		}
	}
	return 0
}

func (r *UnsubscribeRepository) ListByEmail(ctx context.Context, email string) ([]model.EmailUnsubscribe, error) {
	query := `
        SELECT id, email, scope, event_id, organization_id, reason, created_at
        FROM email_unsubscribes
        WHERE email = $1
        ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query, model.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.EmailUnsubscribe{}
	for rows.Next() {
		var (
			u          model.EmailUnsubscribe
			event, org sql.NullInt64
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Scope, &event, &org, &u.Reason, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.EventID = int64Ptr(event)
		u.OrganizationID = int64Ptr(org)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *UnsubscribeRepository) Upsert(ctx context.Context, u *model.EmailUnsubscribe) error {
	u.Email = model.NormalizeEmail(u.Email)
	query := `
        INSERT INTO email_unsubscribes (email, scope, scope_key, event_id, organization_id, reason, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (email, scope, scope_key) DO UPDATE SET reason = EXCLUDED.reason
        RETURNING id, created_at
    `
	return r.DB.QueryRowContext(ctx, query, u.Email, u.Scope, scopeKey(u.Scope, u.EventID, u.OrganizationID),
		nullInt64(u.EventID), nullInt64(u.OrganizationID), u.Reason).Scan(&u.ID, &u.CreatedAt)
}

func (r *UnsubscribeRepository) Delete(ctx context.Context, email string, scope model.UnsubscribeScope, scopeID *int64) (bool, error) {
	key := scopeKey(scope, scopeID, scopeID)
	res, err := r.DB.ExecContext(ctx, `DELETE FROM email_unsubscribes WHERE email = $1 AND scope = $2 AND scope_key = $3`,
		model.NormalizeEmail(email), scope, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var _ UnsubscribeRepositoryInterface = (*UnsubscribeRepository)(nil)
