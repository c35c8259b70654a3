package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
)

type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Contact, error)
	// ListByIDs returns the contacts among ids that belong to orgID, ordered by id.
	ListByIDs(ctx context.Context, orgID int64, ids []int64) ([]model.Contact, error)
	// FindIDsByFilters evaluates smart list filters live.
	FindIDsByFilters(ctx context.Context, orgID int64, filters model.ContactFilters) ([]int64, error)
}

type ContactListRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.ContactList, error)
	// ListByIDs returns only lists owned by orgID.
	ListByIDs(ctx context.Context, orgID int64, ids []int64) ([]model.ContactList, error)
	UpdateMembership(ctx context.Context, list *model.ContactList) error
}

type ContactRepository struct {
	DB *sql.DB
}

const contactColumns = `id, organization_id, email, first_name, last_name, business_name, phone, category, tags, email_unsubscribed`

func scanContact(row rowScanner) (*model.Contact, error) {
	var c model.Contact
	if err := row.Scan(&c.ID, &c.OrganizationID, &c.Email, &c.FirstName, &c.LastName, &c.BusinessName,
		&c.Phone, &c.Category, pq.Array(&c.Tags), &c.EmailUnsubscribed); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ContactRepository) GetByID(ctx context.Context, id int64) (*model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM vendor_contacts WHERE id = $1`
	c, err := scanContact(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("contact", id)
		}
		return nil, err
	}
	return c, nil
}

func (r *ContactRepository) ListByIDs(ctx context.Context, orgID int64, ids []int64) ([]model.Contact, error) {
	if len(ids) == 0 {
		return []model.Contact{}, nil
	}
	query := `SELECT ` + contactColumns + `
        FROM vendor_contacts
        WHERE organization_id = $1 AND id = ANY($2)
        ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, orgID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

func (r *ContactRepository) FindIDsByFilters(ctx context.Context, orgID int64, filters model.ContactFilters) ([]int64, error) {
	query := `SELECT id FROM vendor_contacts WHERE organization_id = $1`
	args := []any{orgID}
	argPos := 2

	if filters.Category != "" {
		query += fmt.Sprintf(" AND LOWER(category) = LOWER($%d)", argPos)
		args = append(args, filters.Category)
		argPos++
	}
	if len(filters.Tags) > 0 {
		lowered := make([]string, len(filters.Tags))
		for i, t := range filters.Tags {
			lowered[i] = strings.ToLower(t)
		}
		query += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM unnest(tags) t WHERE LOWER(t) = ANY($%d))", argPos)
		args = append(args, pq.Array(lowered))
		argPos++
	}
	if q := strings.TrimSpace(filters.Search); q != "" {
		query += fmt.Sprintf(" AND (first_name || ' ' || last_name || ' ' || email || ' ' || business_name) ILIKE $%d", argPos)
		args = append(args, "%"+q+"%")
	}
	query += " ORDER BY id"

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type ContactListRepository struct {
	DB *sql.DB
}

const contactListColumns = `id, organization_id, name, kind, contact_ids, filters, contacts_count`

func scanContactList(row rowScanner) (*model.ContactList, error) {
	var (
		l       model.ContactList
		ids     pq.Int64Array
		filters []byte
	)
	if err := row.Scan(&l.ID, &l.OrganizationID, &l.Name, &l.Kind, &ids, &filters, &l.ContactsCount); err != nil {
		return nil, err
	}
	l.ContactIDs = []int64(ids)
	f, err := decodeJSON[model.ContactFilters](filters)
	if err != nil {
		return nil, fmt.Errorf("decode filters of list %d: %w", l.ID, err)
	}
	l.Filters = f
	return &l, nil
}

func (r *ContactListRepository) GetByID(ctx context.Context, id int64) (*model.ContactList, error) {
	query := `SELECT ` + contactListColumns + ` FROM contact_lists WHERE id = $1`
	l, err := scanContactList(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("contact list", id)
		}
		return nil, err
	}
	return l, nil
}

func (r *ContactListRepository) ListByIDs(ctx context.Context, orgID int64, ids []int64) ([]model.ContactList, error) {
	if len(ids) == 0 {
		return []model.ContactList{}, nil
	}
	query := `SELECT ` + contactListColumns + ` FROM contact_lists WHERE organization_id = $1 AND id = ANY($2) ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, orgID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lists := []model.ContactList{}
	for rows.Next() {
		l, err := scanContactList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, *l)
	}
	return lists, rows.Err()
}

func (r *ContactListRepository) UpdateMembership(ctx context.Context, list *model.ContactList) error {
	query := `UPDATE contact_lists SET contact_ids=$1, contacts_count=$2, updated_at=NOW() WHERE id=$3`
	_, err := r.DB.ExecContext(ctx, query, pq.Array(list.ContactIDs), list.ContactsCount, list.ID)
	return err
}

var (
	_ ContactRepositoryInterface     = (*ContactRepository)(nil)
	_ ContactListRepositoryInterface = (*ContactListRepository)(nil)
)
