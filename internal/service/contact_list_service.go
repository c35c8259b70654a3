package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/repository"
)

// ContactListService maintains manual list membership and its cached count.
type ContactListService struct {
	Lists    repository.ContactListRepositoryInterface
	Contacts repository.ContactRepositoryInterface
	Logger   *zap.Logger
}

func (s *ContactListService) manualList(ctx context.Context, orgID, listID int64) (*model.ContactList, error) {
	list, err := s.Lists.GetByID(ctx, listID)
	if err != nil {
		return nil, err
	}
	if list.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("contact list", listID)
	}
	if list.Kind != model.ContactListManual {
		return nil, appErrors.ErrNotManualList
	}
	return list, nil
}

// AddContacts adds contacts of the organization to a manual list. Ids of
// unknown or foreign contacts are ignored.
func (s *ContactListService) AddContacts(ctx context.Context, orgID, listID int64, ids []int64) (*model.ContactList, error) {
	list, err := s.manualList(ctx, orgID, listID)
	if err != nil {
		return nil, err
	}
	contacts, err := s.Contacts.ListByIDs(ctx, orgID, model.UniqueIDs(ids))
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	valid := make([]int64, 0, len(contacts))
	for _, c := range contacts {
		valid = append(valid, c.ID)
	}
	list.AddContacts(valid...)
	return list, s.save(ctx, list)
}

func (s *ContactListService) RemoveContacts(ctx context.Context, orgID, listID int64, ids []int64) (*model.ContactList, error) {
	list, err := s.manualList(ctx, orgID, listID)
	if err != nil {
		return nil, err
	}
	list.RemoveContacts(ids...)
	return list, s.save(ctx, list)
}

// Recount repairs a drifted contacts_count and reports the previous value.
func (s *ContactListService) Recount(ctx context.Context, orgID, listID int64) (*model.ContactList, int, error) {
	list, err := s.manualList(ctx, orgID, listID)
	if err != nil {
		return nil, 0, err
	}
	previous := list.ContactsCount
	list.Recount()
	if previous == list.ContactsCount {
		return list, previous, nil
	}
	nopIfNil(s.Logger).Warn("contact list count drifted",
		zap.Int64("list_id", listID),
		zap.Int("cached", previous),
		zap.Int("actual", list.ContactsCount),
	)
	return list, previous, s.save(ctx, list)
}

func (s *ContactListService) save(ctx context.Context, list *model.ContactList) error {
	if err := s.Lists.UpdateMembership(ctx, list); err != nil {
		return fmt.Errorf("update list %d: %w", list.ID, err)
	}
	return nil
}
