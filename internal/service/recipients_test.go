package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/presents-campaigns/internal/model"
)

// resolveIDs is Resolve reduced to contact ids.
func resolveIDs(ctx context.Context, r *RecipientSetResolver, a Audience) ([]int64, error) {
	contacts, err := r.Resolve(ctx, a)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
	}
	return ids, nil
}

func resolverFixture() *harness {
	h := newHarness()
	h.addContact(model.Contact{ID: 1, Email: "one@x.io", Category: "food"})
	h.addContact(model.Contact{ID: 2, Email: "two@x.io", Category: "crafts", Tags: []string{"local"}})
	h.addContact(model.Contact{ID: 3, Email: "three@x.io", Category: "food", Tags: []string{"vegan"}})
	h.addContact(model.Contact{ID: 4, Email: "four@x.io", Category: "art"})
	h.addContact(model.Contact{ID: 9, OrganizationID: 20, Email: "other@x.io", Category: "food"})

	h.lists.lists[50] = &model.ContactList{ID: 50, OrganizationID: 10, Kind: model.ContactListManual, ContactIDs: []int64{2, 4}}
	h.lists.lists[51] = &model.ContactList{ID: 51, OrganizationID: 10, Kind: model.ContactListSmart, Filters: &model.ContactFilters{Category: "food"}}
	h.lists.lists[52] = &model.ContactList{ID: 52, OrganizationID: 20, Kind: model.ContactListManual, ContactIDs: []int64{9}}
	return h
}

func TestResolve_UnionOfIDsAndLists(t *testing.T) {
	h := resolverFixture()
	ids, err := resolveIDs(context.Background(), h.resolver, Audience{
		OrganizationID: 10,
		ContactIDs:     []int64{4, 4},
		ListIDs:        []int64{51, 50},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)
}

func TestResolve_ExclusionWins(t *testing.T) {
	h := resolverFixture()
	ids, err := resolveIDs(context.Background(), h.resolver, Audience{
		OrganizationID: 10,
		ContactIDs:     []int64{1, 2},
		ListIDs:        []int64{51},
		ExcludedIDs:    []int64{1, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestResolve_IgnoresOtherOrganizations(t *testing.T) {
	h := resolverFixture()
	ids, err := resolveIDs(context.Background(), h.resolver, Audience{
		OrganizationID: 10,
		ContactIDs:     []int64{9},
		ListIDs:        []int64{52},
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResolve_OrderIndependent(t *testing.T) {
	h := resolverFixture()
	a, err := resolveIDs(context.Background(), h.resolver, Audience{OrganizationID: 10, ContactIDs: []int64{3, 1}, ListIDs: []int64{50, 51}})
	require.NoError(t, err)
	b, err := resolveIDs(context.Background(), h.resolver, Audience{OrganizationID: 10, ContactIDs: []int64{1, 3}, ListIDs: []int64{51, 50}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

type blockingContacts struct {
	*fakeContacts
}

func (b blockingContacts) ListByIDs(ctx context.Context, orgID int64, ids []int64) ([]model.Contact, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResolve_Timeout(t *testing.T) {
	h := resolverFixture()
	r := &RecipientSetResolver{Contacts: blockingContacts{h.contacts}, Lists: h.lists, Timeout: 10 * time.Millisecond}
	_, err := r.Resolve(context.Background(), Audience{OrganizationID: 10, ContactIDs: []int64{1}})
	assert.ErrorIs(t, err, ErrResolveTimeout)
}
