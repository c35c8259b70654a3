package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContactList_SetContactIDsRecounts(t *testing.T) {
	l := &ContactList{Kind: ContactListManual}
	l.SetContactIDs([]int64{3, 1, 3, 2})
	assert.Equal(t, []int64{1, 2, 3}, l.ContactIDs)
	assert.Equal(t, 3, l.ContactsCount)

	l.AddContacts(4, 1)
	assert.Equal(t, 4, l.ContactsCount)

	l.RemoveContacts(1, 2)
	assert.Equal(t, []int64{3, 4}, l.ContactIDs)
	assert.Equal(t, 2, l.ContactsCount)
}

func TestContactList_SmartCountIsNotCached(t *testing.T) {
	l := &ContactList{Kind: ContactListSmart, ContactsCount: 0}
	l.SetContactIDs([]int64{1, 2})
	assert.Zero(t, l.ContactsCount)
}

func TestContactFilters_Matches(t *testing.T) {
	c := Contact{FirstName: "Ada", LastName: "Lovelace", Email: "ada@engines.io", BusinessName: "Engines", Category: "Food", Tags: []string{"vegan", "local"}}

	assert.True(t, ContactFilters{}.Matches(c))
	assert.True(t, ContactFilters{Category: "food"}.Matches(c))
	assert.False(t, ContactFilters{Category: "crafts"}.Matches(c))
	assert.True(t, ContactFilters{Tags: []string{"bbq", "LOCAL"}}.Matches(c))
	assert.False(t, ContactFilters{Tags: []string{"bbq"}}.Matches(c))
	assert.True(t, ContactFilters{Search: "engin"}.Matches(c))
	assert.False(t, ContactFilters{Search: "babbage"}.Matches(c))
}

func TestEmailUnsubscribe_Covers(t *testing.T) {
	ev, org := int64(10), int64(20)
	assert.True(t, EmailUnsubscribe{Scope: ScopeGlobal}.Covers(1, 2))
	assert.True(t, EmailUnsubscribe{Scope: ScopeOrganization, OrganizationID: &org}.Covers(1, 20))
	assert.False(t, EmailUnsubscribe{Scope: ScopeOrganization, OrganizationID: &org}.Covers(1, 21))
	assert.True(t, EmailUnsubscribe{Scope: ScopeEvent, EventID: &ev}.Covers(10, 2))
	assert.False(t, EmailUnsubscribe{Scope: ScopeEvent, EventID: &ev}.Covers(11, 2))
}
