// internal/model/contact.go
package model

import (
	"sort"
	"strings"
)

type Contact struct {
	ID                int64    `db:"id" json:"id"`
	OrganizationID    int64    `db:"organization_id" json:"organization_id"`
	Email             string   `db:"email" json:"email"`
	FirstName         string   `db:"first_name" json:"first_name"`
	LastName          string   `db:"last_name" json:"last_name"`
	BusinessName      string   `db:"business_name" json:"business_name"`
	Phone             string   `db:"phone" json:"phone"`
	Category          string   `db:"category" json:"category"`
	Tags              []string `db:"tags" json:"tags"`
	EmailUnsubscribed bool     `db:"email_unsubscribed" json:"email_unsubscribed"`
}

func (c Contact) Recipient() Recipient {
	id := c.ID
	return Recipient{
		Email:        NormalizeEmail(c.Email),
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		BusinessName: c.BusinessName,
		ContactID:    &id,
	}
}

// ContactFilters define a smart list. Empty fields match everything.
type ContactFilters struct {
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Search   string   `json:"search,omitempty"`
}

// Matches evaluates the filters against one contact. Tags match when the
// contact carries any of them; search is a case-insensitive substring over
// name, email and business name.
func (f ContactFilters) Matches(c Contact) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, c.Category) {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range c.Tags {
				if strings.EqualFold(want, have) {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hay := strings.ToLower(strings.Join([]string{c.FirstName, c.LastName, c.Email, c.BusinessName}, " "))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

type ContactListKind string

const (
	ContactListManual ContactListKind = "manual"
	ContactListSmart  ContactListKind = "smart"
)

type ContactList struct {
	ID             int64           `db:"id" json:"id"`
	OrganizationID int64           `db:"organization_id" json:"organization_id"`
	Name           string          `db:"name" json:"name"`
	Kind           ContactListKind `db:"kind" json:"kind"`
	ContactIDs     []int64         `db:"contact_ids" json:"contact_ids,omitempty"`
	Filters        *ContactFilters `db:"filters" json:"filters,omitempty"`
	// ContactsCount is cached for manual lists and refreshed whenever
	// ContactIDs changes. Smart lists compute their count live.
	ContactsCount int `db:"contacts_count" json:"contacts_count"`
}

// SetContactIDs replaces manual membership and refreshes the cached count.
func (l *ContactList) SetContactIDs(ids []int64) {
	l.ContactIDs = UniqueIDs(ids)
	l.Recount()
}

func (l *ContactList) AddContacts(ids ...int64) {
	l.SetContactIDs(append(append([]int64{}, l.ContactIDs...), ids...))
}

func (l *ContactList) RemoveContacts(ids ...int64) {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]int64, 0, len(l.ContactIDs))
	for _, id := range l.ContactIDs {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	l.SetContactIDs(kept)
}

func (l *ContactList) Recount() {
	if l.Kind == ContactListManual {
		l.ContactsCount = len(l.ContactIDs)
	}
}

// UniqueIDs returns ids deduplicated and sorted ascending.
func UniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
