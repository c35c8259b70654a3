// internal/model/email_unsubscribe.go
package model

import (
	"strings"
	"time"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
)

type UnsubscribeScope string

const (
	ScopeEvent        UnsubscribeScope = "event"
	ScopeOrganization UnsubscribeScope = "organization"
	ScopeGlobal       UnsubscribeScope = "global"
)

// ScopePriority is the order used when a caller does not name a scope.
var ScopePriority = []UnsubscribeScope{ScopeGlobal, ScopeOrganization, ScopeEvent}

func ParseScope(s string) (UnsubscribeScope, error) {
	switch scope := UnsubscribeScope(strings.ToLower(strings.TrimSpace(s))); scope {
	case ScopeEvent, ScopeOrganization, ScopeGlobal:
		return scope, nil
	}
	return "", appErrors.ErrInvalidScope
}

type EmailUnsubscribe struct {
	ID             int64            `db:"id" json:"id"`
	Email          string           `db:"email" json:"email"`
	Scope          UnsubscribeScope `db:"scope" json:"scope"`
	EventID        *int64           `db:"event_id" json:"event_id,omitempty"`
	OrganizationID *int64           `db:"organization_id" json:"organization_id,omitempty"`
	Reason         string           `db:"reason" json:"reason,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}

// Covers reports whether this suppression blocks a send for the event and
// organization.
func (u EmailUnsubscribe) Covers(eventID, orgID int64) bool {
	switch u.Scope {
	case ScopeGlobal:
		return true
	case ScopeOrganization:
		return u.OrganizationID != nil && *u.OrganizationID == orgID
	case ScopeEvent:
		return u.EventID != nil && *u.EventID == eventID
	}
	return false
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
