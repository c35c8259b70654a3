// internal/model/campaign_template.go
package model

import "time"

// MaxTemplatePosition bounds item positions within a template.
const MaxTemplatePosition = 40

type TriggerKind string

const (
	TriggerDaysBefore TriggerKind = "days_before"
	TriggerDaysAfter  TriggerKind = "days_after"
	TriggerOnDate     TriggerKind = "on_date"
)

// AnchorField names the event calendar field a trigger is relative to.
type AnchorField string

const (
	AnchorApplicationDeadline AnchorField = "application_deadline"
	AnchorPaymentDeadline     AnchorField = "payment_deadline"
	AnchorEventDate           AnchorField = "event_date"
	AnchorEventEndDate        AnchorField = "event_end_date"
)

type CampaignTemplate struct {
	ID             int64          `db:"id" json:"id"`
	OrganizationID *int64         `db:"organization_id" json:"organization_id,omitempty"`
	Name           string         `db:"name" json:"name"`
	System         bool           `db:"system" json:"system"`
	Items          []TemplateItem `json:"items,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// OwnedBy reports whether orgID may mutate the template.
func (t *CampaignTemplate) OwnedBy(orgID int64) bool {
	return !t.System && t.OrganizationID != nil && *t.OrganizationID == orgID
}

// VisibleTo reports whether orgID may read (and apply) the template.
func (t *CampaignTemplate) VisibleTo(orgID int64) bool {
	return t.System || (t.OrganizationID != nil && *t.OrganizationID == orgID)
}

type TemplateItem struct {
	ID               int64           `db:"id" json:"id"`
	TemplateID       int64           `db:"campaign_template_id" json:"campaign_template_id"`
	Name             string          `db:"name" json:"name"`
	Category         string          `db:"category" json:"category"`
	Position         int             `db:"position" json:"position"`
	SubjectTemplate  string          `db:"subject_template" json:"subject_template"`
	BodyTemplate     string          `db:"body_template" json:"body_template"`
	TriggerKind      TriggerKind     `db:"trigger_kind" json:"trigger_kind"`
	Anchor           AnchorField     `db:"anchor" json:"anchor"`
	OffsetDays       int             `db:"offset_days" json:"offset_days"`
	TriggerTime      string          `db:"trigger_time" json:"trigger_time,omitempty"` // HH:MM, UTC
	EnabledByDefault bool            `db:"enabled_by_default" json:"enabled_by_default"`
	FilterCriteria   *FilterCriteria `db:"filter_criteria" json:"filter_criteria,omitempty"`
}

// FilterCriteria narrows the audience of a scheduled email. When any contact
// or list id is set the audience comes from contacts; otherwise it is the
// event's registrations, optionally restricted to the given statuses.
type FilterCriteria struct {
	RegistrationStatuses []string `json:"registration_statuses,omitempty"`
	ContactIDs           []int64  `json:"contact_ids,omitempty"`
	ContactListIDs       []int64  `json:"contact_list_ids,omitempty"`
	ExcludedIDs          []int64  `json:"excluded_ids,omitempty"`
}

func (f *FilterCriteria) UsesContacts() bool {
	return f != nil && (len(f.ContactIDs) > 0 || len(f.ContactListIDs) > 0)
}
