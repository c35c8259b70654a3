// internal/service/template_service.go
package service

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)
	anyPlaceholder     = regexp.MustCompile(`\{\{[^{}]*\}\}`)
)

const dateLayout = "January 2, 2006"

// RenderContext is everything a subject or body may refer to.
type RenderContext struct {
	Event          *model.Event
	Recipient      model.Recipient
	UnsubscribeURL string
	InvitationURL  string
}

func (rc RenderContext) values() map[string]string {
	v := map[string]string{
		"first_name":      rc.Recipient.FirstName,
		"last_name":       rc.Recipient.LastName,
		"full_name":       strings.TrimSpace(rc.Recipient.FirstName + " " + rc.Recipient.LastName),
		"business_name":   rc.Recipient.BusinessName,
		"email":           rc.Recipient.Email,
		"unsubscribe_url": rc.UnsubscribeURL,
		"invitation_url":  rc.InvitationURL,
	}
	if e := rc.Event; e != nil {
		v["event_name"] = e.Name
		v["event_location"] = e.Location
		v["organization_name"] = e.OrganizationName
		v["event_date"] = formatDate(e.EventDate)
		v["event_end_date"] = formatDate(e.EventEndDate)
		v["application_deadline"] = formatDate(e.ApplicationDeadline)
		v["payment_deadline"] = formatDate(e.PaymentDeadline)
	}
	return v
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

// ValidateTemplate rejects templates with an unterminated or nested {{.
func ValidateTemplate(tpl string) error {
	rest := anyPlaceholder.ReplaceAllString(tpl, "")
	if strings.Contains(rest, "{{") || strings.Contains(rest, "}}") {
		return fmt.Errorf("unbalanced placeholder braces: %w", appErrors.ErrMalformedTemplate)
	}
	return nil
}

// RenderTemplate replaces {{token}} placeholders. Unknown tokens are left as
// written so typos stay visible in the sent email and in previews.
func RenderTemplate(tpl string, rc RenderContext) (string, error) {
	if err := ValidateTemplate(tpl); err != nil {
		return "", err
	}
	values := rc.values()
	return placeholderPattern.ReplaceAllStringFunc(tpl, func(m string) string {
		name := strings.ToLower(placeholderPattern.FindStringSubmatch(m)[1])
		if v, ok := values[name]; ok {
			return v
		}
		return m
	}), nil
}
