package service

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
)

// anchorDate returns the event calendar field a trigger is relative to.
func anchorDate(event *model.Event, anchor model.AnchorField) (*time.Time, error) {
	switch anchor {
	case model.AnchorApplicationDeadline:
		return event.ApplicationDeadline, nil
	case model.AnchorPaymentDeadline:
		return event.PaymentDeadline, nil
	case model.AnchorEventDate:
		return event.EventDate, nil
	case model.AnchorEventEndDate:
		return event.EventEndDate, nil
	}
	return nil, fmt.Errorf("anchor %q: %w", anchor, appErrors.ErrUnknownTrigger)
}

// ResolveTrigger computes when a template item fires for an event. The result
// is in UTC and may lie in the past; such emails are still scheduled and later
// reported as overdue.
func ResolveTrigger(item model.TemplateItem, event *model.Event) (time.Time, error) {
	anchor, err := anchorDate(event, item.Anchor)
	if err != nil {
		return time.Time{}, err
	}
	if anchor == nil {
		return time.Time{}, fmt.Errorf("%s: %w", item.Anchor, appErrors.ErrAnchorMissing)
	}
	at := anchor.UTC()

	switch item.TriggerKind {
	case model.TriggerDaysBefore:
		at = at.AddDate(0, 0, -item.OffsetDays)
	case model.TriggerDaysAfter:
		at = at.AddDate(0, 0, item.OffsetDays)
	case model.TriggerOnDate:
	default:
		return time.Time{}, fmt.Errorf("trigger %q: %w", item.TriggerKind, appErrors.ErrUnknownTrigger)
	}

	if item.TriggerTime != "" {
		tod, err := time.Parse("15:04", item.TriggerTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("trigger time %q: %w", item.TriggerTime, appErrors.ErrUnknownTrigger)
		}
		at = time.Date(at.Year(), at.Month(), at.Day(), tod.Hour(), tod.Minute(), 0, 0, time.UTC)
	}
	return at, nil
}
