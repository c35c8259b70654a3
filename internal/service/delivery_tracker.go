package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/metrics"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/repository"
)

// DeliveryTracker owns the EmailDelivery lifecycle.
type DeliveryTracker struct {
	Deliveries      repository.DeliveryRepositoryInterface
	ScheduledEmails repository.ScheduledEmailRepositoryInterface
	OverdueGrace    time.Duration
	// StaleAfter is how long a queued delivery must sit untouched before a
	// later dispatch may take it over. It must exceed the longest dispatch run.
	StaleAfter      time.Duration
	Logger          *zap.Logger
	Clock           Clock
}

const defaultStaleAfter = 30 * time.Minute

func (t *DeliveryTracker) staleAfter() time.Duration {
	if t.StaleAfter <= 0 {
		return defaultStaleAfter
	}
	return t.StaleAfter
}

// Callback is one provider status notification.
type Callback struct {
	TransportMessageID string    `json:"message_id"`
	RecipientEmail     string    `json:"email"`
	Status             string    `json:"event"`
	Timestamp          time.Time `json:"timestamp"`
	Reason             string    `json:"reason"`
}

type DeliveryStats struct {
	Total        int     `json:"total"`
	Queued       int     `json:"queued"`
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Undelivered  int     `json:"undelivered"`
	Unsubscribed int     `json:"unsubscribed"`
	DeliveryRate float64 `json:"delivery_rate"`
}

type OverdueEmail struct {
	ScheduledEmailID int64     `json:"scheduled_email_id"`
	EventID          int64     `json:"event_id"`
	Name             string    `json:"name"`
	ScheduledFor     time.Time `json:"scheduled_for"`
	MinutesOverdue   int       `json:"minutes_overdue"`
}

const overdueScanLimit = 1000

func targetLabel(t model.DeliveryTarget) string {
	if _, ok := t.InvitationID(); ok {
		return "invitation"
	}
	return "scheduled_email"
}

// CreatePending records a queued delivery before the transport is called. An
// existing row is reused: dropped rows and queued rows older than StaleAfter
// are requeued and returned with proceed=true. Any other row means the
// recipient was handled or is being handled, and proceed is false.
func (t *DeliveryTracker) CreatePending(ctx context.Context, target model.DeliveryTarget, email string) (*model.EmailDelivery, bool, error) {
	if !target.Valid() {
		return nil, false, fmt.Errorf("create delivery for %s", target)
	}
	now := t.Clock.now()

	existing, err := t.Deliveries.FindByTargetAndEmail(ctx, target, email)
	if err != nil {
		return nil, false, fmt.Errorf("find delivery: %w", err)
	}
	if existing != nil {
		if !existing.Resendable(now, t.staleAfter()) {
			return existing, false, nil
		}
		if err := existing.Requeue(now); err != nil {
			return nil, false, err
		}
		if err := t.Deliveries.Update(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("requeue delivery %d: %w", existing.ID, err)
		}
		return existing, true, nil
	}

	d := model.NewQueuedDelivery(target, email, now)
	if err := t.Deliveries.Create(ctx, d); err != nil {
		return nil, false, fmt.Errorf("create delivery: %w", err)
	}
	metrics.DeliveriesRecorded.WithLabelValues(targetLabel(target), string(d.Status)).Inc()
	return d, true, nil
}

// RecordSuppressed records that the recipient was blocked at send time. An
// existing row for the pair is left as is.
func (t *DeliveryTracker) RecordSuppressed(ctx context.Context, target model.DeliveryTarget, email string) (*model.EmailDelivery, error) {
	existing, err := t.Deliveries.FindByTargetAndEmail(ctx, target, email)
	if err != nil {
		return nil, fmt.Errorf("find delivery: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	d := model.NewSuppressedDelivery(target, email, t.Clock.now())
	if err := t.Deliveries.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	metrics.DeliveriesRecorded.WithLabelValues(targetLabel(target), string(d.Status)).Inc()
	return d, nil
}

// RecordResult applies an outcome. Re-applying the current status is a no-op.
func (t *DeliveryTracker) RecordResult(ctx context.Context, d *model.EmailDelivery, o model.Outcome) error {
	if o.At.IsZero() {
		o.At = t.Clock.now()
	}
	changed, err := d.Apply(o)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := t.Deliveries.Update(ctx, d); err != nil {
		return fmt.Errorf("update delivery %d: %w", d.ID, err)
	}
	metrics.DeliveriesRecorded.WithLabelValues(targetLabel(d.Target), string(d.Status)).Inc()
	return nil
}

// callbackOutcome maps provider event names onto outcomes.
func callbackOutcome(status string) (model.OutcomeKind, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "delivered", "delivery":
		return model.OutcomeDelivered, true
	case "bounced", "bounce":
		return model.OutcomeBounced, true
	case "dropped", "reject", "rejected":
		return model.OutcomeDropped, true
	}
	return "", false
}

// HandleCallback applies a provider notification. The delivery is matched by
// transport message id, falling back to the most recent sent delivery for the
// recipient address.
func (t *DeliveryTracker) HandleCallback(ctx context.Context, cb Callback) (*model.EmailDelivery, error) {
	kind, ok := callbackOutcome(cb.Status)
	if !ok {
		return nil, fmt.Errorf("callback event %q: %w", cb.Status, appErrors.ErrInvalidTransition)
	}

	var (
		d   *model.EmailDelivery
		err error
	)
	if cb.TransportMessageID != "" {
		if d, err = t.Deliveries.FindByTransportMessageID(ctx, cb.TransportMessageID); err != nil {
			return nil, fmt.Errorf("find delivery by message id: %w", err)
		}
	}
	if d == nil && cb.RecipientEmail != "" {
		if d, err = t.Deliveries.FindLatestSentByEmail(ctx, cb.RecipientEmail); err != nil {
			return nil, fmt.Errorf("find delivery by email: %w", err)
		}
	}
	if d == nil && cb.RecipientEmail != "" {
		// The provider can report before the send result is persisted.
		queued, err := t.Deliveries.HasQueuedForEmail(ctx, cb.RecipientEmail)
		if err != nil {
			return nil, fmt.Errorf("find queued delivery: %w", err)
		}
		if queued {
			return nil, appErrors.ErrDeliveryPending
		}
	}
	if d == nil {
		return nil, appErrors.NewNotFound("delivery", cb.TransportMessageID)
	}

	if err := t.RecordResult(ctx, d, model.Outcome{Kind: kind, Reason: cb.Reason, At: cb.Timestamp.UTC()}); err != nil {
		return d, err
	}
	return d, nil
}

func (t *DeliveryTracker) Stats(ctx context.Context, target model.DeliveryTarget) (*DeliveryStats, error) {
	counts, err := t.Deliveries.CountByStatus(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	s := &DeliveryStats{
		Queued:       counts[model.DeliveryQueued],
		Sent:         counts[model.DeliverySent],
		Delivered:    counts[model.DeliveryDelivered],
		Undelivered:  counts[model.DeliveryBounced] + counts[model.DeliveryDropped],
		Unsubscribed: counts[model.DeliveryUnsubscribed],
	}
	for _, n := range counts {
		s.Total += n
	}
	if attempted := s.Sent + s.Delivered + s.Undelivered; attempted > 0 {
		s.DeliveryRate = float64(s.Delivered) / float64(attempted)
	}
	return s, nil
}

// Overdue lists scheduled emails still waiting past the grace window. It is a
// monitoring signal only and changes no state.
func (t *DeliveryTracker) Overdue(ctx context.Context) ([]OverdueEmail, error) {
	now := t.Clock.now()
	due, err := t.ScheduledEmails.ListDue(ctx, now.Add(-t.OverdueGrace), overdueScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list due emails: %w", err)
	}
	out := []OverdueEmail{}
	for i := range due {
		e := &due[i]
		if m := e.MinutesOverdue(now, t.OverdueGrace); m > 0 {
			out = append(out, OverdueEmail{
				ScheduledEmailID: e.ID,
				EventID:          e.EventID,
				Name:             e.Name,
				ScheduledFor:     e.ScheduledFor,
				MinutesOverdue:   m,
			})
		}
	}
	metrics.ScheduledEmailsOverdue.Set(float64(len(out)))
	return out, nil
}
