package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/metrics"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/queue"
	"github.com/unclebandit/presents-campaigns/internal/repository"
	"github.com/unclebandit/presents-campaigns/internal/transport"
)

// MailTransport sends one message and returns the provider message id.
type MailTransport interface {
	Send(ctx context.Context, msg transport.Message) (string, error)
}

// Locker guards a dispatch run against concurrent runs of the same email.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// Links builds the public URLs placed into emails.
type Links struct {
	BaseURL string
}

func (l Links) Unsubscribe(token string) string {
	return strings.TrimRight(l.BaseURL, "/") + "/unsubscribe/" + token
}

func (l Links) Invitation(token string) string {
	return strings.TrimRight(l.BaseURL, "/") + "/invitations/" + token
}

type RecipientError struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

type DispatchResult struct {
	ScheduledEmailID int64                      `json:"scheduled_email_id"`
	Status           model.ScheduledEmailStatus `json:"status"`
	Sent             int                        `json:"sent"`
	Failed           int                        `json:"failed"`
	Skipped          int                        `json:"skipped"`
	Errors           []RecipientError           `json:"errors"`
	// Error is set when the run could not start and the email was marked failed.
	Error string `json:"error,omitempty"`
}

// sendOutcome is what one recipient task ended with.
type sendOutcome int

const (
	outcomeNone sendOutcome = iota
	outcomeSent
	outcomeSkipped
)

// DispatchEngine sends a due scheduled email to its audience.
type DispatchEngine struct {
	Events          repository.EventRepositoryInterface
	ScheduledEmails repository.ScheduledEmailRepositoryInterface
	Resolver        *RecipientSetResolver
	Gate            *UnsubscribeGate
	Tracker         *DeliveryTracker
	Transport       MailTransport
	Locker          Locker
	Executor        *queue.Executor
	Links           Links
	Logger          *zap.Logger
	Clock           Clock
}

// Dispatch is the single entry point for both "send now" and the sweeper.
// The email's status is re-read under the lock, so a pause that lands after
// a sweep selected the email still wins. The run then claims the row in the
// database, which keeps a second process or a lock that expired from
// starting an overlapping run.
func (d *DispatchEngine) Dispatch(ctx context.Context, scheduledEmailID int64) (*DispatchResult, error) {
	log := nopIfNil(d.Logger).With(zap.Int64("scheduled_email_id", scheduledEmailID))
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	release, ok, err := d.Locker.Acquire(ctx, "scheduled_email:"+strconv.FormatInt(scheduledEmailID, 10))
	if err != nil {
		return nil, appErrors.Retryable(err)
	}
	if !ok {
		metrics.DispatchRuns.WithLabelValues("locked").Inc()
		return nil, appErrors.ErrDispatchInProgress
	}
	defer release()

	email, err := d.ScheduledEmails.GetByID(ctx, scheduledEmailID)
	if err != nil {
		return nil, err
	}
	if !email.Dispatchable() {
		metrics.DispatchRuns.WithLabelValues("not_dispatchable").Inc()
		return nil, fmt.Errorf("email %d is %s: %w", email.ID, email.Status, appErrors.ErrNotDispatchable)
	}
	if err := d.claim(ctx, email); err != nil {
		return nil, err
	}

	result := &DispatchResult{ScheduledEmailID: email.ID, Errors: []RecipientError{}}

	event, recipients, err := d.prepare(ctx, email)
	if err != nil {
		log.Warn("dispatch could not start", zap.Error(err))
		email.MarkFailed(err.Error())
		if uerr := d.ScheduledEmails.Update(ctx, email); uerr != nil {
			return nil, fmt.Errorf("mark email failed: %w", uerr)
		}
		metrics.DispatchRuns.WithLabelValues("failed").Inc()
		result.Status = email.Status
		result.Error = err.Error()
		return result, nil
	}

	target := model.ScheduledEmailTarget(email.ID)
	outcomes := make([]sendOutcome, len(recipients))
	tasks := make([]queue.Task, len(recipients))
	for i, r := range recipients {
		i, r := i, r
		tasks[i] = queue.Task{
			Name: r.Email,
			Run: func(ctx context.Context) error {
				o, err := d.sendOne(ctx, target, email, event, r)
				outcomes[i] = o
				return err
			},
		}
	}

	for i, res := range d.Executor.Run(ctx, tasks) {
		switch {
		case res.Err != nil:
			result.Failed++
			result.Errors = append(result.Errors, RecipientError{Email: recipients[i].Email, Message: res.Err.Error()})
			metrics.RecipientTasks.WithLabelValues("failed").Inc()
		case outcomes[i] == outcomeSent:
			result.Sent++
			metrics.RecipientTasks.WithLabelValues("sent").Inc()
		default:
			result.Skipped++
			metrics.RecipientTasks.WithLabelValues("skipped").Inc()
		}
	}

	email.MarkSent(d.Clock.now())
	if err := d.ScheduledEmails.Update(ctx, email); err != nil {
		return nil, fmt.Errorf("mark email sent: %w", err)
	}
	result.Status = email.Status
	metrics.DispatchRuns.WithLabelValues("sent").Inc()
	log.Info("scheduled email dispatched",
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// claim takes the database claim on email. Losing it means another run owns
// the email, unless the status changed since it was read.
func (d *DispatchEngine) claim(ctx context.Context, email *model.ScheduledEmail) error {
	now := d.Clock.now()
	ok, err := d.ScheduledEmails.Claim(ctx, email.ID, now, now.Add(-d.Tracker.staleAfter()))
	if err != nil {
		return appErrors.Retryable(fmt.Errorf("claim email %d: %w", email.ID, err))
	}
	if ok {
		return nil
	}
	if cur, err := d.ScheduledEmails.GetByID(ctx, email.ID); err == nil && !cur.Dispatchable() {
		metrics.DispatchRuns.WithLabelValues("not_dispatchable").Inc()
		return fmt.Errorf("email %d is %s: %w", email.ID, cur.Status, appErrors.ErrNotDispatchable)
	}
	metrics.DispatchRuns.WithLabelValues("claimed").Inc()
	return fmt.Errorf("email %d is claimed by another run: %w", email.ID, appErrors.ErrDispatchInProgress)
}

// prepare validates the templates and resolves the audience. Any error here
// means nothing was sent.
func (d *DispatchEngine) prepare(ctx context.Context, email *model.ScheduledEmail) (*model.Event, []model.Recipient, error) {
	if err := ValidateTemplate(email.SubjectTemplate); err != nil {
		return nil, nil, fmt.Errorf("subject: %w", err)
	}
	if err := ValidateTemplate(email.BodyTemplate); err != nil {
		return nil, nil, fmt.Errorf("body: %w", err)
	}
	event, err := d.Events.GetByID(ctx, email.EventID)
	if err != nil {
		return nil, nil, fmt.Errorf("load event: %w", err)
	}
	recipients, err := d.audience(ctx, event, email.FilterCriteria)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve recipients: %w", err)
	}
	return event, recipients, nil
}

// audience is the event's registrations, or the contact subset named by the
// filter criteria. Recipients flagged email_unsubscribed are left out and
// addresses are deduplicated case-insensitively.
func (d *DispatchEngine) audience(ctx context.Context, event *model.Event, fc *model.FilterCriteria) ([]model.Recipient, error) {
	var recipients []model.Recipient
	if fc.UsesContacts() {
		contacts, err := d.Resolver.Resolve(ctx, Audience{
			OrganizationID: event.OrganizationID,
			ContactIDs:     fc.ContactIDs,
			ListIDs:        fc.ContactListIDs,
			ExcludedIDs:    fc.ExcludedIDs,
		})
		if err != nil {
			return nil, err
		}
		for _, c := range contacts {
			if !c.EmailUnsubscribed {
				recipients = append(recipients, c.Recipient())
			}
		}
	} else {
		regs, err := d.Events.ListRegistrations(ctx, event.ID)
		if err != nil {
			return nil, err
		}
		var statuses map[string]struct{}
		if fc != nil && len(fc.RegistrationStatuses) > 0 {
			statuses = make(map[string]struct{}, len(fc.RegistrationStatuses))
			for _, s := range fc.RegistrationStatuses {
				statuses[strings.ToLower(s)] = struct{}{}
			}
		}
		excluded := map[int64]struct{}{}
		if fc != nil {
			for _, id := range fc.ExcludedIDs {
				excluded[id] = struct{}{}
			}
		}
		for _, reg := range regs {
			if reg.EmailUnsubscribed {
				continue
			}
			if statuses != nil {
				if _, ok := statuses[strings.ToLower(reg.Status)]; !ok {
					continue
				}
			}
			if reg.ContactID != nil {
				if _, ok := excluded[*reg.ContactID]; ok {
					continue
				}
			}
			recipients = append(recipients, reg.Recipient())
		}
	}

	seen := make(map[string]struct{}, len(recipients))
	out := recipients[:0]
	for _, r := range recipients {
		key := model.NormalizeEmail(r.Email)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// sendOne runs gate, pending record, render, transport and result for one
// recipient. Transport failures are recorded as dropped before returning, so
// a retry finds the row resendable.
func (d *DispatchEngine) sendOne(ctx context.Context, target model.DeliveryTarget, email *model.ScheduledEmail, event *model.Event, r model.Recipient) (sendOutcome, error) {
	allowed, err := d.Gate.Allowed(ctx, r.Email, event.ID, event.OrganizationID)
	if err != nil {
		return outcomeNone, appErrors.Retryable(err)
	}
	if !allowed {
		if _, err := d.Tracker.RecordSuppressed(ctx, target, r.Email); err != nil {
			return outcomeNone, err
		}
		return outcomeSkipped, nil
	}

	delivery, proceed, err := d.Tracker.CreatePending(ctx, target, r.Email)
	if err != nil {
		return outcomeNone, appErrors.Retryable(err)
	}
	if !proceed {
		return outcomeSkipped, nil
	}

	unsubToken, err := d.Gate.IssueToken(r.Email, event.ID, event.OrganizationID)
	if err != nil {
		return outcomeNone, err
	}
	rc := RenderContext{Event: event, Recipient: r, UnsubscribeURL: d.Links.Unsubscribe(unsubToken)}
	subject, err := RenderTemplate(email.SubjectTemplate, rc)
	if err != nil {
		return outcomeNone, d.drop(ctx, delivery, err)
	}
	body, err := RenderTemplate(email.BodyTemplate, rc)
	if err != nil {
		return outcomeNone, d.drop(ctx, delivery, err)
	}

	messageID, err := d.Transport.Send(ctx, transport.Message{
		To:      r.Email,
		Subject: subject,
		Body:    body,
		Tags:    map[string]string{"scheduled_email_id": strconv.FormatInt(email.ID, 10)},
	})
	if err != nil {
		return outcomeNone, d.drop(ctx, delivery, err)
	}
	if err := d.Tracker.RecordResult(ctx, delivery, model.Outcome{Kind: model.OutcomeAccepted, MessageID: messageID}); err != nil {
		return outcomeNone, err
	}
	return outcomeSent, nil
}

// drop records a failed send and returns the cause so the executor can decide
// whether to retry.
func (d *DispatchEngine) drop(ctx context.Context, delivery *model.EmailDelivery, cause error) error {
	if err := d.Tracker.RecordResult(ctx, delivery, model.Outcome{Kind: model.OutcomeTransportError, Reason: cause.Error()}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
