package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/metrics"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/queue"
	"github.com/unclebandit/presents-campaigns/internal/repository"
	"github.com/unclebandit/presents-campaigns/internal/transport"
)

const (
	invitationSubject = "You're invited to {{event_name}}"
	invitationBody    = `Hi {{first_name}},

{{organization_name}} would love to have {{business_name}} at {{event_name}} on {{event_date}} at {{event_location}}.
Applications close {{application_deadline}}.

View and respond to your invitation: {{invitation_url}}

Unsubscribe: {{unsubscribe_url}}`
)

// InvitationService creates invitation batches and serves the public
// invitation pages.
type InvitationService struct {
	Events      repository.EventRepositoryInterface
	Invitations repository.InvitationRepositoryInterface
	Contacts    repository.ContactRepositoryInterface
	Resolver    *RecipientSetResolver
	Gate        *UnsubscribeGate
	Tracker     *DeliveryTracker
	Transport   MailTransport
	Executor    *queue.Executor
	Links       Links
	TTL         time.Duration
	Logger      *zap.Logger
	Clock       Clock
}

type InvitationBatchResult struct {
	CreatedCount int              `json:"created_count"`
	SkippedCount int              `json:"skipped_count"`
	Sent         int              `json:"sent"`
	Failed       int              `json:"failed"`
	Suppressed   int              `json:"suppressed"`
	Errors       []RecipientError `json:"errors"`
}

// InvitationView is the public invitation page.
type InvitationView struct {
	Invitation       *model.EventInvitation `json:"invitation"`
	EventName        string                 `json:"event_name"`
	OrganizationName string                 `json:"organization_name"`
	Location         string                 `json:"location"`
	EventDate        *time.Time             `json:"event_date,omitempty"`
	Deadline         *time.Time             `json:"application_deadline,omitempty"`
}

// Prefill is the contact data used to prefill the vendor application form.
type Prefill struct {
	EventID      int64  `json:"event_id"`
	EventName    string `json:"event_name"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	BusinessName string `json:"business_name"`
	Phone        string `json:"phone"`
	Category     string `json:"category"`
}

// newInvitationToken returns 32 hex chars from a random UUID plus a random
// suffix.
func newInvitationToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + uuid.NewString()[:8]
}

// CreateBatch invites every resolved contact not yet invited to the event.
// Contacts already invited are skipped silently. Each new invitation gets an
// email; a suppressed address still gets the invitation row and an
// unsubscribed delivery, but no email.
func (s *InvitationService) CreateBatch(ctx context.Context, orgID, eventID int64, audience Audience) (*InvitationBatchResult, error) {
	log := nopIfNil(s.Logger).With(zap.Int64("event_id", eventID))

	event, err := s.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("event", eventID)
	}

	audience.OrganizationID = orgID
	contacts, err := s.Resolver.Resolve(ctx, audience)
	if err != nil {
		return nil, err
	}
	invited, err := s.Invitations.InvitedContactIDs(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load existing invitations: %w", err)
	}
	already := make(map[int64]struct{}, len(invited))
	for _, id := range invited {
		already[id] = struct{}{}
	}

	result := &InvitationBatchResult{Errors: []RecipientError{}}
	var pending []model.Contact
	for _, c := range contacts {
		if _, ok := already[c.ID]; ok {
			result.SkippedCount++
			continue
		}
		pending = append(pending, c)
	}

	// outcomes persist across executor retries so a retried send reuses the
	// invitation created by the first attempt.
	type outcome struct {
		inv        *model.EventInvitation
		duplicate  bool
		sent       bool
		suppressed bool
	}
	outcomes := make([]outcome, len(pending))
	tasks := make([]queue.Task, len(pending))
	for i, c := range pending {
		i, c := i, c
		tasks[i] = queue.Task{
			Name: c.Email,
			Run: func(ctx context.Context) error {
				o := &outcomes[i]
				if o.inv == nil {
					inv, err := s.ensureInvitation(ctx, event, c)
					if err != nil {
						return err
					}
					if inv == nil {
						o.duplicate = true
						return nil
					}
					o.inv = inv
				}
				sent, suppressed, err := s.send(ctx, event, c, o.inv)
				o.sent, o.suppressed = sent, suppressed
				return err
			},
		}
	}

	for i, res := range s.Executor.Run(ctx, tasks) {
		o := outcomes[i]
		if o.inv != nil {
			result.CreatedCount++
			metrics.InvitationsCreated.Inc()
		}
		switch {
		case o.duplicate:
			result.SkippedCount++
		case res.Err != nil:
			result.Failed++
			result.Errors = append(result.Errors, RecipientError{Email: pending[i].Email, Message: res.Err.Error()})
		case o.suppressed:
			result.Suppressed++
		case o.sent:
			result.Sent++
		}
	}

	log.Info("invitation batch processed",
		zap.Int("created", result.CreatedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// ensureInvitation creates the invitation for a contact. A nil invitation
// means another batch created it first.
func (s *InvitationService) ensureInvitation(ctx context.Context, event *model.Event, c model.Contact) (*model.EventInvitation, error) {
	now := s.Clock.now()
	inv := &model.EventInvitation{
		EventID:         event.ID,
		VendorContactID: c.ID,
		Status:          model.InvitationPending,
		Token:           newInvitationToken(),
	}
	if s.TTL > 0 {
		exp := now.Add(s.TTL)
		inv.ExpiresAt = &exp
	}
	if err := s.Invitations.Create(ctx, inv); err != nil {
		if errors.Is(err, appErrors.ErrAlreadyExists) {
			return nil, nil
		}
		return nil, appErrors.Retryable(fmt.Errorf("create invitation: %w", err))
	}
	return inv, nil
}

func (s *InvitationService) send(ctx context.Context, event *model.Event, c model.Contact, inv *model.EventInvitation) (sent, suppressed bool, err error) {
	target := model.InvitationTarget(inv.ID)
	r := c.Recipient()

	allowed, err := s.Gate.Allowed(ctx, r.Email, event.ID, event.OrganizationID)
	if err != nil {
		return false, false, appErrors.Retryable(err)
	}
	if !allowed || c.EmailUnsubscribed {
		if _, err := s.Tracker.RecordSuppressed(ctx, target, r.Email); err != nil {
			return false, false, err
		}
		return false, true, nil
	}

	delivery, proceed, err := s.Tracker.CreatePending(ctx, target, r.Email)
	if err != nil {
		return false, false, appErrors.Retryable(err)
	}
	if !proceed {
		return false, false, nil
	}

	unsubToken, err := s.Gate.IssueToken(r.Email, event.ID, event.OrganizationID)
	if err != nil {
		return false, false, err
	}
	rc := RenderContext{
		Event:          event,
		Recipient:      r,
		UnsubscribeURL: s.Links.Unsubscribe(unsubToken),
		InvitationURL:  s.Links.Invitation(inv.Token),
	}
	subject, err := RenderTemplate(invitationSubject, rc)
	if err != nil {
		return false, false, s.drop(ctx, delivery, fmt.Errorf("invitation subject: %w", err))
	}
	body, err := RenderTemplate(invitationBody, rc)
	if err != nil {
		return false, false, s.drop(ctx, delivery, fmt.Errorf("invitation body: %w", err))
	}

	messageID, err := s.Transport.Send(ctx, transport.Message{
		To:      r.Email,
		Subject: subject,
		Body:    body,
		Tags:    map[string]string{"event_invitation_id": strconv.FormatInt(inv.ID, 10)},
	})
	if err != nil {
		return false, false, s.drop(ctx, delivery, err)
	}
	if err := s.Tracker.RecordResult(ctx, delivery, model.Outcome{Kind: model.OutcomeAccepted, MessageID: messageID}); err != nil {
		return false, false, err
	}

	inv.MarkSent(s.Clock.now())
	if err := s.Invitations.Update(ctx, inv); err != nil {
		return true, false, fmt.Errorf("mark invitation sent: %w", err)
	}
	return true, false, nil
}

// drop records a failed send and returns the cause.
func (s *InvitationService) drop(ctx context.Context, delivery *model.EmailDelivery, cause error) error {
	if err := s.Tracker.RecordResult(ctx, delivery, model.Outcome{Kind: model.OutcomeTransportError, Reason: cause.Error()}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// load fetches an invitation by token and expires it when due.
func (s *InvitationService) load(ctx context.Context, token string) (*model.EventInvitation, error) {
	inv, err := s.Invitations.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.ExpireIfDue(s.Clock.now()) {
		if err := s.Invitations.Update(ctx, inv); err != nil {
			return nil, fmt.Errorf("expire invitation: %w", err)
		}
	}
	return inv, nil
}

// View returns the invitation page and records the first view.
func (s *InvitationService) View(ctx context.Context, token string) (*InvitationView, error) {
	inv, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.MarkViewed(s.Clock.now()) {
		if err := s.Invitations.Update(ctx, inv); err != nil {
			return nil, fmt.Errorf("mark invitation viewed: %w", err)
		}
	}
	event, err := s.Events.GetByID(ctx, inv.EventID)
	if err != nil {
		return nil, err
	}
	return &InvitationView{
		Invitation:       inv,
		EventName:        event.Name,
		OrganizationName: event.OrganizationName,
		Location:         event.Location,
		EventDate:        event.EventDate,
		Deadline:         event.ApplicationDeadline,
	}, nil
}

func (s *InvitationService) Respond(ctx context.Context, token string, status model.InvitationStatus, notes string) (*model.EventInvitation, error) {
	inv, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := inv.Respond(status, notes, s.Clock.now()); err != nil {
		return nil, err
	}
	if err := s.Invitations.Update(ctx, inv); err != nil {
		return nil, fmt.Errorf("save response: %w", err)
	}
	nopIfNil(s.Logger).Info("invitation answered", zap.Int64("invitation_id", inv.ID), zap.String("status", string(status)))
	return inv, nil
}

func (s *InvitationService) Prefill(ctx context.Context, token string) (*Prefill, error) {
	inv, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Status == model.InvitationExpired {
		return nil, appErrors.ErrInvitationExpired
	}
	contact, err := s.Contacts.GetByID(ctx, inv.VendorContactID)
	if err != nil {
		return nil, err
	}
	event, err := s.Events.GetByID(ctx, inv.EventID)
	if err != nil {
		return nil, err
	}
	return &Prefill{
		EventID:      event.ID,
		EventName:    event.Name,
		Email:        contact.Email,
		FirstName:    contact.FirstName,
		LastName:     contact.LastName,
		BusinessName: contact.BusinessName,
		Phone:        contact.Phone,
		Category:     contact.Category,
	}, nil
}
