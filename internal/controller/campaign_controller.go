// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/presents-campaigns/internal/handler"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/queue"
	"github.com/unclebandit/presents-campaigns/internal/service"
)

type Generator interface {
	GenerateSelective(ctx context.Context, orgID, eventID int64, sel service.Selection) (*service.GenerationResult, error)
}

type ScheduledEmails interface {
	Get(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error)
	ListByEvent(ctx context.Context, orgID, eventID int64) ([]model.ScheduledEmail, error)
	Pause(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error)
	Resume(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error)
	Update(ctx context.Context, orgID, id int64, upd service.ScheduledEmailUpdate) (*model.ScheduledEmail, error)
	Delete(ctx context.Context, orgID, id int64) error
}

type DeliveryReports interface {
	Stats(ctx context.Context, target model.DeliveryTarget) (*service.DeliveryStats, error)
	Overdue(ctx context.Context) ([]service.OverdueEmail, error)
}

type TemplateEditor interface {
	MoveItem(ctx context.Context, orgID, templateID, itemID int64, position int) ([]model.TemplateItem, error)
	InsertItem(ctx context.Context, orgID, templateID int64, item model.TemplateItem) (*model.TemplateItem, error)
	Clone(ctx context.Context, orgID, templateID int64, name string) (*model.CampaignTemplate, error)
}

type InvitationBatcher interface {
	CreateBatch(ctx context.Context, orgID, eventID int64, audience service.Audience) (*service.InvitationBatchResult, error)
}

type ListMaintainer interface {
	AddContacts(ctx context.Context, orgID, listID int64, ids []int64) (*model.ContactList, error)
	RemoveContacts(ctx context.Context, orgID, listID int64, ids []int64) (*model.ContactList, error)
	Recount(ctx context.Context, orgID, listID int64) (*model.ContactList, int, error)
}

type EventLookup interface {
	GetByID(ctx context.Context, id int64) (*model.Event, error)
}

// CampaignController serves operator actions. Every route is scoped to the
// organization named in the X-Organization-ID header.
type CampaignController struct {
	Scheduler   Generator
	Emails      ScheduledEmails
	Dispatcher  service.Dispatcher
	Queue       queue.Queue
	Reports     DeliveryReports
	Events      EventLookup
	Templates   TemplateEditor
	Invitations InvitationBatcher
	Lists       ListMaintainer
	Logger      *zap.Logger
}

func (c *CampaignController) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *CampaignController) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireOrganization)

		r.Get("/events/{id}/scheduled-emails", c.ListScheduledEmails)
		r.Post("/events/{id}/scheduled-emails/generate", c.Generate)
		r.Post("/events/{id}/invitations", c.CreateInvitations)

		r.Get("/scheduled-emails/overdue", c.Overdue)
		r.Get("/scheduled-emails/{id}", c.GetScheduledEmail)
		r.Patch("/scheduled-emails/{id}", c.UpdateScheduledEmail)
		r.Delete("/scheduled-emails/{id}", c.DeleteScheduledEmail)
		r.Post("/scheduled-emails/{id}/send", c.Send)
		r.Post("/scheduled-emails/{id}/pause", c.Pause)
		r.Post("/scheduled-emails/{id}/resume", c.Resume)
		r.Get("/scheduled-emails/{id}/stats", c.Stats)

		r.Post("/campaign-templates/{id}/items", c.InsertItem)
		r.Post("/campaign-templates/{id}/items/{itemID}/move", c.MoveItem)
		r.Post("/campaign-templates/{id}/clone", c.CloneTemplate)

		r.Post("/contact-lists/{id}/contacts", c.AddListContacts)
		r.Delete("/contact-lists/{id}/contacts", c.RemoveListContacts)
		r.Post("/contact-lists/{id}/recount", c.RecountList)
	})
}

// pathID reads the {id} parameter or writes a 400.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, ok := handler.IDParam(r, name)
	if !ok {
		handler.BadRequest(w, "invalid "+name)
	}
	return id, ok
}

func (c *CampaignController) Generate(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var sel service.Selection
	if err := handler.DecodeJSON(r, &sel); err != nil {
		handler.BadRequest(w, "invalid body")
		return
	}

	res, err := c.Scheduler.GenerateSelective(r.Context(), OrganizationID(r.Context()), eventID, sel)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}

func (c *CampaignController) ListScheduledEmails(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	emails, err := c.Emails.ListByEvent(r.Context(), OrganizationID(r.Context()), eventID)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": emails})
}

func (c *CampaignController) GetScheduledEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	email, err := c.Emails.Get(r.Context(), OrganizationID(r.Context()), id)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, email)
}

func (c *CampaignController) UpdateScheduledEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var upd service.ScheduledEmailUpdate
	if err := handler.DecodeJSON(r, &upd); err != nil {
		handler.BadRequest(w, "invalid body")
		return
	}
	email, err := c.Emails.Update(r.Context(), OrganizationID(r.Context()), id, upd)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, email)
}

func (c *CampaignController) DeleteScheduledEmail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := c.Emails.Delete(r.Context(), OrganizationID(r.Context()), id); err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Send dispatches a scheduled email now. With ?async=true the dispatch is
// queued for the worker instead and 202 is returned.
func (c *CampaignController) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	email, err := c.Emails.Get(ctx, OrganizationID(ctx), id)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && c.Queue != nil {
		if !email.Dispatchable() {
			handler.WriteJSON(w, http.StatusConflict, map[string]string{"error": "scheduled email is " + string(email.Status)})
			return
		}
		body, _ := json.Marshal(queue.DispatchJob{ScheduledEmailID: id})
		if err := c.Queue.Publish(ctx, queue.TopicScheduledEmailDispatch, body); err != nil {
			handler.WriteError(w, c.log(), err)
			return
		}
		handler.WriteJSON(w, http.StatusAccepted, map[string]any{"scheduled_email_id": id, "queued": true})
		return
	}

	// The run outlives a client that disconnects mid-batch so that sent
	// deliveries are still recorded and the email is marked sent.
	res, err := c.Dispatcher.Dispatch(context.WithoutCancel(ctx), id)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.Emails.Pause)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	c.transition(w, r, c.Emails.Resume)
}

func (c *CampaignController) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64, int64) (*model.ScheduledEmail, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	email, err := apply(r.Context(), OrganizationID(r.Context()), id)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, email)
}

func (c *CampaignController) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := c.Emails.Get(ctx, OrganizationID(ctx), id); err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	stats, err := c.Reports.Stats(ctx, model.ScheduledEmailTarget(id))
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, stats)
}

// Overdue lists the organization's scheduled emails that missed their send time.
func (c *CampaignController) Overdue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := OrganizationID(ctx)
	all, err := c.Reports.Overdue(ctx)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}

	owned := map[int64]bool{}
	out := []service.OverdueEmail{}
	for _, o := range all {
		mine, seen := owned[o.EventID]
		if !seen {
			event, err := c.Events.GetByID(ctx, o.EventID)
			mine = err == nil && event.OrganizationID == orgID
			owned[o.EventID] = mine
		}
		if mine {
			out = append(out, o)
		}
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (c *CampaignController) MoveItem(w http.ResponseWriter, r *http.Request) {
	templateID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	var body struct {
		Position int `json:"position"`
	}
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.BadRequest(w, "invalid body")
		return
	}

	items, err := c.Templates.MoveItem(r.Context(), OrganizationID(r.Context()), templateID, itemID, body.Position)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (c *CampaignController) InsertItem(w http.ResponseWriter, r *http.Request) {
	templateID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var item model.TemplateItem
	if err := handler.DecodeJSON(r, &item); err != nil {
		handler.BadRequest(w, "invalid body")
		return
	}
	created, err := c.Templates.InsertItem(r.Context(), OrganizationID(r.Context()), templateID, item)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, created)
}

func (c *CampaignController) CloneTemplate(w http.ResponseWriter, r *http.Request) {
	templateID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.BadRequest(w, "invalid body")
		return
	}
	tpl, err := c.Templates.Clone(r.Context(), OrganizationID(r.Context()), templateID, body.Name)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusCreated, tpl)
}

func (c *CampaignController) CreateInvitations(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var audience service.Audience
	if err := handler.DecodeJSON(r, &audience); err != nil {
		handler.BadRequest(w, "invalid body")
		return
	}
	res, err := c.Invitations.CreateBatch(r.Context(), OrganizationID(r.Context()), eventID, audience)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, res)
}

type contactIDs struct {
	ContactIDs []int64 `json:"contact_ids"`
}

func (c *CampaignController) AddListContacts(w http.ResponseWriter, r *http.Request) {
	c.membership(w, r, c.Lists.AddContacts)
}

func (c *CampaignController) RemoveListContacts(w http.ResponseWriter, r *http.Request) {
	c.membership(w, r, c.Lists.RemoveContacts)
}

func (c *CampaignController) membership(w http.ResponseWriter, r *http.Request, apply func(context.Context, int64, int64, []int64) (*model.ContactList, error)) {
	listID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var body contactIDs
	if err := handler.DecodeJSON(r, &body); err != nil {
		handler.BadRequest(w, "invalid body")
		return
	}
	list, err := apply(r.Context(), OrganizationID(r.Context()), listID, body.ContactIDs)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, list)
}

func (c *CampaignController) RecountList(w http.ResponseWriter, r *http.Request) {
	listID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	list, previous, err := c.Lists.Recount(r.Context(), OrganizationID(r.Context()), listID)
	if err != nil {
		handler.WriteError(w, c.log(), err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"list_id":        list.ID,
		"previous_count": previous,
		"contacts_count": list.ContactsCount,
	})
}
