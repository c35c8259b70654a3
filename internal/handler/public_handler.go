// internal/handler/public_handler.go
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/service"
)

// Unsubscriber is the token-driven suppression API.
type Unsubscriber interface {
	Context(ctx context.Context, token string) (*service.UnsubscribeContext, error)
	Unsubscribe(ctx context.Context, token, scope, reason string) (*model.EmailUnsubscribe, error)
	Resubscribe(ctx context.Context, token, scope string) (model.UnsubscribeScope, error)
}

// InvitationPages serves invitation links.
type InvitationPages interface {
	View(ctx context.Context, token string) (*service.InvitationView, error)
	Respond(ctx context.Context, token string, status model.InvitationStatus, notes string) (*model.EventInvitation, error)
	Prefill(ctx context.Context, token string) (*service.Prefill, error)
}

// CallbackRecorder applies provider delivery notifications.
type CallbackRecorder interface {
	HandleCallback(ctx context.Context, cb service.Callback) (*model.EmailDelivery, error)
}

// PublicHandler holds the endpoints reachable from links in sent emails and
// from the mail provider.
type PublicHandler struct {
	Unsubscribes Unsubscriber
	Invitations  InvitationPages
	Callbacks    CallbackRecorder
	Logger       *zap.Logger
}

func NewPublicHandler(u Unsubscriber, i InvitationPages, c CallbackRecorder, logger *zap.Logger) *PublicHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublicHandler{Unsubscribes: u, Invitations: i, Callbacks: c, Logger: logger}
}

func (h *PublicHandler) Routes(r chi.Router) {
	r.Get("/unsubscribe/{token}", h.GetUnsubscribe)
	r.Post("/unsubscribe/{token}", h.PostUnsubscribe)
	r.Post("/unsubscribe/{token}/resubscribe", h.PostResubscribe)

	r.Get("/invitations/prefill/{token}", h.GetPrefill)
	r.Get("/invitations/{token}", h.GetInvitation)
	r.Patch("/invitations/{token}/respond", h.RespondInvitation)

	r.Post("/webhooks/mail", h.MailWebhook)
}

func (h *PublicHandler) GetUnsubscribe(w http.ResponseWriter, r *http.Request) {
	uc, err := h.Unsubscribes.Context(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, uc)
}

func (h *PublicHandler) PostUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope  string `json:"scope"`
		Reason string `json:"reason"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if body.Scope == "" {
		body.Scope = string(model.ScopeEvent)
	}

	u, err := h.Unsubscribes.Unsubscribe(r.Context(), chi.URLParam(r, "token"), body.Scope, body.Reason)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"unsubscribed": true, "scope": u.Scope})
}

func (h *PublicHandler) PostResubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope string `json:"scope"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	removed, err := h.Unsubscribes.Resubscribe(r.Context(), chi.URLParam(r, "token"), body.Scope)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"resubscribed": removed != "", "scope": removed})
}

func (h *PublicHandler) GetInvitation(w http.ResponseWriter, r *http.Request) {
	view, err := h.Invitations.View(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *PublicHandler) RespondInvitation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status        string `json:"status"`
		ResponseNotes string `json:"response_notes"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	inv, err := h.Invitations.Respond(r.Context(), chi.URLParam(r, "token"), model.InvitationStatus(body.Status), body.ResponseNotes)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, inv)
}

func (h *PublicHandler) GetPrefill(w http.ResponseWriter, r *http.Request) {
	p, err := h.Invitations.Prefill(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

type webhookSummary struct {
	Processed int      `json:"processed"`
	Ignored   int      `json:"ignored"`
	Pending   int      `json:"pending"`
	Errors    []string `json:"errors"`
}

// MailWebhook ingests provider callbacks. It accepts a single event or an
// array. Unknown deliveries and out-of-order events are counted as ignored
// and still answered with 200 so the provider does not redeliver them.
// Events for a send that is not yet recorded get 409 so the provider retries.
func (h *PublicHandler) MailWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	var callbacks []service.Callback
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var one service.Callback
		err = json.Unmarshal(trimmed, &one)
		callbacks = []service.Callback{one}
	} else {
		err = json.Unmarshal(raw, &callbacks)
	}
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	summary := webhookSummary{Errors: []string{}}
	for _, cb := range callbacks {
		_, err := h.Callbacks.HandleCallback(r.Context(), cb)
		switch {
		case err == nil:
			summary.Processed++
		case errors.Is(err, appErrors.ErrDeliveryPending):
			summary.Pending++
			h.Logger.Debug("mail callback arrived before send was recorded", zap.String("message_id", cb.TransportMessageID))
		case appErrors.IsNotFound(err), errors.Is(err, appErrors.ErrInvalidTransition):
			summary.Ignored++
			h.Logger.Debug("mail callback ignored", zap.String("message_id", cb.TransportMessageID), zap.Error(err))
		default:
			h.Logger.Error("mail callback failed", zap.String("message_id", cb.TransportMessageID), zap.Error(err))
			summary.Errors = append(summary.Errors, cb.TransportMessageID)
		}
	}

	status := http.StatusOK
	switch {
	case len(summary.Errors) > 0:
		status = http.StatusInternalServerError
	case summary.Pending > 0:
		status = http.StatusConflict
	}
	WriteJSON(w, status, summary)
}
