package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/service"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrInvalidToken),
		errors.Is(err, appErrors.ErrInvalidScope),
		errors.Is(err, appErrors.ErrInvalidPosition),
		errors.Is(err, appErrors.ErrMalformedTemplate),
		errors.Is(err, appErrors.ErrInvalidResponse):
		return http.StatusBadRequest
	case errors.Is(err, appErrors.ErrSystemTemplateImmutable):
		return http.StatusForbidden
	case errors.Is(err, appErrors.ErrInvitationExpired):
		return http.StatusGone
	case errors.Is(err, appErrors.ErrNoCampaignTemplate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, appErrors.ErrInvalidTransition),
		errors.Is(err, appErrors.ErrNotDispatchable),
		errors.Is(err, appErrors.ErrNotEditable),
		errors.Is(err, appErrors.ErrDispatchInProgress),
		errors.Is(err, appErrors.ErrAlreadyExists),
		errors.Is(err, appErrors.ErrTemplateFull),
		errors.Is(err, appErrors.ErrNotManualList),
		errors.Is(err, appErrors.ErrDeliveryPending):
		return http.StatusConflict
	case errors.Is(err, service.ErrResolveTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// WriteError writes err as {"error": "..."}. Unexpected errors are logged and
// their details are not returned to the client.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if log != nil {
			log.Error("request failed", zap.Error(err))
		}
		msg = "internal error"
	}
	WriteJSON(w, status, map[string]string{"error": msg})
}

// BadRequest writes a 400 with msg.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// IDParam parses a positive integer URL parameter.
func IDParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// DecodeJSON decodes the request body into v. An empty body leaves v as is.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
