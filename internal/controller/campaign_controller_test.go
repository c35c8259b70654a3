package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/presents-campaigns/internal/controller"
	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/queue"
	"github.com/unclebandit/presents-campaigns/internal/service"
)

// stubOps implements every operator dependency over a small in-memory state.
type stubOps struct {
	mu         sync.Mutex
	emails     map[int64]*model.ScheduledEmail
	eventOrg   map[int64]int64
	dispatched []int64
	runCtxErr  error
	lastOrg    int64
	lastSel    service.Selection
	lastMove   [3]int64
	audience   service.Audience
	overdue    []service.OverdueEmail
	err        error
}

func newStub() *stubOps {
	return &stubOps{
		emails: map[int64]*model.ScheduledEmail{
			7: {ID: 7, EventID: 1, Status: model.ScheduledEmailScheduled},
			8: {ID: 8, EventID: 2, Status: model.ScheduledEmailScheduled},
			9: {ID: 9, EventID: 1, Status: model.ScheduledEmailSent},
		},
		eventOrg: map[int64]int64{1: 10, 2: 20},
	}
}

func (s *stubOps) owned(orgID, id int64) (*model.ScheduledEmail, error) {
	s.lastOrg = orgID
	e, ok := s.emails[id]
	if !ok || s.eventOrg[e.EventID] != orgID {
		return nil, appErrors.NewNotFound("scheduled email", id)
	}
	return e, nil
}

func (s *stubOps) GenerateSelective(ctx context.Context, orgID, eventID int64, sel service.Selection) (*service.GenerationResult, error) {
	s.lastOrg, s.lastSel = orgID, sel
	if s.err != nil {
		return nil, s.err
	}
	return &service.GenerationResult{
		Emails: []model.ScheduledEmail{{ID: 1, EventID: eventID}},
		Errors: []service.GenerationError{{ItemID: 2, Message: "event_end_date: trigger anchor date is not set on event"}},
	}, nil
}

func (s *stubOps) Get(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error) {
	return s.owned(orgID, id)
}

func (s *stubOps) ListByEvent(ctx context.Context, orgID, eventID int64) ([]model.ScheduledEmail, error) {
	var out []model.ScheduledEmail
	for _, e := range s.emails {
		if e.EventID == eventID && s.eventOrg[eventID] == orgID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *stubOps) Pause(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error) {
	e, err := s.owned(orgID, id)
	if err != nil {
		return nil, err
	}
	return e, e.Pause()
}

func (s *stubOps) Resume(ctx context.Context, orgID, id int64) (*model.ScheduledEmail, error) {
	e, err := s.owned(orgID, id)
	if err != nil {
		return nil, err
	}
	return e, e.Resume()
}

func (s *stubOps) Update(ctx context.Context, orgID, id int64, upd service.ScheduledEmailUpdate) (*model.ScheduledEmail, error) {
	e, err := s.owned(orgID, id)
	if err != nil {
		return nil, err
	}
	if upd.SubjectTemplate != nil {
		e.SubjectTemplate = *upd.SubjectTemplate
	}
	return e, nil
}

func (s *stubOps) Delete(ctx context.Context, orgID, id int64) error {
	e, err := s.owned(orgID, id)
	if err != nil {
		return err
	}
	if !e.Editable() {
		return appErrors.ErrNotEditable
	}
	delete(s.emails, id)
	return nil
}

func (s *stubOps) Dispatch(ctx context.Context, id int64) (*service.DispatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = append(s.dispatched, id)
	s.runCtxErr = ctx.Err()
	if s.err != nil {
		return nil, s.err
	}
	return &service.DispatchResult{ScheduledEmailID: id, Status: model.ScheduledEmailSent, Sent: 3}, nil
}

func (s *stubOps) Stats(ctx context.Context, target model.DeliveryTarget) (*service.DeliveryStats, error) {
	return &service.DeliveryStats{Total: 4, Delivered: 3, Undelivered: 1, DeliveryRate: 0.75}, nil
}

func (s *stubOps) Overdue(ctx context.Context) ([]service.OverdueEmail, error) {
	return s.overdue, nil
}

func (s *stubOps) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	org, ok := s.eventOrg[id]
	if !ok {
		return nil, appErrors.NewNotFound("event", id)
	}
	return &model.Event{ID: id, OrganizationID: org}, nil
}

func (s *stubOps) MoveItem(ctx context.Context, orgID, templateID, itemID int64, position int) ([]model.TemplateItem, error) {
	s.lastMove = [3]int64{templateID, itemID, int64(position)}
	if s.err != nil {
		return nil, s.err
	}
	return []model.TemplateItem{{ID: itemID, Position: position}}, nil
}

func (s *stubOps) InsertItem(ctx context.Context, orgID, templateID int64, item model.TemplateItem) (*model.TemplateItem, error) {
	item.ID, item.TemplateID = 55, templateID
	return &item, s.err
}

func (s *stubOps) Clone(ctx context.Context, orgID, templateID int64, name string) (*model.CampaignTemplate, error) {
	return &model.CampaignTemplate{ID: 77, Name: name, OrganizationID: &orgID}, s.err
}

func (s *stubOps) CreateBatch(ctx context.Context, orgID, eventID int64, audience service.Audience) (*service.InvitationBatchResult, error) {
	s.audience = audience
	return &service.InvitationBatchResult{CreatedCount: 7, SkippedCount: 3, Sent: 7, Errors: []service.RecipientError{}}, nil
}

func (s *stubOps) AddContacts(ctx context.Context, orgID, listID int64, ids []int64) (*model.ContactList, error) {
	l := &model.ContactList{ID: listID, Kind: model.ContactListManual}
	l.SetContactIDs(ids)
	return l, nil
}

func (s *stubOps) RemoveContacts(ctx context.Context, orgID, listID int64, ids []int64) (*model.ContactList, error) {
	return &model.ContactList{ID: listID, Kind: model.ContactListManual}, nil
}

func (s *stubOps) Recount(ctx context.Context, orgID, listID int64) (*model.ContactList, int, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	return &model.ContactList{ID: listID, ContactsCount: 2}, 5, nil
}

type recordingQueue struct {
	published [][]byte
}

func (q *recordingQueue) Publish(ctx context.Context, topic string, body []byte) error {
	q.published = append(q.published, body)
	return nil
}

func (q *recordingQueue) Subscribe(topic string, h queue.Handler) error { return nil }

func newController(s *stubOps, q queue.Queue) http.Handler {
	c := &controller.CampaignController{
		Scheduler: s, Emails: s, Dispatcher: s, Queue: q, Reports: s, Events: s,
		Templates: s, Invitations: s, Lists: s,
	}
	r := chi.NewRouter()
	c.Routes(r)
	return r
}

func call(t *testing.T, h http.Handler, method, path, body string, org string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if org != "" {
		req.Header.Set("X-Organization-ID", org)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestRequiresOrganizationHeader(t *testing.T) {
	h := newController(newStub(), nil)
	for _, org := range []string{"", "abc", "-1"} {
		w, body := call(t, h, http.MethodPost, "/scheduled-emails/7/pause", "", org)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, body["error"], "X-Organization-ID")
	}
}

func TestGenerate(t *testing.T) {
	s := newStub()
	w, body := call(t, newController(s, nil), http.MethodPost, "/events/1/scheduled-emails/generate", `{"category":"payment","positions":[1,3]}`, "10")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(10), s.lastOrg)
	assert.Equal(t, service.Selection{Category: "payment", Positions: []int{1, 3}}, s.lastSel)
	assert.Len(t, body["emails"], 1)
	assert.Len(t, body["errors"], 1)
}

func TestGenerate_NoTemplate(t *testing.T) {
	s := newStub()
	s.err = appErrors.ErrNoCampaignTemplate
	w, _ := call(t, newController(s, nil), http.MethodPost, "/events/1/scheduled-emails/generate", "", "10")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSendNow(t *testing.T) {
	s := newStub()
	w, body := call(t, newController(s, nil), http.MethodPost, "/scheduled-emails/7/send", "", "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["sent"])
	assert.Equal(t, []int64{7}, s.dispatched)
}

func TestSendNow_SurvivesClientDisconnect(t *testing.T) {
	s := newStub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/scheduled-emails/7/send", nil).WithContext(ctx)
	req.Header.Set("X-Organization-ID", "10")
	w := httptest.NewRecorder()

	newController(s, nil).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{7}, s.dispatched)
	assert.NoError(t, s.runCtxErr)
}

func TestSendNow_OtherOrganization(t *testing.T) {
	s := newStub()
	w, _ := call(t, newController(s, nil), http.MethodPost, "/scheduled-emails/8/send", "", "10")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, s.dispatched)
}

func TestSendNow_NotDispatchable(t *testing.T) {
	s := newStub()
	s.err = appErrors.ErrNotDispatchable
	w, _ := call(t, newController(s, nil), http.MethodPost, "/scheduled-emails/9/send", "", "10")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSendAsync(t *testing.T) {
	s := newStub()
	q := &recordingQueue{}
	h := newController(s, q)

	w, body := call(t, h, http.MethodPost, "/scheduled-emails/7/send?async=true", "", "10")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, body["queued"])
	require.Len(t, q.published, 1)
	assert.JSONEq(t, `{"scheduled_email_id":7}`, string(q.published[0]))
	assert.Empty(t, s.dispatched)

	w, _ = call(t, h, http.MethodPost, "/scheduled-emails/9/send?async=true", "", "10")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Len(t, q.published, 1)
}

func TestPauseResume(t *testing.T) {
	s := newStub()
	h := newController(s, nil)

	w, body := call(t, h, http.MethodPost, "/scheduled-emails/7/pause", "", "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", body["status"])

	w, body = call(t, h, http.MethodPost, "/scheduled-emails/7/resume", "", "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "scheduled", body["status"])

	w, _ = call(t, h, http.MethodPost, "/scheduled-emails/9/pause", "", "10")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, model.ScheduledEmailSent, s.emails[9].Status)
}

func TestUpdateAndDelete(t *testing.T) {
	s := newStub()
	h := newController(s, nil)

	w, body := call(t, h, http.MethodPatch, "/scheduled-emails/7", `{"subject_template":"New subject"}`, "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "New subject", body["subject_template"])

	w, _ = call(t, h, http.MethodDelete, "/scheduled-emails/9", "", "10")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = call(t, h, http.MethodDelete, "/scheduled-emails/7", "", "10")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotContains(t, s.emails, int64(7))

	w, _ = call(t, h, http.MethodDelete, "/scheduled-emails/x", "", "10")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListScheduledEmails(t *testing.T) {
	w, body := call(t, newController(newStub(), nil), http.MethodGet, "/events/1/scheduled-emails", "", "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"], 2)
}

func TestStats(t *testing.T) {
	h := newController(newStub(), nil)
	w, body := call(t, h, http.MethodGet, "/scheduled-emails/7/stats", "", "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.75, body["delivery_rate"])

	w, _ = call(t, h, http.MethodGet, "/scheduled-emails/8/stats", "", "10")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOverdueIsScopedToOrganization(t *testing.T) {
	s := newStub()
	s.overdue = []service.OverdueEmail{
		{ScheduledEmailID: 7, EventID: 1, MinutesOverdue: 12},
		{ScheduledEmailID: 8, EventID: 2, MinutesOverdue: 30},
		{ScheduledEmailID: 11, EventID: 404, MinutesOverdue: 5},
	}
	w, body := call(t, newController(s, nil), http.MethodGet, "/scheduled-emails/overdue", "", "10")
	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, float64(7), data[0].(map[string]any)["scheduled_email_id"])
}

func TestMoveItem(t *testing.T) {
	s := newStub()
	h := newController(s, nil)

	w, body := call(t, h, http.MethodPost, "/campaign-templates/300/items/4/move", `{"position":2}`, "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [3]int64{300, 4, 2}, s.lastMove)
	assert.Len(t, body["items"], 1)

	s.err = appErrors.ErrSystemTemplateImmutable
	w, _ = call(t, h, http.MethodPost, "/campaign-templates/1/items/4/move", `{"position":2}`, "10")
	assert.Equal(t, http.StatusForbidden, w.Code)

	s.err = appErrors.ErrInvalidPosition
	w, _ = call(t, h, http.MethodPost, "/campaign-templates/300/items/4/move", `{"position":99}`, "10")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInsertAndCloneTemplate(t *testing.T) {
	h := newController(newStub(), nil)

	w, body := call(t, h, http.MethodPost, "/campaign-templates/300/items", `{"name":"Reminder","position":2}`, "10")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, float64(300), body["campaign_template_id"])

	w, body = call(t, h, http.MethodPost, "/campaign-templates/300/clone", `{"name":"Copy"}`, "10")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Copy", body["name"])
}

func TestCreateInvitations(t *testing.T) {
	s := newStub()
	w, body := call(t, newController(s, nil), http.MethodPost, "/events/1/invitations",
		`{"contact_ids":[1,2],"contact_list_ids":[50],"excluded_ids":[2]}`, "10")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(7), body["created_count"])
	assert.Equal(t, float64(3), body["skipped_count"])
	assert.Equal(t, service.Audience{ContactIDs: []int64{1, 2}, ListIDs: []int64{50}, ExcludedIDs: []int64{2}}, s.audience)
}

func TestContactListRoutes(t *testing.T) {
	s := newStub()
	h := newController(s, nil)

	w, body := call(t, h, http.MethodPost, "/contact-lists/50/recount", "", "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"list_id": float64(50), "previous_count": float64(5), "contacts_count": float64(2)}, body)

	w, body = call(t, h, http.MethodPost, "/contact-lists/50/contacts", `{"contact_ids":[3,1,3]}`, "10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["contacts_count"])

	s.err = appErrors.ErrNotManualList
	w, _ = call(t, h, http.MethodPost, "/contact-lists/51/recount", "", "10")
	assert.Equal(t, http.StatusConflict, w.Code)
}
