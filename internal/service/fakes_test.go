package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/model"
	"github.com/unclebandit/presents-campaigns/internal/queue"
	"github.com/unclebandit/presents-campaigns/internal/token"
	"github.com/unclebandit/presents-campaigns/internal/transport"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) Clock { return func() time.Time { return t } }

func ptr[T any](v T) *T { return &v }

// --- events ---

type fakeEvents struct {
	events map[int64]*model.Event
	regs   map[int64][]model.Registration
}

func (f *fakeEvents) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, appErrors.NewNotFound("event", id)
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEvents) ListRegistrations(ctx context.Context, eventID int64) ([]model.Registration, error) {
	return append([]model.Registration{}, f.regs[eventID]...), nil
}

// --- templates ---

type fakeTemplates struct {
	mu        sync.Mutex
	templates map[int64]*model.CampaignTemplate
	items     map[int64][]model.TemplateItem
	nextID    int64
}

func newFakeTemplates() *fakeTemplates {
	return &fakeTemplates{templates: map[int64]*model.CampaignTemplate{}, items: map[int64][]model.TemplateItem{}, nextID: 1000}
}

func (f *fakeTemplates) GetByID(ctx context.Context, id int64) (*model.CampaignTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.templates[id]
	if !ok {
		return nil, appErrors.NewNotFound("campaign template", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTemplates) ListItems(ctx context.Context, templateID int64) ([]model.TemplateItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := append([]model.TemplateItem{}, f.items[templateID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items, nil
}

func (f *fakeTemplates) Create(ctx context.Context, t *model.CampaignTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t.ID = f.nextID
	cp := *t
	cp.Items = nil
	f.templates[t.ID] = &cp
	for i := range t.Items {
		f.nextID++
		t.Items[i].ID = f.nextID
		t.Items[i].TemplateID = t.ID
		f.items[t.ID] = append(f.items[t.ID], t.Items[i])
	}
	return nil
}

func (f *fakeTemplates) InsertItem(ctx context.Context, item *model.TemplateItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[item.TemplateID]
	for i := range items {
		if items[i].Position >= item.Position {
			items[i].Position++
		}
	}
	f.nextID++
	item.ID = f.nextID
	f.items[item.TemplateID] = append(items, *item)
	return nil
}

func (f *fakeTemplates) UpdatePositions(ctx context.Context, templateID int64, positions map[int64]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items[templateID]
	for id, pos := range positions {
		found := false
		for i := range items {
			if items[i].ID == id {
				items[i].Position = pos
				found = true
			}
		}
		if !found {
			return appErrors.NewNotFound("template item", id)
		}
	}
	return nil
}

// --- scheduled emails ---

type fakeScheduledEmails struct {
	mu     sync.Mutex
	emails map[int64]*model.ScheduledEmail
	nextID int64
	claims map[int64]time.Time
	// onGet runs after each GetByID, used to simulate concurrent changes.
	onGet func(id int64)
}

func newFakeScheduledEmails() *fakeScheduledEmails {
	return &fakeScheduledEmails{emails: map[int64]*model.ScheduledEmail{}, claims: map[int64]time.Time{}}
}

func (f *fakeScheduledEmails) Claim(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[id]
	if !ok || !e.Dispatchable() {
		return false, nil
	}
	if at, held := f.claims[id]; held && !at.Before(staleBefore) {
		return false, nil
	}
	f.claims[id] = now
	return true, nil
}

func (f *fakeScheduledEmails) claimed(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.claims[id]
	return ok
}

func (f *fakeScheduledEmails) put(e model.ScheduledEmail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID > f.nextID {
		f.nextID = e.ID
	}
	f.emails[e.ID] = &e
}

func (f *fakeScheduledEmails) get(id int64) model.ScheduledEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.emails[id]
}

func (f *fakeScheduledEmails) Create(ctx context.Context, e *model.ScheduledEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.emails {
		if e.TemplateItemID != nil && existing.TemplateItemID != nil &&
			existing.EventID == e.EventID && *existing.TemplateItemID == *e.TemplateItemID {
			return appErrors.ErrAlreadyExists
		}
	}
	f.nextID++
	e.ID = f.nextID
	cp := *e
	f.emails[e.ID] = &cp
	return nil
}

func (f *fakeScheduledEmails) GetByID(ctx context.Context, id int64) (*model.ScheduledEmail, error) {
	f.mu.Lock()
	e, ok := f.emails[id]
	var cp model.ScheduledEmail
	if ok {
		cp = *e
	}
	hook := f.onGet
	f.mu.Unlock()
	if !ok {
		return nil, appErrors.NewNotFound("scheduled email", id)
	}
	if hook != nil {
		hook(id)
	}
	return &cp, nil
}

func (f *fakeScheduledEmails) Update(ctx context.Context, e *model.ScheduledEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.emails[e.ID] = &cp
	if e.Status == model.ScheduledEmailSent || e.Status == model.ScheduledEmailFailed {
		delete(f.claims, e.ID)
	}
	return nil
}

func (f *fakeScheduledEmails) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[id]
	if !ok || !e.Editable() {
		return appErrors.ErrNotEditable
	}
	delete(f.emails, id)
	return nil
}

func (f *fakeScheduledEmails) ListByEvent(ctx context.Context, eventID int64) ([]model.ScheduledEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.ScheduledEmail{}
	for _, e := range f.emails {
		if e.EventID == eventID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeScheduledEmails) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]model.ScheduledEmail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.ScheduledEmail{}
	for _, e := range f.emails {
		if e.Status == model.ScheduledEmailScheduled && !e.ScheduledFor.After(cutoff) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- deliveries ---

type fakeDeliveries struct {
	mu     sync.Mutex
	rows   []*model.EmailDelivery
	nextID int64
}

func (f *fakeDeliveries) find(match func(*model.EmailDelivery) bool) *model.EmailDelivery {
	for _, d := range f.rows {
		if match(d) {
			cp := *d
			return &cp
		}
	}
	return nil
}

func (f *fakeDeliveries) FindByTargetAndEmail(ctx context.Context, target model.DeliveryTarget, email string) (*model.EmailDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = model.NormalizeEmail(email)
	return f.find(func(d *model.EmailDelivery) bool { return d.Target == target && d.RecipientEmail == email }), nil
}

func (f *fakeDeliveries) FindByTransportMessageID(ctx context.Context, messageID string) (*model.EmailDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(func(d *model.EmailDelivery) bool { return d.TransportMessageID == messageID }), nil
}

func (f *fakeDeliveries) FindLatestSentByEmail(ctx context.Context, email string) (*model.EmailDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.EmailDelivery
	for _, d := range f.rows {
		if d.RecipientEmail != model.NormalizeEmail(email) || d.Status != model.DeliverySent {
			continue
		}
		if latest == nil || d.SentAt.After(*latest.SentAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeDeliveries) HasQueuedForEmail(ctx context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.rows {
		if d.RecipientEmail == model.NormalizeEmail(email) && d.Status == model.DeliveryQueued {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDeliveries) Create(ctx context.Context, d *model.EmailDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	d.ID = f.nextID
	cp := *d
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakeDeliveries) Update(ctx context.Context, d *model.EmailDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.rows {
		if row.ID == d.ID {
			cp := *d
			f.rows[i] = &cp
			return nil
		}
	}
	return appErrors.NewNotFound("delivery", d.ID)
}

func (f *fakeDeliveries) CountByStatus(ctx context.Context, target model.DeliveryTarget) (map[model.DeliveryStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[model.DeliveryStatus]int{}
	for _, d := range f.rows {
		if d.Target == target {
			out[d.Status]++
		}
	}
	return out, nil
}

func (f *fakeDeliveries) forTarget(target model.DeliveryTarget) []model.EmailDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EmailDelivery
	for _, d := range f.rows {
		if d.Target == target {
			out = append(out, *d)
		}
	}
	return out
}

// --- invitations ---

type fakeInvitations struct {
	mu     sync.Mutex
	rows   map[int64]*model.EventInvitation
	nextID int64
}

func newFakeInvitations() *fakeInvitations {
	return &fakeInvitations{rows: map[int64]*model.EventInvitation{}}
}

func (f *fakeInvitations) Create(ctx context.Context, inv *model.EventInvitation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.EventID == inv.EventID && r.VendorContactID == inv.VendorContactID {
			return appErrors.ErrAlreadyExists
		}
	}
	f.nextID++
	inv.ID = f.nextID
	cp := *inv
	f.rows[inv.ID] = &cp
	return nil
}

func (f *fakeInvitations) Update(ctx context.Context, inv *model.EventInvitation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *inv
	f.rows[inv.ID] = &cp
	return nil
}

func (f *fakeInvitations) GetByToken(ctx context.Context, tok string) (*model.EventInvitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.Token == tok {
			cp := *r
			return &cp, nil
		}
	}
	return nil, appErrors.NewNotFound("invitation", "token")
}

func (f *fakeInvitations) InvitedContactIDs(ctx context.Context, eventID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, r := range f.rows {
		if r.EventID == eventID {
			ids = append(ids, r.VendorContactID)
		}
	}
	return ids, nil
}

// --- contacts and lists ---

type fakeContacts struct {
	contacts map[int64]model.Contact
}

func (f *fakeContacts) GetByID(ctx context.Context, id int64) (*model.Contact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return nil, appErrors.NewNotFound("contact", id)
	}
	return &c, nil
}

func (f *fakeContacts) ListByIDs(ctx context.Context, orgID int64, ids []int64) ([]model.Contact, error) {
	out := []model.Contact{}
	for _, id := range model.UniqueIDs(ids) {
		if c, ok := f.contacts[id]; ok && c.OrganizationID == orgID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeContacts) FindIDsByFilters(ctx context.Context, orgID int64, filters model.ContactFilters) ([]int64, error) {
	var ids []int64
	for _, c := range f.contacts {
		if c.OrganizationID == orgID && filters.Matches(c) {
			ids = append(ids, c.ID)
		}
	}
	return model.UniqueIDs(ids), nil
}

type fakeLists struct {
	mu    sync.Mutex
	lists map[int64]*model.ContactList
	saves int
}

func (f *fakeLists) GetByID(ctx context.Context, id int64) (*model.ContactList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[id]
	if !ok {
		return nil, appErrors.NewNotFound("contact list", id)
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLists) ListByIDs(ctx context.Context, orgID int64, ids []int64) ([]model.ContactList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.ContactList{}
	for _, id := range ids {
		if l, ok := f.lists[id]; ok && l.OrganizationID == orgID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f *fakeLists) UpdateMembership(ctx context.Context, list *model.ContactList) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *list
	f.lists[list.ID] = &cp
	f.saves++
	return nil
}

// --- suppressions ---

type fakeUnsubscribes struct {
	mu     sync.Mutex
	rows   []model.EmailUnsubscribe
	nextID int64
}

func (f *fakeUnsubscribes) ListByEmail(ctx context.Context, email string) ([]model.EmailUnsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EmailUnsubscribe
	for _, u := range f.rows {
		if u.Email == model.NormalizeEmail(email) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUnsubscribes) Upsert(ctx context.Context, u *model.EmailUnsubscribe) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.Email = model.NormalizeEmail(u.Email)
	for i, r := range f.rows {
		if r.Email == u.Email && r.Scope == u.Scope && sameEntity(r, *u) {
			f.rows[i].Reason = u.Reason
			u.ID = r.ID
			return nil
		}
	}
	f.nextID++
	u.ID = f.nextID
	f.rows = append(f.rows, *u)
	return nil
}

func (f *fakeUnsubscribes) Delete(ctx context.Context, email string, scope model.UnsubscribeScope, scopeID *int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rows {
		if r.Email != model.NormalizeEmail(email) || r.Scope != scope {
			continue
		}
		entity := scopeEntity(r)
		if (entity == nil) != (scopeID == nil) || (entity != nil && *entity != *scopeID) {
			continue
		}
		f.rows = append(f.rows[:i], f.rows[i+1:]...)
		return true, nil
	}
	return false, nil
}

func sameEntity(a, b model.EmailUnsubscribe) bool {
	ea, eb := scopeEntity(a), scopeEntity(b)
	if ea == nil || eb == nil {
		return ea == nil && eb == nil
	}
	return *ea == *eb
}

// --- transport, locker, signer ---

type fakeTransport struct {
	mu     sync.Mutex
	sent   []transport.Message
	fail   map[string]error
	once   map[string]error
	panics map[string]bool
	n      int
}

func (f *fakeTransport) Send(ctx context.Context, msg transport.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[msg.To] {
		panic("transport exploded for " + msg.To)
	}
	if err := f.fail[msg.To]; err != nil {
		return "", err
	}
	if err := f.once[msg.To]; err != nil {
		delete(f.once, msg.To)
		return "", err
	}
	f.n++
	f.sent = append(f.sent, msg)
	return "msg-" + msg.To, nil
}

func (f *fakeTransport) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.To)
	}
	return out
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocker) Acquire(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

func newSigner() *token.UnsubscribeSigner {
	return token.NewUnsubscribeSigner("test-secret", 90*24*time.Hour)
}

// --- wiring ---

type harness struct {
	events      *fakeEvents
	templates   *fakeTemplates
	emails      *fakeScheduledEmails
	deliveries  *fakeDeliveries
	invitations *fakeInvitations
	contacts    *fakeContacts
	lists       *fakeLists
	unsubs      *fakeUnsubscribes
	transport   *fakeTransport
	locker      *fakeLocker
	signer      *token.UnsubscribeSigner

	gate       *UnsubscribeGate
	tracker    *DeliveryTracker
	resolver   *RecipientSetResolver
	engine     *DispatchEngine
	scheduler  *CampaignScheduler
	invites    *InvitationService
	emailAdmin *ScheduledEmailService
}

func newHarness() *harness {
	h := &harness{
		events: &fakeEvents{
			events: map[int64]*model.Event{
				1: {
					ID: 1, OrganizationID: 10, OrganizationName: "Riverside Makers", Name: "Summer Fair", Location: "Pier 4",
					CampaignTemplateID:  ptr(int64(100)),
					ApplicationDeadline: ptr(time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)),
					PaymentDeadline:     ptr(time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)),
					EventDate:           ptr(time.Date(2025, 6, 21, 10, 0, 0, 0, time.UTC)),
				},
			},
			regs: map[int64][]model.Registration{},
		},
		templates:   newFakeTemplates(),
		emails:      newFakeScheduledEmails(),
		deliveries:  &fakeDeliveries{},
		invitations: newFakeInvitations(),
		contacts:    &fakeContacts{contacts: map[int64]model.Contact{}},
		lists:       &fakeLists{lists: map[int64]*model.ContactList{}},
		unsubs:      &fakeUnsubscribes{},
		transport:   &fakeTransport{fail: map[string]error{}, once: map[string]error{}, panics: map[string]bool{}},
		locker:      &fakeLocker{},
		signer:      newSigner(),
	}
	clock := fixedClock(t0)
	log := zap.NewNop()

	h.gate = &UnsubscribeGate{Repo: h.unsubs, Signer: h.signer, Logger: log}
	h.tracker = &DeliveryTracker{Deliveries: h.deliveries, ScheduledEmails: h.emails, OverdueGrace: 5 * time.Minute, Logger: log, Clock: clock}
	h.resolver = &RecipientSetResolver{Contacts: h.contacts, Lists: h.lists, Timeout: time.Second}
	executor := queue.NewExecutor(1, 1, 0, log)
	links := Links{BaseURL: "https://presents.test"}
	h.engine = &DispatchEngine{
		Events: h.events, ScheduledEmails: h.emails, Resolver: h.resolver, Gate: h.gate, Tracker: h.tracker,
		Transport: h.transport, Locker: h.locker, Executor: executor, Links: links, Logger: log, Clock: clock,
	}
	h.scheduler = &CampaignScheduler{Events: h.events, Templates: h.templates, ScheduledEmails: h.emails, Logger: log}
	h.invites = &InvitationService{
		Events: h.events, Invitations: h.invitations, Contacts: h.contacts, Resolver: h.resolver, Gate: h.gate,
		Tracker: h.tracker, Transport: h.transport, Executor: executor, Links: links, TTL: 30 * 24 * time.Hour,
		Logger: log, Clock: clock,
	}
	h.emailAdmin = &ScheduledEmailService{Events: h.events, ScheduledEmails: h.emails, Logger: log}
	return h
}

func (h *harness) addContact(c model.Contact) {
	if c.OrganizationID == 0 {
		c.OrganizationID = 10
	}
	h.contacts.contacts[c.ID] = c
}

func (h *harness) register(eventID int64, regs ...model.Registration) {
	for _, r := range regs {
		r.EventID = eventID
		h.events.regs[eventID] = append(h.events.regs[eventID], r)
	}
}

func (h *harness) scheduled(id int64, status model.ScheduledEmailStatus) {
	h.emails.put(model.ScheduledEmail{
		ID: id, EventID: 1, Name: "Payment reminder",
		SubjectTemplate: "Pay for {{event_name}}",
		BodyTemplate:    "Hi {{first_name}}, pay by {{payment_deadline}}. {{unsubscribe_url}}",
		ScheduledFor:    t0.Add(-time.Hour),
		Status:          status,
	})
}
