package operator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"leadrouter_backend/internal/events"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
)

// memLetters is an in-memory DeadLetterStore.
type memLetters struct {
	mu      sync.Mutex
	letters map[uuid.UUID]repository.DeadLetter
}

func newMemLetters(letters ...repository.DeadLetter) *memLetters {
	s := &memLetters{letters: map[uuid.UUID]repository.DeadLetter{}}
	for _, l := range letters {
		s.letters[l.ID] = l
	}
	return s
}

func (s *memLetters) InsertDeadLetter(_ context.Context, letter repository.DeadLetter) (repository.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	s.letters[letter.ID] = letter
	return letter, nil
}

func (s *memLetters) ListDeadLetters(_ context.Context, tenantID, status string, _ int) ([]repository.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.DeadLetter
	for _, l := range s.letters {
		if l.TenantID != tenantID {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *memLetters) UpdateDeadLetterStatus(_ context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return apperr.NotFound("dead letter not found")
	}
	letter.Status = status
	s.letters[id] = letter
	return nil
}

func (s *memLetters) GetDeadLetter(_ context.Context, id uuid.UUID) (repository.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return repository.DeadLetter{}, apperr.NotFound("dead letter not found")
	}
	return letter, nil
}

// memStore is a minimal LeadStore for the lead view tests.
type memStore struct {
	lead     domain.Lead
	handoffs []domain.HandoffRecord
}

func (s *memStore) GetByContact(_ context.Context, tenantID, contactID string) (domain.Lead, error) {
	if s.lead.TenantID != tenantID || s.lead.ContactID != contactID {
		return domain.Lead{}, apperr.NotFound("lead not found")
	}
	return s.lead, nil
}

func (s *memStore) GetByID(_ context.Context, leadID uuid.UUID) (domain.Lead, error) {
	if s.lead.ID != leadID {
		return domain.Lead{}, apperr.NotFound("lead not found")
	}
	return s.lead, nil
}

func (s *memStore) Create(_ context.Context, lead domain.Lead) (domain.Lead, error) {
	return lead, nil
}

func (s *memStore) ApplyTransition(_ context.Context, _ repository.TransitionParams) (domain.Lead, error) {
	return s.lead, nil
}

func (s *memStore) ListHandoffs(_ context.Context, _ uuid.UUID) ([]domain.HandoffRecord, error) {
	return s.handoffs, nil
}

func (s *memStore) ListActive(_ context.Context, _ string) ([]domain.Lead, error) {
	return []domain.Lead{s.lead}, nil
}

// captureBus records published events.
type captureBus struct {
	mu        sync.Mutex
	published []events.Event
}

func (b *captureBus) Publish(_ context.Context, event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
}

func (b *captureBus) PublishSync(ctx context.Context, event events.Event) error {
	b.Publish(ctx, event)
	return nil
}

func (b *captureBus) Subscribe(string, events.Handler) {}

func crmLetter(tenantID, status string) repository.DeadLetter {
	evt := events.LeadStateChanged{
		BaseEvent:    events.NewBaseEvent(),
		LeadID:       uuid.New(),
		TenantID:     tenantID,
		ContactID:    "contact-1",
		FRS:          72,
		PCS:          64,
		Temperature:  domain.TempWarm,
		ActiveBot:    domain.BotBuyer,
		WorkflowNode: "financing",
	}
	payload, _ := json.Marshal(evt)
	return repository.DeadLetter{
		ID:        uuid.New(),
		TenantID:  tenantID,
		ContactID: "contact-1",
		Category:  repository.CategoryCrmWrite,
		Payload:   payload,
		Attempts:  3,
		Status:    status,
	}
}

func newTestService(letters *memLetters, store repository.LeadStore, bus *captureBus) *Service {
	if store == nil {
		store = &memStore{}
	}
	return NewService(store, letters, bus, logger.New("test"))
}

func TestRequeueDeadLetterRepublishesEvent(t *testing.T) {
	letter := crmLetter("loc-1", repository.StatusPending)
	letters := newMemLetters(letter)
	bus := &captureBus{}
	svc := newTestService(letters, nil, bus)

	requeued, err := svc.RequeueDeadLetter(context.Background(), "loc-1", letter.ID)
	if err != nil {
		t.Fatalf("RequeueDeadLetter() error = %v", err)
	}
	if requeued.Status != repository.StatusRequeued {
		t.Errorf("status = %q, want %q", requeued.Status, repository.StatusRequeued)
	}

	stored, _ := letters.GetDeadLetter(context.Background(), letter.ID)
	if stored.Status != repository.StatusRequeued {
		t.Errorf("stored status = %q, want %q", stored.Status, repository.StatusRequeued)
	}

	if len(bus.published) != 1 {
		t.Fatalf("published %d events, want 1", len(bus.published))
	}
	evt, ok := bus.published[0].(events.LeadStateChanged)
	if !ok {
		t.Fatalf("published event is %T, want LeadStateChanged", bus.published[0])
	}
	if evt.ContactID != "contact-1" || evt.FRS != 72 {
		t.Errorf("replayed event = %+v, payload not preserved", evt)
	}
}

func TestRequeueDeadLetterRejectsNonPending(t *testing.T) {
	letter := crmLetter("loc-1", repository.StatusResolved)
	letters := newMemLetters(letter)
	bus := &captureBus{}
	svc := newTestService(letters, nil, bus)

	_, err := svc.RequeueDeadLetter(context.Background(), "loc-1", letter.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("RequeueDeadLetter() error = %v, want conflict", err)
	}
	if len(bus.published) != 0 {
		t.Errorf("published %d events, want 0", len(bus.published))
	}
}

func TestRequeueDeadLetterRejectsConflictCategory(t *testing.T) {
	letter := crmLetter("loc-1", repository.StatusPending)
	letter.Category = repository.CategoryConflict
	letters := newMemLetters(letter)
	bus := &captureBus{}
	svc := newTestService(letters, nil, bus)

	_, err := svc.RequeueDeadLetter(context.Background(), "loc-1", letter.ID)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("RequeueDeadLetter() error = %v, want validation", err)
	}
}

func TestRequeueDeadLetterScopedToTenant(t *testing.T) {
	letter := crmLetter("loc-1", repository.StatusPending)
	letters := newMemLetters(letter)
	bus := &captureBus{}
	svc := newTestService(letters, nil, bus)

	_, err := svc.RequeueDeadLetter(context.Background(), "loc-other", letter.ID)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("RequeueDeadLetter() error = %v, want not found", err)
	}

	stored, _ := letters.GetDeadLetter(context.Background(), letter.ID)
	if stored.Status != repository.StatusPending {
		t.Errorf("stored status = %q, cross-tenant call must not mutate", stored.Status)
	}
}

func TestResolveDeadLetter(t *testing.T) {
	letter := crmLetter("loc-1", repository.StatusPending)
	letter.Category = repository.CategoryConflict
	letters := newMemLetters(letter)
	svc := newTestService(letters, nil, &captureBus{})

	if err := svc.ResolveDeadLetter(context.Background(), "loc-1", letter.ID); err != nil {
		t.Fatalf("ResolveDeadLetter() error = %v", err)
	}
	stored, _ := letters.GetDeadLetter(context.Background(), letter.ID)
	if stored.Status != repository.StatusResolved {
		t.Errorf("stored status = %q, want %q", stored.Status, repository.StatusResolved)
	}

	if err := svc.ResolveDeadLetter(context.Background(), "loc-other", letter.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("cross-tenant resolve error = %v, want not found", err)
	}
}

func TestListDeadLettersFiltersStatus(t *testing.T) {
	pending := crmLetter("loc-1", repository.StatusPending)
	resolved := crmLetter("loc-1", repository.StatusResolved)
	other := crmLetter("loc-2", repository.StatusPending)
	letters := newMemLetters(pending, resolved, other)
	svc := newTestService(letters, nil, &captureBus{})

	got, err := svc.ListDeadLetters(context.Background(), "loc-1", repository.StatusPending, 50)
	if err != nil {
		t.Fatalf("ListDeadLetters() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Errorf("ListDeadLetters() = %v, want only the pending loc-1 letter", got)
	}
}

func TestGetLeadIncludesHandoffs(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	lead := domain.NewLead("loc-1", "contact-1", now)
	store := &memStore{
		lead: lead,
		handoffs: []domain.HandoffRecord{
			{LeadID: lead.ID, FromBot: domain.BotLead, ToBot: domain.BotBuyer, Confidence: 0.9, CreatedAt: now},
		},
	}
	svc := newTestService(newMemLetters(), store, &captureBus{})

	view, err := svc.GetLead(context.Background(), "loc-1", "contact-1")
	if err != nil {
		t.Fatalf("GetLead() error = %v", err)
	}
	if view.Lead.ContactID != "contact-1" {
		t.Errorf("lead contact = %q, want contact-1", view.Lead.ContactID)
	}
	if len(view.Handoffs) != 1 || view.Handoffs[0].ToBot != domain.BotBuyer {
		t.Errorf("handoffs = %v, want one record to the buyer bot", view.Handoffs)
	}

	if _, err := svc.GetLead(context.Background(), "loc-1", "contact-missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("missing lead error = %v, want not found", err)
	}
}
