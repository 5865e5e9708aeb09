package session

import (
	"context"
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

// fakeStore is an in-memory LeadStore with real version guarding.
type fakeStore struct {
	mu       sync.Mutex
	leads    map[string]domain.Lead // keyed by tenant|contact
	handoffs []domain.HandoffRecord
}

func newFakeStore(leads ...domain.Lead) *fakeStore {
	s := &fakeStore{leads: map[string]domain.Lead{}}
	for _, l := range leads {
		s.leads[l.TenantID+"|"+l.ContactID] = l
	}
	return s
}

func (s *fakeStore) GetByContact(_ context.Context, tenantID, contactID string) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[tenantID+"|"+contactID]
	if !ok {
		return domain.Lead{}, apperr.NotFound("lead not found")
	}
	return lead, nil
}

func (s *fakeStore) GetByID(_ context.Context, leadID uuid.UUID) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lead := range s.leads {
		if lead.ID == leadID {
			return lead, nil
		}
	}
	return domain.Lead{}, apperr.NotFound("lead not found")
}

func (s *fakeStore) Create(_ context.Context, lead domain.Lead) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lead.TenantID + "|" + lead.ContactID
	if _, ok := s.leads[key]; ok {
		return domain.Lead{}, apperr.Conflict("lead already exists for contact")
	}
	s.leads[key] = lead
	return lead, nil
}

func (s *fakeStore) ApplyTransition(_ context.Context, params repository.TransitionParams) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, lead := range s.leads {
		if lead.ID != params.LeadID {
			continue
		}
		if lead.Version != params.ExpectedVersion {
			return domain.Lead{}, apperr.VersionConflict("stale version")
		}
		lead.FinancialReadiness = params.FRS
		lead.PsychCommitment = params.PCS
		lead.Temperature = params.Temperature
		lead.ActiveBot = params.ActiveBot
		lead.WorkflowNode = params.WorkflowNode
		lead.ConversationContext = params.Context
		lead.QualificationComplete = params.QualificationComplete
		lead.LastInteractionAt = params.LastInteractionAt
		lead.EnteredBotAt = params.EnteredBotAt
		lead.Version++
		s.leads[key] = lead
		if params.Handoff != nil {
			s.handoffs = append(s.handoffs, *params.Handoff)
		}
		return lead, nil
	}
	return domain.Lead{}, apperr.NotFound("lead not found")
}

func (s *fakeStore) ListHandoffs(_ context.Context, leadID uuid.UUID) ([]domain.HandoffRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HandoffRecord
	for _, h := range s.handoffs {
		if h.LeadID == leadID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *fakeStore) ListActive(_ context.Context, tenantID string) ([]domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Lead
	for _, lead := range s.leads {
		if lead.TenantID == tenantID && !lead.IsTerminal() {
			out = append(out, lead)
		}
	}
	return out, nil
}

type fakeLetters struct {
	mu      sync.Mutex
	letters []repository.DeadLetter
}

func (f *fakeLetters) InsertDeadLetter(_ context.Context, letter repository.DeadLetter) (repository.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if letter.Status == "" {
		letter.Status = repository.StatusPending
	}
	f.letters = append(f.letters, letter)
	return letter, nil
}

func (f *fakeLetters) ListDeadLetters(_ context.Context, tenantID, status string, _ int) ([]repository.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.DeadLetter
	for _, l := range f.letters {
		if l.TenantID == tenantID && (status == "" || l.Status == status) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLetters) UpdateDeadLetterStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.letters {
		if f.letters[i].ID == id {
			f.letters[i].Status = status
			return nil
		}
	}
	return apperr.NotFound("dead letter not found")
}

func (f *fakeLetters) GetDeadLetter(_ context.Context, id uuid.UUID) (repository.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.letters {
		if l.ID == id {
			return l, nil
		}
	}
	return repository.DeadLetter{}, apperr.NotFound("dead letter not found")
}

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) PublishSync(ctx context.Context, e events.Event) error {
	b.Publish(ctx, e)
	return nil
}

func (b *recordingBus) Subscribe(string, events.Handler) {}

func (b *recordingBus) named(name string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

func testLead() domain.Lead {
	lead := domain.NewLead("tenant-a", "contact-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	lead.Version = 1
	return lead
}

func TestApplyMutatesAndBumpsVersion(t *testing.T) {
	store := newFakeStore(testLead())
	bus := &recordingBus{}
	m := NewMachine(store, &fakeLetters{}, bus, logger.New("test"), 3)

	updated, err := m.Apply(context.Background(), "tenant-a", "contact-1", func(lead domain.Lead) (domain.Lead, *domain.HandoffRecord, error) {
		lead.FinancialReadiness = 70
		lead.Temperature = domain.TempWarm
		return lead, nil, nil
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if updated.FinancialReadiness != 70 || updated.Temperature != domain.TempWarm {
		t.Errorf("state not applied: frs=%d temp=%s", updated.FinancialReadiness, updated.Temperature)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
}

func TestApplyNoChange(t *testing.T) {
	store := newFakeStore(testLead())
	m := NewMachine(store, &fakeLetters{}, &recordingBus{}, logger.New("test"), 3)

	got, err := m.Apply(context.Background(), "tenant-a", "contact-1", func(lead domain.Lead) (domain.Lead, *domain.HandoffRecord, error) {
		return domain.Lead{}, nil, ErrNoChange
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1 (no write)", got.Version)
	}
}

func TestApplyRetriesOnVersionConflict(t *testing.T) {
	store := newFakeStore(testLead())
	m := NewMachine(store, &fakeLetters{}, &recordingBus{}, logger.New("test"), 3)

	// First mutation run simulates a concurrent writer slipping in between
	// our read and our write.
	raced := false
	updated, err := m.Apply(context.Background(), "tenant-a", "contact-1", func(lead domain.Lead) (domain.Lead, *domain.HandoffRecord, error) {
		if !raced {
			raced = true
			_, err := store.ApplyTransition(context.Background(), repository.TransitionParams{
				LeadID:            lead.ID,
				ExpectedVersion:   lead.Version,
				Temperature:       domain.TempCold,
				ActiveBot:         lead.ActiveBot,
				WorkflowNode:      lead.WorkflowNode,
				Context:           lead.ConversationContext,
				LastInteractionAt: lead.LastInteractionAt,
				EnteredBotAt:      lead.EnteredBotAt,
				FRS:               10,
			})
			if err != nil {
				t.Fatalf("concurrent write failed: %v", err)
			}
		}
		lead.PsychCommitment = 55
		return lead, nil, nil
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if updated.PsychCommitment != 55 {
		t.Errorf("PsychCommitment = %d, want 55", updated.PsychCommitment)
	}
	// Retry re-read must have observed the concurrent write.
	if updated.FinancialReadiness != 10 {
		t.Errorf("FinancialReadiness = %d, want 10 from concurrent writer", updated.FinancialReadiness)
	}
	if updated.Version != 3 {
		t.Errorf("Version = %d, want 3 (two writes)", updated.Version)
	}
}

func TestApplyExhaustedConflictDeadLetters(t *testing.T) {
	store := newFakeStore(testLead())
	letters := &fakeLetters{}
	bus := &recordingBus{}
	m := NewMachine(store, letters, bus, logger.New("test"), 2)

	// Every attempt loses the race.
	_, err := m.Apply(context.Background(), "tenant-a", "contact-1", func(lead domain.Lead) (domain.Lead, *domain.HandoffRecord, error) {
		_, werr := store.ApplyTransition(context.Background(), repository.TransitionParams{
			LeadID:            lead.ID,
			ExpectedVersion:   lead.Version,
			Temperature:       lead.Temperature,
			ActiveBot:         lead.ActiveBot,
			WorkflowNode:      lead.WorkflowNode,
			Context:           lead.ConversationContext,
			LastInteractionAt: lead.LastInteractionAt,
			EnteredBotAt:      lead.EnteredBotAt,
		})
		if werr != nil {
			t.Fatalf("concurrent write failed: %v", werr)
		}
		return lead, nil, nil
	})
	if !apperr.Is(err, apperr.KindVersionConflict) {
		t.Fatalf("Apply() error = %v, want version conflict", err)
	}

	pending, _ := letters.ListDeadLetters(context.Background(), "tenant-a", repository.StatusPending, 10)
	if len(pending) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(pending))
	}
	if pending[0].Category != repository.CategoryConflict {
		t.Errorf("Category = %q, want %q", pending[0].Category, repository.CategoryConflict)
	}
	if got := bus.named("leads.transition.conflict"); len(got) != 1 {
		t.Errorf("conflict events = %d, want 1", len(got))
	}
}

func TestApplyConcurrentWritersBothLand(t *testing.T) {
	store := newFakeStore(testLead())
	m := NewMachine(store, &fakeLetters{}, &recordingBus{}, logger.New("test"), 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Apply(context.Background(), "tenant-a", "contact-1", func(lead domain.Lead) (domain.Lead, *domain.HandoffRecord, error) {
				lead.FinancialReadiness = lead.FinancialReadiness + 10
				return lead, nil, nil
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}
	final, _ := store.GetByContact(context.Background(), "tenant-a", "contact-1")
	if final.FinancialReadiness != 20 {
		t.Errorf("FinancialReadiness = %d, want 20 (both increments)", final.FinancialReadiness)
	}
	if final.Version != 3 {
		t.Errorf("Version = %d, want 3", final.Version)
	}
}

func TestHandoffResetsWorkflow(t *testing.T) {
	lead := testLead()
	lead.WorkflowNode = domain.NodeQualify
	lead.FinancialReadiness = 80
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	next, record := Handoff(lead, domain.BotBuyer, 0.84, "intent detected on intake", now)

	if next.ActiveBot != domain.BotBuyer {
		t.Errorf("ActiveBot = %s, want buyer", next.ActiveBot)
	}
	if next.WorkflowNode != domain.NodeIntake {
		t.Errorf("WorkflowNode = %s, want intake", next.WorkflowNode)
	}
	if !next.EnteredBotAt.Equal(now) {
		t.Errorf("EnteredBotAt = %v, want %v", next.EnteredBotAt, now)
	}
	if next.FinancialReadiness != 80 {
		t.Errorf("scores must survive handoff, frs = %d", next.FinancialReadiness)
	}
	if record.FromBot != domain.BotLead || record.ToBot != domain.BotBuyer {
		t.Errorf("record route = %s->%s", record.FromBot, record.ToBot)
	}
	if record.Confidence != 0.84 {
		t.Errorf("record confidence = %v", record.Confidence)
	}
}

func TestAdvanceFollowUp(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		bot      domain.BotType
		node     string
		step     string
		wantNode string
		wantOK   bool
	}{
		{"forward advance", domain.BotLead, domain.NodeQualify, domain.NodeDay3, domain.NodeDay3, true},
		{"skip missed steps", domain.BotLead, domain.NodeDay3, domain.NodeDay14, domain.NodeDay14, true},
		{"refuse regress", domain.BotLead, domain.NodeDay14, domain.NodeDay3, domain.NodeDay14, false},
		{"refuse same node", domain.BotLead, domain.NodeDay7, domain.NodeDay7, domain.NodeDay7, false},
		{"foreign step refused", domain.BotBuyer, domain.NodeFinancing, domain.NodeDay14, domain.NodeFinancing, false},
		{"last step retires lead", domain.BotLead, domain.NodeDay14, domain.NodeDay30, domain.NodeDone, true},
		{"buyer last step retires", domain.BotBuyer, domain.NodeDay3, domain.NodeDay7, domain.NodeDone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := testLead()
			lead.ActiveBot = tt.bot
			lead.WorkflowNode = tt.node

			next, ok := AdvanceFollowUp(lead, tt.step, now)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if next.WorkflowNode != tt.wantNode {
				t.Errorf("WorkflowNode = %s, want %s", next.WorkflowNode, tt.wantNode)
			}
		})
	}
}
