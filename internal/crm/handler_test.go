package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"leadrouter_backend/internal/leads"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/handoff"
	"leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/leads/session"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type dedupeCfg struct{}

func (dedupeCfg) GetRedisURL() string               { return "" }
func (dedupeCfg) GetDedupeTTL() time.Duration       { return time.Hour }
func (dedupeCfg) GetFreshnessWindow() time.Duration { return 5 * time.Minute }

// flakyStore is a lead store with one-shot failure injection.
type flakyStore struct {
	mu             sync.Mutex
	leads          map[string]domain.Lead
	creates        int
	failNextCreate error
}

func newFlakyStore() *flakyStore {
	return &flakyStore{leads: map[string]domain.Lead{}}
}

func (s *flakyStore) GetByContact(_ context.Context, tenantID, contactID string) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead, ok := s.leads[tenantID+"|"+contactID]
	if !ok {
		return domain.Lead{}, apperr.NotFound("lead not found")
	}
	return lead, nil
}

func (s *flakyStore) GetByID(_ context.Context, leadID uuid.UUID) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lead := range s.leads {
		if lead.ID == leadID {
			return lead, nil
		}
	}
	return domain.Lead{}, apperr.NotFound("lead not found")
}

func (s *flakyStore) Create(_ context.Context, lead domain.Lead) (domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextCreate != nil {
		err := s.failNextCreate
		s.failNextCreate = nil
		return domain.Lead{}, err
	}
	s.leads[lead.TenantID+"|"+lead.ContactID] = lead
	s.creates++
	return lead, nil
}

func (s *flakyStore) ApplyTransition(_ context.Context, params repository.TransitionParams) (domain.Lead, error) {
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
		return lead, nil
	}
	return domain.Lead{}, apperr.NotFound("lead not found")
}

func (s *flakyStore) ListHandoffs(context.Context, uuid.UUID) ([]domain.HandoffRecord, error) {
	return nil, nil
}

func (s *flakyStore) ListActive(context.Context, string) ([]domain.Lead, error) { return nil, nil }

func (s *flakyStore) TickProcessed(context.Context, uuid.UUID, domain.BotType, string) (bool, error) {
	return false, nil
}

func (s *flakyStore) MarkTickProcessed(context.Context, uuid.UUID, domain.BotType, string) (bool, error) {
	return true, nil
}

type staticReplies struct{}

func (staticReplies) Generate(context.Context, domain.Lead, leads.InboundMessage) (leads.ReplyResult, error) {
	return leads.ReplyResult{
		Text:   "got it",
		Intent: handoff.IntentSignal{Intent: handoff.IntentNone},
	}, nil
}

func (staticReplies) FollowUp(context.Context, domain.Lead, string) (string, error) {
	return "", nil
}

type nopSender struct{}

func (nopSender) SendMessage(context.Context, string, string, string) error { return nil }

type nopScheduler struct{}

func (nopScheduler) ScheduleFollowUps(context.Context, domain.Lead) error { return nil }

func newInboundRouter(t *testing.T, store *flakyStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.New("test")
	bus := &eventCapture{}
	letters := &countingLetters{}
	machine := session.NewMachine(store, letters, bus, log, 3)
	tenants := config.NewTenantRegistry(crmTenant())
	processor := leads.NewProcessor(tenants, store, store, machine, staticReplies{}, nopSender{}, nopScheduler{}, bus, log)
	deduper := NewDeduper(nil, newMemLedger(), time.Hour, log)
	h := NewHandler(dedupeCfg{}, tenants, deduper, processor, log)

	router := gin.New()
	router.POST("/webhooks/crm/:tenantID", h.HandleInbound)
	return router
}

func TestHandleInboundFailureStaysRetryable(t *testing.T) {
	store := newFlakyStore()
	router := newInboundRouter(t, store)

	env := Envelope{
		ID:        "evt-1",
		Type:      "InboundMessage",
		ContactID: "c-1",
		Channel:   "sms",
		Body:      "hello",
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	deliver := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/crm/loc-1", bytes.NewReader(body))
		req.Header.Set(SignatureHeader, Sign("secret", body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	// First delivery hits a transient store failure; the idempotency key
	// must not be consumed by a delivery that took no effect.
	store.failNextCreate = apperr.Internal("connection reset")
	if w := deliver(); w.Code == http.StatusOK {
		t.Fatalf("failed delivery returned %d, want error status", w.Code)
	}
	if store.creates != 0 {
		t.Fatalf("creates after failed delivery = %d, want 0", store.creates)
	}

	// The CRM redelivers the same event key and it goes through.
	w := deliver()
	if w.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status    string `json:"status"`
		Processed bool   `json:"processed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "processed" || !resp.Processed {
		t.Fatalf("redelivery response = %+v, want processed", resp)
	}
	if store.creates != 1 {
		t.Fatalf("creates after redelivery = %d, want 1", store.creates)
	}

	// A third delivery of the same key is now a duplicate.
	w = deliver()
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || resp.Status != "duplicate" {
		t.Fatalf("third delivery = %d %+v, want duplicate", w.Code, resp)
	}
	if store.creates != 1 {
		t.Errorf("duplicate delivery created a lead")
	}
}
