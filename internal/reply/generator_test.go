package reply

import (
	"context"
	"testing"
	"time"

	"leadrouter_backend/internal/leads"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/handoff"
	"leadrouter_backend/platform/logger"
)

type replyCfg struct{ enabled bool }

func (c replyCfg) GetLLMAPIKey() string           { return "" }
func (c replyCfg) GetLLMBaseURL() string          { return "" }
func (c replyCfg) GetLLMModel() string            { return "" }
func (c replyCfg) GetReplyTimeout() time.Duration { return time.Second }
func (c replyCfg) IsReplyEnabled() bool           { return c.enabled }

func TestParseAgentOutput(t *testing.T) {
	raw := `{
		"reply": "Great! What's your budget?",
		"intent": "buyer",
		"confidence": 0.82,
		"components": {"budget_confirmed": 0.5, "motivation": 0.7},
		"contextUpdates": {"area": "midtown"},
		"qualificationComplete": false
	}`

	got, err := parseAgentOutput(raw)
	if err != nil {
		t.Fatalf("parseAgentOutput() error = %v", err)
	}
	if got.Text != "Great! What's your budget?" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Intent.Intent != handoff.IntentBuyer || got.Intent.Confidence != 0.82 {
		t.Errorf("Intent = %+v", got.Intent)
	}
	if got.Components.Components["budget_confirmed"] != 0.5 {
		t.Errorf("Components = %v", got.Components.Components)
	}
	if got.ContextUpdates["area"] != "midtown" {
		t.Errorf("ContextUpdates = %v", got.ContextUpdates)
	}
}

func TestParseAgentOutputFencedJSON(t *testing.T) {
	raw := "```json\n{\"reply\":\"hello\",\"intent\":\"none\",\"confidence\":0}\n```"
	got, err := parseAgentOutput(raw)
	if err != nil {
		t.Fatalf("parseAgentOutput() error = %v", err)
	}
	if got.Text != "hello" {
		t.Errorf("Text = %q", got.Text)
	}
}

func TestParseAgentOutputUnknownIntentDegrades(t *testing.T) {
	raw := `{"reply":"sure","intent":"landlord","confidence":0.95}`
	got, err := parseAgentOutput(raw)
	if err != nil {
		t.Fatalf("parseAgentOutput() error = %v", err)
	}
	if got.Intent.Intent != handoff.IntentNone {
		t.Errorf("Intent = %s, want none for unknown label", got.Intent.Intent)
	}
	if got.Intent.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0 for degraded intent", got.Intent.Confidence)
	}
}

func TestParseAgentOutputRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"intent":"buyer"}`} {
		if _, err := parseAgentOutput(raw); err == nil {
			t.Errorf("parseAgentOutput(%q) succeeded", raw)
		}
	}
}

func TestParseAgentOutputClampsConfidence(t *testing.T) {
	got, err := parseAgentOutput(`{"reply":"ok","intent":"seller","confidence":1.7}`)
	if err != nil {
		t.Fatalf("parseAgentOutput() error = %v", err)
	}
	if got.Intent.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", got.Intent.Confidence)
	}
}

func TestDisabledGeneratorUsesScripts(t *testing.T) {
	g := NewGenerator(replyCfg{enabled: false}, logger.New("test"))

	lead := domain.NewLead("loc-1", "c-1", time.Now())
	got, err := g.Generate(context.Background(), lead, inboundMsg())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got.Text == "" {
		t.Error("scripted reply empty")
	}
	if got.Intent.Intent != handoff.IntentNone {
		t.Errorf("Intent = %s, want none", got.Intent.Intent)
	}
}

func TestFollowUpScripts(t *testing.T) {
	g := NewGenerator(replyCfg{}, logger.New("test"))
	lead := domain.NewLead("loc-1", "c-1", time.Now())

	for _, bot := range []domain.BotType{domain.BotLead, domain.BotBuyer, domain.BotSeller} {
		lead.ActiveBot = bot
		for _, step := range domain.FollowUpSteps(bot) {
			body, err := g.FollowUp(context.Background(), lead, step)
			if err != nil {
				t.Errorf("FollowUp(%s, %s) error = %v", bot, step, err)
			}
			if body == "" {
				t.Errorf("FollowUp(%s, %s) empty", bot, step)
			}
		}
	}

	if _, err := g.FollowUp(context.Background(), lead, "day99"); err == nil {
		t.Error("unknown step produced a follow-up")
	}
}

func inboundMsg() leads.InboundMessage {
	return leads.InboundMessage{
		TenantID:   "loc-1",
		ContactID:  "c-1",
		Body:       "hi",
		OccurredAt: time.Now(),
	}
}
