// Package reply is the conversational boundary: it turns an inbound contact
// message into the bot's reply plus the structured routing signals the
// pipeline consumes. The model never touches lead state; it only reports.
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/google/uuid"

	"leadrouter_backend/internal/leads"
	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/internal/leads/handoff"
	"leadrouter_backend/internal/leads/scoring"
	"leadrouter_backend/platform/ai/moonshot"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"
)

const appName = "lead_router_replies"

const instruction = `You are a real estate assistant replying on behalf of the active bot persona.
Read the conversation state and the new message, then answer with ONLY a JSON object:
{
  "reply": "<the message to send back, warm and concise>",
  "intent": "buyer" | "seller" | "general" | "none",
  "confidence": <0.0-1.0, how sure you are about the intent>,
  "components": {"<qualification component>": <0.0-1.0 cumulative coverage>},
  "contextUpdates": {"<fact key>": "<fact value>"},
  "qualificationComplete": <true when every qualification area is covered>
}
Components are the cumulative snapshot for this contact, not a delta.
Never invent facts the contact did not state.`

// Generator produces replies through the ADK agent, with scripted fallbacks
// when the model is disabled or misbehaves.
type Generator struct {
	runner         *runner.Runner
	sessionService session.Service
	timeout        time.Duration
	enabled        bool
	log            *logger.Logger
}

// NewGenerator builds the reply agent. When no API key is configured the
// generator runs in scripted-only mode.
func NewGenerator(cfg config.ReplyConfig, log *logger.Logger) *Generator {
	g := &Generator{
		timeout: cfg.GetReplyTimeout(),
		enabled: cfg.IsReplyEnabled(),
		log:     log,
	}
	if !g.enabled {
		log.Info("reply model disabled, using scripted replies only")
		return g
	}

	kimi := moonshot.NewModel(moonshot.Config{
		APIKey:  cfg.GetLLMAPIKey(),
		BaseURL: cfg.GetLLMBaseURL(),
		Model:   cfg.GetLLMModel(),
	})

	adkAgent, err := llmagent.New(llmagent.Config{
		Name:        "LeadRouterResponder",
		Model:       kimi,
		Description: "Replies to contact messages and reports routing signals.",
		Instruction: instruction,
	})
	if err != nil {
		log.Error("failed to create reply agent, falling back to scripted replies", "error", err)
		g.enabled = false
		return g
	}

	sessionService := session.InMemoryService()
	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          adkAgent,
		SessionService: sessionService,
	})
	if err != nil {
		log.Error("failed to create reply runner, falling back to scripted replies", "error", err)
		g.enabled = false
		return g
	}

	g.runner = r
	g.sessionService = sessionService
	return g
}

// Generate produces the reply and routing signals for one inbound message.
// Model failures degrade to the scripted reply with a neutral signal; the
// pipeline keeps moving either way.
func (g *Generator) Generate(ctx context.Context, lead domain.Lead, msg leads.InboundMessage) (leads.ReplyResult, error) {
	if !g.enabled || g.runner == nil {
		return g.fallback(lead), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	output, err := g.run(runCtx, lead, msg)
	if err != nil {
		g.log.WithContext(ctx).Warn("reply model failed, using scripted reply",
			"tenant_id", lead.TenantID, "contact_id", lead.ContactID, "error", err)
		return g.fallback(lead), nil
	}

	parsed, err := parseAgentOutput(output)
	if err != nil {
		g.log.WithContext(ctx).Warn("unparseable model output, using scripted reply",
			"tenant_id", lead.TenantID, "contact_id", lead.ContactID, "error", err)
		return g.fallback(lead), nil
	}
	return parsed, nil
}

// FollowUp returns the scripted nudge for a scheduled step. Follow-ups are
// template-driven on purpose: they fire without a fresh contact message to
// react to.
func (g *Generator) FollowUp(_ context.Context, lead domain.Lead, step string) (string, error) {
	body, ok := followUpScript(lead.ActiveBot, step)
	if !ok {
		return "", fmt.Errorf("no follow-up script for bot %s step %s", lead.ActiveBot, step)
	}
	return body, nil
}

func (g *Generator) run(ctx context.Context, lead domain.Lead, msg leads.InboundMessage) (string, error) {
	contextJSON, _ := json.Marshal(lead.ConversationContext)
	prompt := fmt.Sprintf(`Active bot: %s
Workflow node: %s
Temperature: %s
Known context: %s
New message (%s): %s`,
		lead.ActiveBot, lead.WorkflowNode, lead.Temperature, contextJSON, msg.Channel, msg.Body)

	userMessage := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}

	userID := "contact-" + lead.ContactID
	sessionID := uuid.New().String()
	if _, err := g.sessionService.Create(ctx, &session.CreateRequest{
		AppName:   appName,
		UserID:    userID,
		SessionID: sessionID,
	}); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	var output strings.Builder
	for event, err := range g.runner.Run(ctx, userID, sessionID, userMessage, agent.RunConfig{StreamingMode: agent.StreamingModeNone}) {
		if err != nil {
			return "", err
		}
		if event.Content != nil {
			for _, part := range event.Content.Parts {
				output.WriteString(part.Text)
			}
		}
	}
	return output.String(), nil
}

// fallback returns the scripted reply for the lead's current node with a
// neutral routing signal.
func (g *Generator) fallback(lead domain.Lead) leads.ReplyResult {
	return leads.ReplyResult{
		Text:   scriptedReply(lead.ActiveBot, lead.WorkflowNode),
		Intent: handoff.IntentSignal{Intent: handoff.IntentNone},
	}
}

type agentOutput struct {
	Reply                 string             `json:"reply"`
	Intent                string             `json:"intent"`
	Confidence            float64            `json:"confidence"`
	Components            map[string]float64 `json:"components"`
	ContextUpdates        map[string]string  `json:"contextUpdates"`
	QualificationComplete bool               `json:"qualificationComplete"`
}

// parseAgentOutput decodes the model's JSON verdict. Unknown intent strings
// degrade to none rather than poisoning the evaluator.
func parseAgentOutput(raw string) (leads.ReplyResult, error) {
	trimmed := stripFences(raw)

	var out agentOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return leads.ReplyResult{}, fmt.Errorf("decode agent output: %w", err)
	}
	if out.Reply == "" {
		return leads.ReplyResult{}, fmt.Errorf("agent output missing reply")
	}

	intent := handoff.Intent(out.Intent)
	if !intent.Valid() {
		intent = handoff.IntentNone
		out.Confidence = 0
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}

	return leads.ReplyResult{
		Text:                  out.Reply,
		Intent:                handoff.IntentSignal{Intent: intent, Confidence: out.Confidence},
		Components:            scoring.Signal{Components: out.Components},
		ContextUpdates:        out.ContextUpdates,
		QualificationComplete: out.QualificationComplete,
	}, nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
