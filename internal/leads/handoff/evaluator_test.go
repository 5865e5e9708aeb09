package handoff

import (
	"testing"

	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/apperr"
)

const threshold = 0.7

func leadWith(bot domain.BotType) domain.Lead {
	return domain.Lead{
		ActiveBot:    bot,
		WorkflowNode: domain.InitialNode(bot),
		Temperature:  domain.TempWarm,
	}
}

func TestEvaluateRouting(t *testing.T) {
	tests := []struct {
		name        string
		lead        domain.Lead
		sig         IntentSignal
		wantOutcome Outcome
		wantTarget  domain.BotType
	}{
		{
			name:        "intake routes buyer above threshold",
			lead:        leadWith(domain.BotLead),
			sig:         IntentSignal{IntentBuyer, 0.9},
			wantOutcome: OutcomeHandoff,
			wantTarget:  domain.BotBuyer,
		},
		{
			name:        "intake routes seller above threshold",
			lead:        leadWith(domain.BotLead),
			sig:         IntentSignal{IntentSeller, 0.85},
			wantOutcome: OutcomeHandoff,
			wantTarget:  domain.BotSeller,
		},
		{
			name:        "below threshold stays",
			lead:        leadWith(domain.BotLead),
			sig:         IntentSignal{IntentBuyer, 0.69},
			wantOutcome: OutcomeStay,
		},
		{
			name:        "general intent stays",
			lead:        leadWith(domain.BotLead),
			sig:         IntentSignal{IntentGeneral, 0.95},
			wantOutcome: OutcomeStay,
		},
		{
			name:        "cross handoff buyer to seller",
			lead:        leadWith(domain.BotBuyer),
			sig:         IntentSignal{IntentSeller, 0.8},
			wantOutcome: OutcomeHandoff,
			wantTarget:  domain.BotSeller,
		},
		{
			name:        "matching intent on specialized bot stays",
			lead:        leadWith(domain.BotSeller),
			sig:         IntentSignal{IntentSeller, 0.99},
			wantOutcome: OutcomeStay,
		},
		{
			name:        "human owned lead stays",
			lead:        leadWith(domain.BotHuman),
			sig:         IntentSignal{IntentBuyer, 0.99},
			wantOutcome: OutcomeStay,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := Evaluate(tc.lead, tc.sig, threshold)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Outcome != tc.wantOutcome {
				t.Fatalf("outcome = %v, want %v", decision.Outcome, tc.wantOutcome)
			}
			if tc.wantOutcome == OutcomeHandoff && decision.TargetBot != tc.wantTarget {
				t.Fatalf("target = %s, want %s", decision.TargetBot, tc.wantTarget)
			}
		})
	}
}

// Confidence exactly at the threshold must pass: the comparison is >=, not >.
func TestEvaluateThresholdBoundaryInclusive(t *testing.T) {
	decision, err := Evaluate(leadWith(domain.BotLead), IntentSignal{IntentSeller, threshold}, threshold)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Outcome != OutcomeHandoff || decision.TargetBot != domain.BotSeller {
		t.Fatalf("confidence == threshold should hand off, got outcome %v target %s",
			decision.Outcome, decision.TargetBot)
	}
}

func TestEvaluateHotEscalationOverridesIntent(t *testing.T) {
	lead := leadWith(domain.BotSeller)
	lead.Temperature = domain.TempHot
	lead.QualificationComplete = true

	// Even a confident contradicting intent cannot outrank escalation.
	decision, err := Evaluate(lead, IntentSignal{IntentBuyer, 0.99}, threshold)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Outcome != OutcomeEscalate || decision.TargetBot != domain.BotHuman {
		t.Fatalf("hot qualified lead should escalate, got %v", decision.Outcome)
	}
}

func TestEvaluateHotWithoutQualificationDoesNotEscalate(t *testing.T) {
	lead := leadWith(domain.BotLead)
	lead.Temperature = domain.TempHot

	decision, err := Evaluate(lead, IntentSignal{IntentSeller, 0.85}, threshold)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Outcome != OutcomeHandoff || decision.TargetBot != domain.BotSeller {
		t.Fatalf("hot unqualified lead should still route by intent, got %v", decision.Outcome)
	}
}

func TestEvaluateUnroutableEnums(t *testing.T) {
	if _, err := Evaluate(domain.Lead{ActiveBot: "concierge"}, IntentSignal{IntentNone, 0}, threshold); !apperr.Is(err, apperr.KindUnroutable) {
		t.Errorf("unknown bot should be unroutable, got %v", err)
	}

	if _, err := Evaluate(leadWith(domain.BotLead), IntentSignal{"landlord", 0.9}, threshold); !apperr.Is(err, apperr.KindUnroutable) {
		t.Errorf("unknown intent should be unroutable, got %v", err)
	}
}
