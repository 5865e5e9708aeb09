// Package handoff decides, per inbound signal, whether a lead stays with its
// current bot, moves to a different bot, or escalates to a human. The
// evaluator is a pure function over (lead, intent); it never allocates
// handoff records or touches storage. Applying the decision is the session
// machine's job.
package handoff

import (
	"fmt"

	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/apperr"
)

// Intent is the typed classification supplied by the NLU boundary.
type Intent string

const (
	IntentBuyer   Intent = "buyer"
	IntentSeller  Intent = "seller"
	IntentGeneral Intent = "general"
	IntentNone    Intent = "none"
)

// Valid reports whether the intent is a known enum value.
func (i Intent) Valid() bool {
	switch i {
	case IntentBuyer, IntentSeller, IntentGeneral, IntentNone:
		return true
	}
	return false
}

// IntentSignal pairs a detected intent with the classifier's confidence.
type IntentSignal struct {
	Intent     Intent
	Confidence float64
}

// Outcome enumerates the evaluator's possible decisions.
type Outcome int

const (
	// OutcomeStay keeps the current bot and advances its workflow.
	OutcomeStay Outcome = iota
	// OutcomeHandoff transfers ownership to TargetBot.
	OutcomeHandoff
	// OutcomeEscalate routes the lead to a human.
	OutcomeEscalate
)

// Decision is the evaluator's verdict for one signal.
type Decision struct {
	Outcome    Outcome
	TargetBot  domain.BotType
	Reason     string
	Confidence float64
}

// Evaluate applies the routing policy. The confidence comparison is
// inclusive: a signal exactly at the threshold passes. Unknown bot or
// intent enums return an Unroutable error; the caller routes those leads
// to a human rather than guessing.
func Evaluate(lead domain.Lead, sig IntentSignal, threshold float64) (Decision, error) {
	if !lead.ActiveBot.Valid() {
		return Decision{}, apperr.Unroutable(fmt.Sprintf("unknown active bot %q", lead.ActiveBot))
	}
	if !sig.Intent.Valid() {
		return Decision{}, apperr.Unroutable(fmt.Sprintf("unknown intent %q", sig.Intent))
	}

	if lead.ActiveBot == domain.BotHuman {
		return Decision{Outcome: OutcomeStay, Reason: "lead owned by human"}, nil
	}

	// Urgency overrides routing: a hot, fully qualified lead goes straight
	// to a person regardless of what the classifier says.
	if lead.Temperature == domain.TempHot && lead.QualificationComplete {
		return Decision{
			Outcome:    OutcomeEscalate,
			TargetBot:  domain.BotHuman,
			Reason:     "hot lead with completed qualification",
			Confidence: sig.Confidence,
		}, nil
	}

	target, routable := intentTarget(sig.Intent)
	if routable && sig.Confidence >= threshold && target != lead.ActiveBot {
		reason := "intent detected on intake"
		if lead.ActiveBot != domain.BotLead {
			reason = fmt.Sprintf("intent contradicts %s bot", lead.ActiveBot)
		}
		return Decision{
			Outcome:    OutcomeHandoff,
			TargetBot:  target,
			Reason:     reason,
			Confidence: sig.Confidence,
		}, nil
	}

	return Decision{Outcome: OutcomeStay, Reason: "no routing signal", Confidence: sig.Confidence}, nil
}

// intentTarget maps routable intents onto specialized bots. General and
// none intents never trigger a handoff.
func intentTarget(intent Intent) (domain.BotType, bool) {
	switch intent {
	case IntentBuyer:
		return domain.BotBuyer, true
	case IntentSeller:
		return domain.BotSeller, true
	}
	return "", false
}
