// Package scoring computes the two qualification scores and the derived
// temperature. The engine is pure: it returns new values and never writes
// lead state itself.
package scoring

import (
	"fmt"
	"math"

	"leadrouter_backend/internal/leads/domain"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/config"
)

// Signal carries weighted qualification answers extracted from the
// conversation. Components are cumulative snapshots in [0,1]; the NLU
// boundary produces them, the engine only validates and combines them.
type Signal struct {
	Components map[string]float64
}

// Result is the engine's output for one signal.
type Result struct {
	FinancialReadiness int
	PsychCommitment    int
	Temperature        domain.Temperature
}

// Engine combines signals into scores using tenant-configured weights.
type Engine struct {
	params config.ScoringParams
}

// NewEngine creates a scoring engine for one tenant's parameter set.
// Weight validation happened at config load; the engine trusts its inputs.
func NewEngine(params config.ScoringParams) *Engine {
	return &Engine{params: params}
}

// Update computes new scores and temperature from a signal. A malformed
// signal (missing weighted component, out-of-range value) returns an
// InvalidSignal error and the caller must leave the lead untouched.
func (e *Engine) Update(sig Signal) (Result, error) {
	if err := validateSignal(sig, e.params.FRSWeights); err != nil {
		return Result{}, err
	}
	if err := validateSignal(sig, e.params.PCSWeights); err != nil {
		return Result{}, err
	}

	frs := weightedScore(sig.Components, e.params.FRSWeights)
	pcs := weightedScore(sig.Components, e.params.PCSWeights)

	return Result{
		FinancialReadiness: frs,
		PsychCommitment:    pcs,
		Temperature:        DeriveTemperature(frs, pcs, e.params),
	}, nil
}

// DeriveTemperature maps a score pair onto the tenant's cutoffs. The mapping
// is monotonic: raising either score can never lower the temperature.
func DeriveTemperature(frs, pcs int, params config.ScoringParams) domain.Temperature {
	if frs+pcs >= params.HotCombined || frs >= params.HotSingle || pcs >= params.HotSingle {
		return domain.TempHot
	}
	if frs+pcs >= params.WarmCombined {
		return domain.TempWarm
	}
	return domain.TempCold
}

func validateSignal(sig Signal, weights map[string]float64) error {
	for component := range weights {
		value, ok := sig.Components[component]
		if !ok {
			return apperr.InvalidSignal(fmt.Sprintf("signal missing component %q", component))
		}
		if value < 0 || value > 1 || math.IsNaN(value) {
			return apperr.InvalidSignal(fmt.Sprintf("signal component %q out of range: %v", component, value))
		}
	}
	return nil
}

func weightedScore(components, weights map[string]float64) int {
	var sum float64
	for component, weight := range weights {
		sum += weight * components[component]
	}
	score := int(math.Round(sum * 100))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
