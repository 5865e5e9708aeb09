package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"leadrouter_backend/platform/validator"

	"gopkg.in/yaml.v3"
)

// weightEpsilon is the tolerance for scoring weight sums. A weight set that
// does not sum to 1.0 within this tolerance is a configuration error, not
// something to normalize silently.
const weightEpsilon = 1e-6

// RequiredFieldMappings are the CRM custom-field keys every tenant must map
// before the first outbound write.
var RequiredFieldMappings = []string{
	"financial_readiness_score",
	"commitment_score",
	"temperature",
	"active_bot",
	"handoff_history",
	"conversation_context",
}

// CrmTenant holds the per-tenant CRM credentials and field mapping.
type CrmTenant struct {
	APIKey               string            `yaml:"api_key" validate:"required"`
	RequestsPerSecond    float64           `yaml:"requests_per_second"`
	Burst                int               `yaml:"burst"`
	Fields               map[string]string `yaml:"fields" validate:"required"`
	HotTag               string            `yaml:"hot_tag"`
	WarmTag              string            `yaml:"warm_tag"`
	ColdTag              string            `yaml:"cold_tag"`
	EscalationWorkflowID string            `yaml:"escalation_workflow_id"`
}

// ScoringParams holds the tenant's scoring weights and temperature cutoffs.
type ScoringParams struct {
	FRSWeights map[string]float64 `yaml:"frs_weights" validate:"required,min=1"`
	PCSWeights map[string]float64 `yaml:"pcs_weights" validate:"required,min=1"`
	// Temperature cutoffs. Hot wins when the combined score reaches
	// HotCombined or either score reaches HotSingle; Warm when the combined
	// score reaches WarmCombined; Cold otherwise.
	HotCombined  int `yaml:"hot_combined" validate:"required,min=1,max=200"`
	HotSingle    int `yaml:"hot_single" validate:"required,min=1,max=100"`
	WarmCombined int `yaml:"warm_combined" validate:"required,min=0,max=200"`
}

// HandoffParams holds the tenant's routing thresholds.
type HandoffParams struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"required,gt=0,lte=1"`
}

// FollowUpParams holds the tenant's follow-up cadence. Offsets are measured
// from the lead's entry into its current bot.
type FollowUpParams struct {
	Cadence          map[string]time.Duration `yaml:"cadence" validate:"required,min=1"`
	InactivityWindow time.Duration            `yaml:"inactivity_window" validate:"required"`
}

// Tenant is the full runtime parameter set for one CRM location.
type Tenant struct {
	ID            string         `yaml:"id" validate:"required"`
	WebhookSecret string         `yaml:"webhook_secret" validate:"required"`
	OperatorEmail string         `yaml:"operator_email" validate:"omitempty,email"`
	CRM           CrmTenant      `yaml:"crm" validate:"required"`
	Scoring       ScoringParams  `yaml:"scoring" validate:"required"`
	Handoff       HandoffParams  `yaml:"handoff" validate:"required"`
	FollowUp      FollowUpParams `yaml:"follow_up" validate:"required"`
}

// TenantRegistry is the validated set of tenants loaded at startup.
type TenantRegistry struct {
	byID map[string]*Tenant
}

type tenantsFile struct {
	Tenants []*Tenant `yaml:"tenants" validate:"required,min=1,dive"`
}

// LoadTenants reads and validates the tenant parameter file. Any invalid
// weight set or missing field mapping fails startup; there are no silent
// defaults for business parameters.
func LoadTenants(path string) (*TenantRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}

	var file tenantsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}

	val := validator.New()
	if err := val.Struct(&file); err != nil {
		return nil, fmt.Errorf("validate tenants file: %w", err)
	}

	registry := &TenantRegistry{byID: make(map[string]*Tenant, len(file.Tenants))}
	for _, tenant := range file.Tenants {
		if err := validateTenant(tenant); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenant.ID, err)
		}
		if _, exists := registry.byID[tenant.ID]; exists {
			return nil, fmt.Errorf("tenant %s: duplicate id", tenant.ID)
		}
		registry.byID[tenant.ID] = tenant
	}

	return registry, nil
}

// NewTenantRegistry builds a registry from already-validated tenants.
// Intended for tests; production code loads from the tenants file.
func NewTenantRegistry(tenants ...*Tenant) *TenantRegistry {
	registry := &TenantRegistry{byID: make(map[string]*Tenant, len(tenants))}
	for _, tenant := range tenants {
		registry.byID[tenant.ID] = tenant
	}
	return registry
}

// Get returns the tenant for the given CRM location ID.
func (r *TenantRegistry) Get(tenantID string) (*Tenant, bool) {
	tenant, ok := r.byID[tenantID]
	return tenant, ok
}

// All returns every configured tenant.
func (r *TenantRegistry) All() []*Tenant {
	out := make([]*Tenant, 0, len(r.byID))
	for _, tenant := range r.byID {
		out = append(out, tenant)
	}
	return out
}

func validateTenant(t *Tenant) error {
	if err := validateWeights("frs_weights", t.Scoring.FRSWeights); err != nil {
		return err
	}
	if err := validateWeights("pcs_weights", t.Scoring.PCSWeights); err != nil {
		return err
	}
	if t.Scoring.WarmCombined >= t.Scoring.HotCombined {
		return fmt.Errorf("warm_combined (%d) must be below hot_combined (%d)",
			t.Scoring.WarmCombined, t.Scoring.HotCombined)
	}
	for _, key := range RequiredFieldMappings {
		if t.CRM.Fields[key] == "" {
			return fmt.Errorf("crm field mapping %q is required", key)
		}
	}
	if t.CRM.RequestsPerSecond <= 0 {
		return fmt.Errorf("crm requests_per_second must be positive")
	}
	if t.CRM.Burst < 1 {
		return fmt.Errorf("crm burst must be at least 1")
	}
	for step, offset := range t.FollowUp.Cadence {
		if offset <= 0 {
			return fmt.Errorf("follow_up cadence step %q has non-positive offset", step)
		}
	}
	if t.FollowUp.InactivityWindow <= 0 {
		return fmt.Errorf("follow_up inactivity_window must be positive")
	}
	return nil
}

func validateWeights(name string, weights map[string]float64) error {
	var sum float64
	for component, weight := range weights {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("%s: component %q weight %v out of range [0,1]", name, component, weight)
		}
		sum += weight
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("%s: weights sum to %v, must sum to 1.0", name, sum)
	}
	return nil
}
