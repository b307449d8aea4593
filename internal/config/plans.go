package config

import (
	"fmt"
	"os"

	"clinic-billing-service/internal/domain/billing"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"gopkg.in/yaml.v3"
)

// PlanEntry is one (tier, cycle) row of the plan catalogue.
type PlanEntry struct {
	Tier           billing.PlanTier     `yaml:"tier"`
	Cycle          billing.BillingCycle `yaml:"cycle"`
	ProviderPlanID string               `yaml:"provider_plan_id"`
	Price          string               `yaml:"price"`
	Currency       string               `yaml:"currency"`
}

type planFile struct {
	Features map[billing.PlanTier][]string `yaml:"features"`
	Plans    []PlanEntry                   `yaml:"plans"`
}

type planKey struct {
	tier  billing.PlanTier
	cycle billing.BillingCycle
}

// PlanCatalog resolves tiers to provider plan ids and back.
type PlanCatalog struct {
	byKey    map[planKey]PlanEntry
	byPlanID map[string]PlanEntry
	features map[billing.PlanTier][]string
}

// LoadPlanCatalog reads the YAML catalogue at path.
func LoadPlanCatalog(path string) (*PlanCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalogue %s: %w", path, err)
	}
	return ParsePlanCatalog(raw)
}

func ParsePlanCatalog(raw []byte) (*PlanCatalog, error) {
	var f planFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalogue: %w", err)
	}

	c := &PlanCatalog{
		byKey:    make(map[planKey]PlanEntry, len(f.Plans)),
		byPlanID: make(map[string]PlanEntry, len(f.Plans)),
		features: f.Features,
	}
	for _, p := range f.Plans {
		if !p.Tier.Valid() || !p.Cycle.Valid() {
			return nil, fmt.Errorf("plan catalogue: invalid entry %s/%s", p.Tier, p.Cycle)
		}
		if p.ProviderPlanID == "" {
			return nil, fmt.Errorf("plan catalogue: %s/%s has no provider_plan_id", p.Tier, p.Cycle)
		}
		k := planKey{p.Tier, p.Cycle}
		if _, dup := c.byKey[k]; dup {
			return nil, fmt.Errorf("plan catalogue: duplicate entry %s/%s", p.Tier, p.Cycle)
		}
		c.byKey[k] = p
		c.byPlanID[p.ProviderPlanID] = p
	}
	return c, nil
}

// ResolvePlanID returns the provider plan id for (tier, cycle).
func (c *PlanCatalog) ResolvePlanID(tier billing.PlanTier, cycle billing.BillingCycle) (string, error) {
	p, ok := c.byKey[planKey{tier, cycle}]
	if !ok {
		return "", &xerrors.ConfigurationError{Message: fmt.Sprintf("no provider plan configured for %s/%s", tier, cycle)}
	}
	return p.ProviderPlanID, nil
}

// TierForPlanID maps a provider plan id back to its tier and cycle.
func (c *PlanCatalog) TierForPlanID(planID string) (billing.PlanTier, billing.BillingCycle, bool) {
	p, ok := c.byPlanID[planID]
	if !ok {
		return "", "", false
	}
	return p.Tier, p.Cycle, true
}

// Price returns the configured price for (tier, cycle).
func (c *PlanCatalog) Price(tier billing.PlanTier, cycle billing.BillingCycle) (string, string, bool) {
	p, ok := c.byKey[planKey{tier, cycle}]
	if !ok {
		return "", "", false
	}
	return p.Price, p.Currency, true
}

func (c *PlanCatalog) Features(tier billing.PlanTier) []string {
	return c.features[tier]
}
