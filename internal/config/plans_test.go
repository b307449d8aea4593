package config

import (
	"os"
	"path/filepath"
	"testing"

	"clinic-billing-service/internal/domain/billing"
	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogue = `
features:
  BASIC: [appointments]
  PRO: [appointments, blog]
plans:
  - {tier: BASIC, cycle: MONTHLY, provider_plan_id: P-B-M, price: "49.00", currency: USD}
  - {tier: PRO, cycle: MONTHLY, provider_plan_id: P-P-M, price: "99.00", currency: USD}
`

func TestPlanCatalogResolve(t *testing.T) {
	c, err := ParsePlanCatalog([]byte(catalogue))
	require.NoError(t, err)

	id, err := c.ResolvePlanID(billing.TierPro, billing.CycleMonthly)
	require.NoError(t, err)
	assert.Equal(t, "P-P-M", id)

	tier, cycle, ok := c.TierForPlanID("P-B-M")
	require.True(t, ok)
	assert.Equal(t, billing.TierBasic, tier)
	assert.Equal(t, billing.CycleMonthly, cycle)

	price, currency, ok := c.Price(billing.TierBasic, billing.CycleMonthly)
	require.True(t, ok)
	assert.Equal(t, "49.00", price)
	assert.Equal(t, "USD", currency)
	assert.Equal(t, []string{"appointments", "blog"}, c.Features(billing.TierPro))
}

func TestPlanCatalogUnmappedIsConfigurationError(t *testing.T) {
	c, err := ParsePlanCatalog([]byte(catalogue))
	require.NoError(t, err)

	_, err = c.ResolvePlanID(billing.TierEnterprise, billing.CycleYearly)
	var cfgErr *xerrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestPlanCatalogRejectsBadEntries(t *testing.T) {
	for name, body := range map[string]string{
		"unknown tier": `plans: [{tier: GOLD, cycle: MONTHLY, provider_plan_id: X}]`,
		"missing id":   `plans: [{tier: BASIC, cycle: MONTHLY}]`,
		"duplicate": `plans:
  - {tier: BASIC, cycle: MONTHLY, provider_plan_id: A}
  - {tier: BASIC, cycle: MONTHLY, provider_plan_id: B}`,
	} {
		_, err := ParsePlanCatalog([]byte(body))
		assert.Error(t, err, name)
	}
}

func TestShippedCatalogueCoversEveryTier(t *testing.T) {
	c, err := LoadPlanCatalog(filepath.Join("..", "..", "configs", "plans.yaml"))
	require.NoError(t, err)

	for _, tier := range []billing.PlanTier{billing.TierBasic, billing.TierPro, billing.TierEnterprise} {
		for _, cycle := range []billing.BillingCycle{billing.CycleMonthly, billing.CycleYearly} {
			_, err := c.ResolvePlanID(tier, cycle)
			assert.NoError(t, err, "%s/%s", tier, cycle)
		}
		assert.NotEmpty(t, c.Features(tier))
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("WEBHOOK_WORKERS", "9")
	t.Setenv("BREAKER_COOLDOWN", "30s")
	t.Setenv("REDIS_ADDR", "a:1,b:2")
	t.Setenv("PROVIDER_RATE_LIMIT", "not-a-number")

	cfg := Load()
	assert.Equal(t, 9, cfg.WebhookWorkers)
	assert.Equal(t, "30s", cfg.BreakerCooldown.String())
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.RedisAddrs)
	assert.Equal(t, float64(10), cfg.PayPal.RateLimit)
	assert.Equal(t, 3, cfg.WebhookMaxAttempts)
}

func TestLoadPlanCatalogMissingFile(t *testing.T) {
	_, err := LoadPlanCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
