package plans

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/models"
)

func defaultPlans() config.PlansConfig {
	return config.PlansConfig{
		TrialLimit: 10,
		Basic:      config.PlanConfig{Limit: 20, Amount: "50000", Label: "Plan Básico"},
		Standard:   config.PlanConfig{Limit: 50, Amount: "70000", Label: "Plan Estándar"},
		Premium:    config.PlanConfig{Limit: 100, Amount: "80000", Label: "Plan Premium"},
	}
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(defaultPlans())
	require.NoError(t, err)

	assert.Equal(t, 10, c.Limit(models.PlanTrial))
	assert.Equal(t, 20, c.Limit(models.PlanBasic))
	assert.Equal(t, 50, c.Limit(models.PlanStandard))
	assert.Equal(t, 100, c.Limit(models.PlanPremium))
	assert.Equal(t, 10, c.Limit(models.Plan("enterprise")), "unknown plans fall back to the trial ceiling")
	assert.Len(t, c.PaidTiers(), 3)
}

func TestPlanForAmount(t *testing.T) {
	c, err := FromConfig(defaultPlans())
	require.NoError(t, err)

	tests := []struct {
		amount string
		plan   models.Plan
		found  bool
	}{
		{"50000", models.PlanBasic, true},
		{"70000", models.PlanStandard, true},
		{"70000.00", models.PlanStandard, true},
		{"80000", models.PlanPremium, true},
		{"12345", "", false},
		{"0", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			plan, ok := c.PlanForAmount(decimal.RequireFromString(tt.amount))
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.plan, plan)
		})
	}
}

func TestNewRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name  string
		tiers []Tier
	}{
		{"missing trial", []Tier{{Plan: models.PlanBasic, Limit: 20, Amount: decimal.NewFromInt(1)}}},
		{"zero limit", []Tier{{Plan: models.PlanTrial, Limit: 0}}},
		{"unknown plan", []Tier{{Plan: "gold", Limit: 1}}},
		{"paid without amount", []Tier{
			{Plan: models.PlanTrial, Limit: 10},
			{Plan: models.PlanBasic, Limit: 20},
		}},
		{"shared amount", []Tier{
			{Plan: models.PlanTrial, Limit: 10},
			{Plan: models.PlanBasic, Limit: 20, Amount: decimal.NewFromInt(5)},
			{Plan: models.PlanPremium, Limit: 100, Amount: decimal.NewFromInt(5)},
		}},
		{"duplicate plan", []Tier{
			{Plan: models.PlanTrial, Limit: 10},
			{Plan: models.PlanTrial, Limit: 15},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tiers...)
			assert.Error(t, err)
		})
	}
}

func TestFromConfigInvalidAmount(t *testing.T) {
	cfg := defaultPlans()
	cfg.Premium.Amount = "lots"
	_, err := FromConfig(cfg)
	assert.Error(t, err)
}
