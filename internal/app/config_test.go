package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 10.0, cfg.TaxRatePercent)
	assert.Equal(t, 7, cfg.SignatureExpiryDays)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, "*/15 * * * *", cfg.SweepCron)

	engine := cfg.EngineConfig()
	require.NotNil(t, engine.TaxRatePercent)
	assert.Equal(t, 10.0, *engine.TaxRatePercent)
	assert.Equal(t, proposals.TimeoutReject, engine.TimeoutPolicy)
	assert.Equal(t, 1000000.0, engine.MaxFinalAmount)
	assert.False(t, engine.LegacySingleApproval)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PROPOSAL_TAX_RATE", "0")
	t.Setenv("PROPOSAL_TIMEOUT_POLICY", "notify")
	t.Setenv("PROPOSAL_LEGACY_SINGLE_APPROVAL", "true")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())

	engine := cfg.EngineConfig()
	require.NotNil(t, engine.TaxRatePercent)
	assert.Zero(t, *engine.TaxRatePercent)
	assert.Equal(t, proposals.TimeoutNotify, engine.TimeoutPolicy)
	assert.True(t, engine.LegacySingleApproval)
}

func TestLoadConfigRejectsUnknownTimeoutPolicy(t *testing.T) {
	t.Setenv("PROPOSAL_TIMEOUT_POLICY", "escalate")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROPOSAL_TIMEOUT_POLICY")
}

func TestLoadConfigRejectsNegativeTax(t *testing.T) {
	t.Setenv("PROPOSAL_TAX_RATE", "-1")
	_, err := LoadConfig()
	assert.Error(t, err)
}
