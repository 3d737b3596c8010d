package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultshift/internal/config"
	"github.com/alanyoungcy/vaultshift/internal/crypto"
	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func simulateConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "simulate"
	cfg.Operator.PrivateKey = testKey
	return &cfg
}

func TestWireFallsBackToMemory(t *testing.T) {
	cfg := simulateConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Records)
	assert.NotNil(t, deps.Nonces)
	assert.NotNil(t, deps.Bus)
	assert.NotNil(t, deps.Notifier)
	assert.Nil(t, deps.Audit)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.Limiter)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Health)
}

func TestBuildSimulationDefaultsToOperator(t *testing.T) {
	cfg := simulateConfig()
	key, err := operatorKey(cfg)
	require.NoError(t, err)
	operator := crypto.NewSigner(key, crypto.Domain{}).Address()

	s, err := buildSimulation(cfg, key, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, operator, s.scenario.Owner)
	assert.Equal(t, operator, s.engine.FeeRecipient())
	assert.Equal(t, common.HexToAddress(cfg.Engine.Address), s.engine.Self())
	assert.Equal(t, domain.StateIdle, s.engine.State())

	pos, err := s.engine.Position(context.Background(), s.scenario.VaultID)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(100), pos.Collateral)
}

func TestBuildSimulationNeedsAnIdentity(t *testing.T) {
	cfg := simulateConfig()
	_, err := buildSimulation(cfg, nil, discardLogger())
	assert.ErrorContains(t, err, "simulation.owner")

	cfg.Simulation.Owner = "0x00000000000000000000000000000000000000a1"
	_, err = buildSimulation(cfg, nil, discardLogger())
	assert.ErrorContains(t, err, "engine.fee_recipient")
}

func TestBuildSimulationRejectsBadAmounts(t *testing.T) {
	cfg := simulateConfig()
	key, err := operatorKey(cfg)
	require.NoError(t, err)

	cfg.Simulation.PoolDAI = "lots"
	_, err = buildSimulation(cfg, key, discardLogger())
	assert.ErrorContains(t, err, "simulation.pool_dai")
}

func TestOperatorKeyOptional(t *testing.T) {
	cfg := config.Defaults()
	key, err := operatorKey(&cfg)
	require.NoError(t, err)
	assert.Nil(t, key)

	cfg.Operator.PrivateKey = "not-hex"
	_, err = operatorKey(&cfg)
	assert.Error(t, err)
}

func TestSimulateModeMigratesSeededVault(t *testing.T) {
	cfg := simulateConfig()
	a := New(cfg, discardLogger())
	defer a.Close()

	require.NoError(t, a.Run(context.Background()))
}

func TestSimulateModeReportsSlippage(t *testing.T) {
	cfg := simulateConfig()
	cfg.Simulation.MaxSlippageBps = 0
	a := New(cfg, discardLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindSlippageExceeded, domain.KindOf(err))
}
