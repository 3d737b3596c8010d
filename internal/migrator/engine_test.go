package migrator

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/alanyoungcy/vaultshift/internal/flash"
	"github.com/alanyoungcy/vaultshift/internal/sim"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	engineID = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type harness struct {
	s      *sim.Scenario
	engine *Engine
	broker *flash.Broker
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*sim.ScenarioConfig)) *harness {
	t.Helper()
	key := flash.NewPoolKey(sim.DAIAddress, sim.LUSDAddress, 3000)
	verifier := flash.NewPoolVerifier(flash.UniswapV3Factory, flash.UniswapV3InitCodeHash, key)
	cfg := sim.DefaultScenarioConfig(owner, engineID, verifier.Expected())
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := sim.NewScenario(cfg)
	require.NoError(t, err)
	return newHarnessFor(t, s, verifier, s.Troves)
}

func newHarnessFor(t *testing.T, s *sim.Scenario, verifier *flash.PoolVerifier, dest domain.DestinationLedger) *harness {
	t.Helper()
	broker, err := flash.NewBroker(s.Pool, verifier, engineID, discardLogger())
	require.NoError(t, err)
	e, err := New(Config{Self: engineID, FeeRecipient: operator}, s.Vat, dest, broker, s.World, discardLogger())
	require.NoError(t, err)
	return &harness{s: s, engine: e, broker: broker}
}

func (h *harness) request() domain.MigrationRequest {
	return domain.MigrationRequest{
		PositionID:       h.s.VaultID,
		MaxSlippageBps:   500,
		DestinationOwner: owner,
		CollateralOwner:  owner,
	}
}

// snapshot captures every observable amount in the world.
type snapshot struct {
	Vault    domain.Vault
	Trove    domain.Trove
	Balances map[string]string
	Reserve0 string
	Reserve1 string
	Journal  int
}

func (h *harness) snapshot(t *testing.T) snapshot {
	t.Helper()
	ctx := context.Background()
	v, err := h.s.Vat.Vault(ctx, h.s.VaultID)
	require.NoError(t, err)
	tr, err := h.s.Troves.Trove(ctx, owner)
	require.NoError(t, err)
	r0, r1, err := h.s.Pool.Reserves(ctx)
	require.NoError(t, err)

	balances := make(map[string]string)
	accounts := []common.Address{owner, engineID, operator, h.s.Pool.Address(), h.s.Vat.Address(), h.s.Troves.Address(), sim.GasPoolAddress, sim.FeeSinkAddress}
	for _, tok := range []*sim.Token{h.s.DAI, h.s.LUSD, h.s.WETH} {
		for _, a := range accounts {
			balances[tok.Symbol()+"/"+a.Hex()] = tok.Balance(a).Dec()
		}
		balances[tok.Symbol()+"/supply"] = tok.TotalSupply().Dec()
	}
	return snapshot{Vault: v, Trove: tr, Balances: balances, Reserve0: r0.Dec(), Reserve1: r1.Dec(), Journal: h.s.World.JournalLen()}
}

func TestMigrateIntoEmptyDestination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := h.request()

	rc, err := h.engine.Migrate(ctx, owner, req)
	require.NoError(t, err)

	// Full repay and withdraw.
	src, err := h.engine.Position(ctx, req.PositionID)
	require.NoError(t, err)
	assert.True(t, src.Debt.IsZero())
	assert.True(t, src.Collateral.IsZero())

	// Destination holds migrated collateral minus the 3% fee.
	dst, err := h.engine.Trove(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.TroveActive, dst.Status)
	assert.Equal(t, fixedpoint.Units(97).Dec(), dst.Collateral.Dec())
	assert.False(t, dst.Debt.Lt(rc.Drawn))

	// Fee exactness.
	assert.Equal(t, fixedpoint.Units(3).Dec(), rc.Fee.Dec())
	assert.Equal(t, fixedpoint.Units(3).Dec(), h.s.WETH.Balance(operator).Dec())

	// Loan was 5000 at 0.3%.
	assert.Equal(t, fixedpoint.Units(5000).Dec(), rc.FlashBorrowed.Dec())
	assert.Equal(t, fixedpoint.Units(15).Dec(), rc.FlashFee.Dec())
	assert.False(t, rc.Converted.Lt(fixedpoint.Units(5015)))

	// Engine exits flat.
	assert.True(t, h.s.DAI.Balance(engineID).IsZero())
	assert.True(t, h.s.LUSD.Balance(engineID).IsZero())
	assert.True(t, h.s.WETH.Balance(engineID).IsZero())
	assert.Nil(t, h.broker.Active())
	assert.Equal(t, domain.StateIdle, h.engine.State())

	// The owner kept the original 5000 DAI and any conversion surplus.
	assert.Equal(t, new(uint256.Int).Add(fixedpoint.Units(5000), rc.Surplus).Dec(), h.s.DAI.Balance(owner).Dec())
	assert.Equal(t, rc.ID != "", true)
	assert.False(t, rc.CompletedAt.IsZero())
}

func TestMigrateIntoExistingTrove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *sim.ScenarioConfig) {
		c.ExistingTroveCollateral = fixedpoint.Units(10)
		c.ExistingTroveDebt = fixedpoint.Units(2000)
	})
	before, err := h.engine.Trove(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, domain.TroveActive, before.Status)

	rc, err := h.engine.Migrate(ctx, owner, h.request())
	require.NoError(t, err)

	after, err := h.engine.Trove(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Add(before.Collateral, fixedpoint.Units(97)).Dec(), after.Collateral.Dec())
	assert.False(t, after.Debt.Lt(new(uint256.Int).Add(before.Debt, rc.Drawn)))
	assert.Equal(t, before.Collateral.Dec(), rc.DestinationBefore.Collateral.Dec())
	assert.Equal(t, after.Collateral.Dec(), rc.DestinationAfter.Collateral.Dec())
	assert.Equal(t, fixedpoint.Units(3).Dec(), h.s.WETH.Balance(operator).Dec())
}

func TestMigrateWithAccruedRate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.s.Vat.SetRate("ETH-A", fixedpoint.MustParseUnits("1.023456789012345678901234567", fixedpoint.RayDecimals))

	pos, err := h.engine.Position(ctx, h.s.VaultID)
	require.NoError(t, err)
	require.True(t, pos.Repay.Gt(fixedpoint.Units(5000)))

	rc, err := h.engine.Migrate(ctx, owner, h.request())
	require.NoError(t, err)
	assert.Equal(t, pos.Repay.Dec(), rc.RepaidDebt.Dec())

	src, err := h.engine.Position(ctx, h.s.VaultID)
	require.NoError(t, err)
	assert.True(t, src.IsEmpty())
	assert.True(t, h.s.DAI.Balance(engineID).IsZero())
}

func TestMigrateSlippageExceededLeavesStateIdentical(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *sim.ScenarioConfig) {
		c.PoolDAI = fixedpoint.Units(20_000)
		c.PoolLUSD = fixedpoint.Units(5_000)
	})
	before := h.snapshot(t)

	_, err := h.engine.Migrate(ctx, owner, h.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Equal(t, domain.KindSlippageExceeded, domain.KindOf(err))
	assert.Equal(t, before, h.snapshot(t))
	assert.True(t, h.s.WETH.Balance(operator).IsZero())
}

func TestMigrateLooserSlippageSucceedsAfterFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *sim.ScenarioConfig) {
		c.PoolDAI = fixedpoint.Units(20_000)
		c.PoolLUSD = fixedpoint.Units(5_000)
	})
	req := h.request()
	_, err := h.engine.Migrate(ctx, owner, req)
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	req.MaxSlippageBps = 10_000
	_, err = h.engine.Migrate(ctx, owner, req)
	require.NoError(t, err)
}

func TestMigrateUnauthorizedCaller(t *testing.T) {
	h := newHarness(t, nil)
	before := h.snapshot(t)

	_, err := h.engine.Migrate(context.Background(), stranger, h.request())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, before, h.snapshot(t))
}

func TestMigrateUnknownPositionIsUnauthorized(t *testing.T) {
	h := newHarness(t, nil)
	req := h.request()
	req.PositionID = 999
	_, err := h.engine.Migrate(context.Background(), owner, req)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestMigrateEmptyPositionFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.engine.Migrate(ctx, owner, h.request())
	require.NoError(t, err)
	feeAfterFirst := h.s.WETH.Balance(operator)
	before := h.snapshot(t)

	_, err = h.engine.Migrate(ctx, owner, h.request())
	assert.ErrorIs(t, err, domain.ErrInsufficientCollateral)
	assert.Equal(t, before, h.snapshot(t))
	assert.Equal(t, feeAfterFirst.Dec(), h.s.WETH.Balance(operator).Dec())
}

func TestMigrateCollateralOwnerMismatch(t *testing.T) {
	h := newHarness(t, nil)
	before := h.snapshot(t)
	req := h.request()
	req.CollateralOwner = stranger

	_, err := h.engine.Migrate(context.Background(), owner, req)
	assert.ErrorIs(t, err, domain.ErrLedgerCallFailed)
	assert.Equal(t, domain.KindLedgerCallFailed, domain.KindOf(err))
	assert.Equal(t, before, h.snapshot(t))
}

func TestMigrateBelowDestinationMinimumReverts(t *testing.T) {
	h := newHarness(t, func(c *sim.ScenarioConfig) {
		// 100 ETH at 55 is worth 5500, too little for ~5300 of debt at 110%.
		c.Price = fixedpoint.Units(55)
	})
	before := h.snapshot(t)

	_, err := h.engine.Migrate(context.Background(), owner, h.request())
	assert.ErrorIs(t, err, domain.ErrInsufficientCollateral)
	assert.Equal(t, before, h.snapshot(t))
}

func TestMigrateWithoutDebtSkipsLoan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *sim.ScenarioConfig) {
		c.VaultDebt = fixedpoint.Zero()
		c.ExistingTroveCollateral = fixedpoint.Units(10)
		c.ExistingTroveDebt = fixedpoint.Units(2000)
	})
	rc, err := h.engine.Migrate(ctx, owner, h.request())
	require.NoError(t, err)
	assert.True(t, rc.FlashBorrowed.IsZero())
	assert.True(t, rc.Drawn.IsZero())

	dst, err := h.engine.Trove(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(107).Dec(), dst.Collateral.Dec())
}

func TestMigrateRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	req := h.request()
	req.MaxSlippageBps = 10_001
	_, err := h.engine.Migrate(context.Background(), owner, req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	req = h.request()
	req.DestinationOwner = common.Address{}
	_, err = h.engine.Migrate(context.Background(), owner, req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

// reentrantLedger calls back into the engine while the destination is being
// funded.
type reentrantLedger struct {
	*sim.TroveManager
	engine *Engine
	req    domain.MigrationRequest
	err    error
}

func (l *reentrantLedger) OpenOrAdjust(ctx context.Context, actor, owner common.Address, coll, draw, maxFee *uint256.Int) error {
	_, l.err = l.engine.Migrate(ctx, owner, l.req)
	return l.err
}

func TestMigrateRejectsReentry(t *testing.T) {
	key := flash.NewPoolKey(sim.DAIAddress, sim.LUSDAddress, 3000)
	verifier := flash.NewPoolVerifier(flash.UniswapV3Factory, flash.UniswapV3InitCodeHash, key)
	s, err := sim.NewScenario(sim.DefaultScenarioConfig(owner, engineID, verifier.Expected()))
	require.NoError(t, err)

	ledger := &reentrantLedger{TroveManager: s.Troves}
	h := newHarnessFor(t, s, verifier, ledger)
	ledger.engine = h.engine
	ledger.req = h.request()
	before := h.snapshot(t)

	_, err = h.engine.Migrate(context.Background(), owner, h.request())
	require.Error(t, err)
	assert.ErrorIs(t, ledger.err, domain.ErrReentrancyDetected)
	assert.Equal(t, domain.KindReentrancyDetected, domain.KindOf(err))
	assert.Equal(t, before, h.snapshot(t))
	assert.Equal(t, domain.StateIdle, h.engine.State())
}

func TestPlanMatchesMigration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	before := h.snapshot(t)

	plan, err := h.engine.Plan(ctx, h.request())
	require.NoError(t, err)
	assert.Equal(t, before, h.snapshot(t))
	assert.True(t, plan.WithinSlippage)
	assert.Equal(t, fixedpoint.Units(3).Dec(), plan.Fee.Dec())
	assert.Equal(t, fixedpoint.Units(5015).Dec(), plan.FlashOwed.Dec())

	rc, err := h.engine.Migrate(ctx, owner, h.request())
	require.NoError(t, err)
	assert.Equal(t, plan.QuotedIn.Dec(), rc.Drawn.Dec())
}

func TestPlanFlagsSlippage(t *testing.T) {
	h := newHarness(t, func(c *sim.ScenarioConfig) {
		c.PoolDAI = fixedpoint.Units(20_000)
		c.PoolLUSD = fixedpoint.Units(5_000)
	})
	plan, err := h.engine.Plan(context.Background(), h.request())
	require.NoError(t, err)
	assert.False(t, plan.WithinSlippage)
	assert.True(t, plan.QuotedIn.Gt(plan.MaxIn))
}

func TestNewRejectsMismatchedPool(t *testing.T) {
	key := flash.NewPoolKey(sim.DAIAddress, sim.LUSDAddress, 3000)
	verifier := flash.NewPoolVerifier(flash.UniswapV3Factory, flash.UniswapV3InitCodeHash, key)
	s, err := sim.NewScenario(sim.DefaultScenarioConfig(owner, engineID, verifier.Expected()))
	require.NoError(t, err)
	broker, err := flash.NewBroker(s.Pool, verifier, engineID, discardLogger())
	require.NoError(t, err)

	other := sim.NewToken(s.World, common.HexToAddress("0x1111"), "OTHER")
	vat := sim.NewVat(s.World, sim.VatAddress, other, s.WETH)
	_, err = New(Config{Self: engineID, FeeRecipient: operator}, vat, s.Troves, broker, s.World, discardLogger())
	assert.Error(t, err)

	_, err = New(Config{Self: engineID}, s.Vat, s.Troves, broker, s.World, discardLogger())
	assert.Error(t, err)
}
