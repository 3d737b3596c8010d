package sim

import (
	"context"
	"testing"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testOwner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testEngine = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testPool   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func newTestScenario(t *testing.T) *Scenario {
	t.Helper()
	s, err := NewScenario(DefaultScenarioConfig(testOwner, testEngine, testPool))
	require.NoError(t, err)
	return s
}

func TestTokenRevertRestoresBalances(t *testing.T) {
	ctx := context.Background()
	w := NewWorld()
	tok := NewToken(w, common.HexToAddress("0x01"), "TKN")
	a, b := common.HexToAddress("0x0a"), common.HexToAddress("0x0b")
	require.NoError(t, tok.Mint(a, uint256.NewInt(100)))

	rev := w.Snapshot()
	require.NoError(t, tok.Transfer(ctx, a, b, uint256.NewInt(40)))
	require.NoError(t, tok.Approve(ctx, b, a, uint256.NewInt(5)))
	require.NoError(t, tok.Mint(b, uint256.NewInt(7)))
	assert.Equal(t, uint64(47), tok.Balance(b).Uint64())

	w.RevertToSnapshot(rev)
	assert.Equal(t, uint64(100), tok.Balance(a).Uint64())
	assert.True(t, tok.Balance(b).IsZero())
	assert.Equal(t, uint64(100), tok.TotalSupply().Uint64())
	allowance, err := tok.Allowance(ctx, b, a)
	require.NoError(t, err)
	assert.True(t, allowance.IsZero())
	assert.Equal(t, rev, w.JournalLen())
}

func TestTokenTransferInsufficientBalance(t *testing.T) {
	w := NewWorld()
	tok := NewToken(w, common.HexToAddress("0x01"), "TKN")
	err := tok.Transfer(context.Background(), testOwner, testEngine, uint256.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestTokenTransferFromNeedsAllowance(t *testing.T) {
	ctx := context.Background()
	w := NewWorld()
	tok := NewToken(w, common.HexToAddress("0x01"), "TKN")
	require.NoError(t, tok.Mint(testOwner, uint256.NewInt(10)))

	assert.Error(t, tok.TransferFrom(ctx, testEngine, testOwner, testEngine, uint256.NewInt(5)))
	require.NoError(t, tok.Approve(ctx, testOwner, testEngine, uint256.NewInt(5)))
	require.NoError(t, tok.TransferFrom(ctx, testEngine, testOwner, testEngine, uint256.NewInt(5)))
	left, err := tok.Allowance(ctx, testOwner, testEngine)
	require.NoError(t, err)
	assert.True(t, left.IsZero())
}

func TestVatRepayAndWithdrawClearsVault(t *testing.T) {
	ctx := context.Background()
	s := newTestScenario(t)
	s.Vat.SetRate("ETH-A", fixedpoint.MustParseUnits("1.05", fixedpoint.RayDecimals))

	v, err := s.Vat.Vault(ctx, s.VaultID)
	require.NoError(t, err)
	owedRad := new(uint256.Int).Mul(v.Art, fixedpoint.MustParseUnits("1.05", fixedpoint.RayDecimals))
	repay, err := fixedpoint.DivUp(owedRad, fixedpoint.Ray())
	require.NoError(t, err)

	require.NoError(t, s.DAI.Mint(testEngine, repay))
	require.NoError(t, s.DAI.Approve(ctx, testEngine, s.Vat.Address(), repay))
	require.NoError(t, s.Vat.RepayAndWithdraw(ctx, testEngine, s.VaultID, testOwner, repay, v.Ink))

	after, err := s.Vat.Vault(ctx, s.VaultID)
	require.NoError(t, err)
	assert.True(t, after.Art.IsZero())
	assert.True(t, after.Ink.IsZero())
	assert.True(t, s.WETH.Balance(testEngine).Eq(fixedpoint.Units(100)))
}

func TestVatRejectsStrangers(t *testing.T) {
	ctx := context.Background()
	s := newTestScenario(t)
	stranger := common.HexToAddress("0xbad")

	err := s.Vat.RepayAndWithdraw(ctx, stranger, s.VaultID, testOwner, fixedpoint.Zero(), fixedpoint.Units(1))
	assert.ErrorIs(t, err, errVatNotAllowed)

	err = s.Vat.RepayAndWithdraw(ctx, testEngine, s.VaultID, stranger, fixedpoint.Zero(), fixedpoint.Units(1))
	assert.ErrorIs(t, err, errVatOwner)

	ok, err := s.Vat.CanOperate(ctx, s.VaultID, testEngine)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Vat.CanOperate(ctx, s.VaultID, stranger)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVatRefusesUnsafeWithdrawal(t *testing.T) {
	s := newTestScenario(t)
	err := s.Vat.RepayAndWithdraw(context.Background(), testOwner, s.VaultID, testOwner, fixedpoint.Zero(), fixedpoint.Units(100))
	assert.ErrorIs(t, err, errVatNotSafe)
}

func TestTroveOpenThenAdjust(t *testing.T) {
	ctx := context.Background()
	s := newTestScenario(t)
	require.NoError(t, s.OpenTrove(testOwner, fixedpoint.Units(10), fixedpoint.Units(2000)))

	tr, err := s.Troves.Trove(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, domain.TroveActive, tr.Status)
	// 2000 drawn + 10 fee + 200 gas compensation.
	assert.Equal(t, fixedpoint.Units(2210).Dec(), tr.Debt.Dec())
	assert.True(t, s.LUSD.Balance(testOwner).Eq(fixedpoint.Units(2000)))

	require.NoError(t, s.OpenTrove(testOwner, fixedpoint.Units(1), fixedpoint.Units(100)))
	tr, err = s.Troves.Trove(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Units(11).Dec(), tr.Collateral.Dec())
	assert.Equal(t, fixedpoint.MustParseUnits("2310.5", 18).Dec(), tr.Debt.Dec())
}

func TestTroveMinimums(t *testing.T) {
	s := newTestScenario(t)
	err := s.OpenTrove(testOwner, fixedpoint.Units(10), fixedpoint.Units(1000))
	assert.ErrorIs(t, err, domain.ErrBelowMinimumCollateral)

	err = s.OpenTrove(testOwner, fixedpoint.Units(1), fixedpoint.Units(5000))
	assert.ErrorIs(t, err, domain.ErrBelowMinimumCollateral)
}

func TestTroveMaxFee(t *testing.T) {
	ctx := context.Background()
	s := newTestScenario(t)
	require.NoError(t, s.WETH.Mint(testOwner, fixedpoint.Units(10)))
	require.NoError(t, s.WETH.Approve(ctx, testOwner, s.Troves.Address(), fixedpoint.Units(10)))
	err := s.Troves.OpenOrAdjust(ctx, testOwner, testOwner, fixedpoint.Units(10), fixedpoint.Units(3000), fixedpoint.MustParseUnits("0.001", 18))
	assert.ErrorIs(t, err, errTroveFeeTooHigh)
}

func TestPoolQuoteIsSufficient(t *testing.T) {
	ctx := context.Background()
	s := newTestScenario(t)
	want := fixedpoint.Units(5015)

	in, err := s.Pool.QuoteExactOutput(ctx, LUSDAddress, DAIAddress, want)
	require.NoError(t, err)

	require.NoError(t, s.LUSD.Mint(testEngine, in))
	require.NoError(t, s.LUSD.Approve(ctx, testEngine, s.Pool.Address(), in))
	out, err := s.Pool.Swap(ctx, testEngine, LUSDAddress, in, want, testEngine)
	require.NoError(t, err)
	assert.False(t, out.Lt(want))
	assert.True(t, s.DAI.Balance(testEngine).Eq(out))
}

func TestPoolSwapPriceLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestScenario(t)
	amount := fixedpoint.Units(100)
	require.NoError(t, s.LUSD.Mint(testEngine, amount))
	require.NoError(t, s.LUSD.Approve(ctx, testEngine, s.Pool.Address(), amount))

	_, err := s.Pool.Swap(ctx, testEngine, LUSDAddress, amount, amount, testEngine)
	assert.ErrorIs(t, err, domain.ErrPriceLimit)
	assert.True(t, s.LUSD.Balance(testEngine).Eq(amount))
}

type repayCallback struct {
	tok   *Token
	from  common.Address
	repay bool
}

func (c repayCallback) OnFlash(ctx context.Context, sender common.Address, fee0, fee1 *uint256.Int, _ []byte) error {
	if !c.repay {
		return nil
	}
	fee := fee0
	if fee.IsZero() {
		fee = fee1
	}
	amount := new(uint256.Int).Add(fixedpoint.Units(1000), fee)
	if err := c.tok.Mint(c.from, fee); err != nil {
		return err
	}
	return c.tok.Transfer(ctx, c.from, sender, amount)
}

func TestPoolFlash(t *testing.T) {
	ctx := context.Background()
	s := newTestScenario(t)
	amount0, amount1 := fixedpoint.Units(1000), fixedpoint.Zero()
	tok := s.DAI
	if s.Pool.Token0() != DAIAddress {
		amount0, amount1 = amount1, amount0
	}
	r0, r1, err := s.Pool.Reserves(ctx)
	require.NoError(t, err)

	rev := s.World.Snapshot()
	err = s.Pool.Flash(ctx, testEngine, amount0, amount1, nil, repayCallback{tok: tok, from: testEngine})
	assert.ErrorIs(t, err, domain.ErrFlashNotRepaid)
	s.World.RevertToSnapshot(rev)
	assert.True(t, tok.Balance(testEngine).IsZero())

	require.NoError(t, s.Pool.Flash(ctx, testEngine, amount0, amount1, nil, repayCallback{tok: tok, from: testEngine, repay: true}))
	n0, n1, err := s.Pool.Reserves(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, new(uint256.Int).Add(n0, n1).Cmp(new(uint256.Int).Add(r0, r1)))

	s.World.RevertToSnapshot(rev)
	n0, n1, err = s.Pool.Reserves(ctx)
	require.NoError(t, err)
	assert.True(t, n0.Eq(r0))
	assert.True(t, n1.Eq(r1))
}
