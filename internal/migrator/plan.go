package migrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/vaultshift/internal/adapter"
	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fee"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/alanyoungcy/vaultshift/internal/flash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Conversion is a priced conversion of the destination debt asset into the
// bridging asset.
type Conversion struct {
	AmountOut *uint256.Int
	// ExpectedIn is the input at the observed pre-trade spot price.
	ExpectedIn *uint256.Int
	// QuotedIn is the input the pool actually requires, fees included.
	QuotedIn *uint256.Int
	// MaxIn is ExpectedIn widened by the slippage bound.
	MaxIn *uint256.Int
}

// WithinSlippage reports whether the quote respects the slippage bound.
func (c Conversion) WithinSlippage() bool {
	return !c.QuotedIn.Gt(c.MaxIn)
}

// QuoteConversion prices receiving exactly amountOut of assetOut for
// assetIn against pool, and the most the caller accepts to pay given
// maxSlippageBps over the pre-trade spot price.
func QuoteConversion(ctx context.Context, pool domain.PoolQuoter, assetIn, assetOut common.Address, amountOut *uint256.Int, maxSlippageBps uint32) (Conversion, error) {
	r0, r1, err := pool.Reserves(ctx)
	if err != nil {
		return Conversion{}, domain.NewLedgerError("pool", "reserves", err)
	}
	rIn, rOut := r0, r1
	if assetIn == pool.Token1() {
		rIn, rOut = r1, r0
	}
	if rOut.IsZero() {
		return Conversion{}, domain.NewLedgerError("pool", "reserves", errors.New("empty reserves"))
	}
	expected, err := fixedpoint.MulDivUp(amountOut, rIn, rOut)
	if err != nil {
		return Conversion{}, fmt.Errorf("migrator: expected input: %w", err)
	}
	maxIn, err := fixedpoint.Bps(expected, fixedpoint.BpsDenominator+uint64(maxSlippageBps), fixedpoint.RoundDown)
	if err != nil {
		return Conversion{}, fmt.Errorf("migrator: max input: %w", err)
	}
	quoted, err := pool.QuoteExactOutput(ctx, assetIn, assetOut, amountOut)
	if err != nil {
		return Conversion{}, domain.NewLedgerError("pool", "quote", err)
	}
	return Conversion{
		AmountOut:  amountOut.Clone(),
		ExpectedIn: expected,
		QuotedIn:   quoted,
		MaxIn:      maxIn,
	}, nil
}

// Planner previews migrations from read-only views of both ledgers. Pool
// is optional; without it the plan carries no conversion quote and the
// flash fee is priced at FeeTier.
type Planner struct {
	Source        domain.SourceReader
	Destination   domain.DestinationReader
	Pool          domain.PoolQuoter
	FeeTier       uint32
	BridgingAsset common.Address
	DrawAsset     common.Address
}

// Plan computes what Migrate would do for req, without side effects.
func (p *Planner) Plan(ctx context.Context, req domain.MigrationRequest) (domain.MigrationPlan, error) {
	if err := req.Validate(); err != nil {
		return domain.MigrationPlan{}, err
	}
	src, err := adapter.QuerySource(ctx, p.Source, req.PositionID)
	if err != nil {
		return domain.MigrationPlan{}, err
	}
	dst, err := adapter.QueryDestination(ctx, p.Destination, req.DestinationOwner)
	if err != nil {
		return domain.MigrationPlan{}, err
	}
	opFee, deposit := fee.Split(src.Collateral)
	plan := domain.MigrationPlan{
		Request:             req,
		Source:              src,
		Destination:         dst,
		Fee:                 opFee,
		DepositedCollateral: deposit,
		FlashAmount:         src.Repay.Clone(),
		FlashFee:            new(uint256.Int),
		FlashOwed:           src.Repay.Clone(),
		ExpectedIn:          new(uint256.Int),
		QuotedIn:            new(uint256.Int),
		MaxIn:               new(uint256.Int),
		WithinSlippage:      src.Repay.IsZero(),
	}
	if src.Repay.IsZero() {
		return plan, nil
	}

	tier := p.FeeTier
	if p.Pool != nil {
		tier = p.Pool.FeeTier()
	}
	if plan.FlashFee, err = flash.PoolFee(src.Repay, tier); err != nil {
		return plan, fmt.Errorf("migrator: pool fee: %w", err)
	}
	if plan.FlashOwed, err = fixedpoint.Add(src.Repay, plan.FlashFee); err != nil {
		return plan, fmt.Errorf("migrator: flash owed: %w", err)
	}
	if p.Pool == nil {
		return plan, nil
	}
	conv, err := QuoteConversion(ctx, p.Pool, p.DrawAsset, p.BridgingAsset, plan.FlashOwed, req.MaxSlippageBps)
	if err != nil {
		return plan, err
	}
	plan.ExpectedIn = conv.ExpectedIn
	plan.QuotedIn = conv.QuotedIn
	plan.MaxIn = conv.MaxIn
	plan.WithinSlippage = conv.WithinSlippage()
	return plan, nil
}
