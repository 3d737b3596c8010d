package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	errTroveNotDelegate = errors.New("troves: caller may not operate this trove")
	errTroveFeeTooHigh  = errors.New("troves: borrowing fee exceeds max fee")
	errTroveZeroAdjust  = errors.New("troves: nothing to adjust")
)

// TroveParams holds the destination ledger's risk parameters. All values
// are wads.
type TroveParams struct {
	Price             *uint256.Int // collateral price in debt asset
	BorrowingFeeRate  *uint256.Int
	GasCompensation   *uint256.Int
	MinNetDebt        *uint256.Int
	MinCollateralRate *uint256.Int // minimum collateral ratio
}

// DefaultTroveParams mirrors Liquity v1: 0.5% borrowing fee, 200 LUSD gas
// compensation, 2000 LUSD minimum net debt and a 110% minimum ratio.
func DefaultTroveParams(price *uint256.Int) TroveParams {
	return TroveParams{
		Price:             price.Clone(),
		BorrowingFeeRate:  fixedpoint.MustParseUnits("0.005", fixedpoint.WadDecimals),
		GasCompensation:   fixedpoint.Units(200),
		MinNetDebt:        fixedpoint.Units(2000),
		MinCollateralRate: fixedpoint.MustParseUnits("1.1", fixedpoint.WadDecimals),
	}
}

type troveRecord struct {
	coll   *uint256.Int
	debt   *uint256.Int
	status domain.TroveStatus
}

// TroveManager is a Liquity-style ledger keyed by owner address. Drawing
// debt mints the debt asset; a one-off borrowing fee is added to the
// trove's debt and paid to the fee sink.
type TroveManager struct {
	w       *World
	addr    common.Address
	lusd    *Token
	coll    *Token
	gasPool common.Address
	feeSink common.Address
	params  TroveParams

	mu        sync.Mutex
	troves    map[common.Address]*troveRecord
	delegates map[common.Address]map[common.Address]bool
}

// NewTroveManager deploys a trove ledger at addr lending lusd against coll.
func NewTroveManager(w *World, addr common.Address, lusd, coll *Token, gasPool, feeSink common.Address, params TroveParams) *TroveManager {
	return &TroveManager{
		w:         w,
		addr:      addr,
		lusd:      lusd,
		coll:      coll,
		gasPool:   gasPool,
		feeSink:   feeSink,
		params:    params,
		troves:    make(map[common.Address]*troveRecord),
		delegates: make(map[common.Address]map[common.Address]bool),
	}
}

func (m *TroveManager) Address() common.Address                { return m.addr }
func (m *TroveManager) DebtAsset() domain.FungibleAsset       { return m.lusd }
func (m *TroveManager) CollateralAsset() domain.FungibleAsset { return m.coll }
func (m *TroveManager) Params() TroveParams                   { return m.params }

// Delegate lets actor open or adjust owner's trove.
func (m *TroveManager) Delegate(owner, actor common.Address, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.delegates[owner]
	if d == nil {
		d = make(map[common.Address]bool)
		m.delegates[owner] = d
	}
	prev := d[actor]
	d[actor] = ok
	m.w.record(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.delegates[owner][actor] = prev
	})
}

// Trove returns owner's trove. A missing trove is reported with status
// TroveNonExistent and zero amounts.
func (m *TroveManager) Trove(_ context.Context, owner common.Address) (domain.Trove, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.Trove{Owner: owner, Collateral: new(uint256.Int), Debt: new(uint256.Int)}
	if rec, ok := m.troves[owner]; ok {
		t.Collateral = rec.coll.Clone()
		t.Debt = rec.debt.Clone()
		t.Status = rec.status
	}
	return t, nil
}

// BorrowingFee returns the fee charged on drawing amount.
func (m *TroveManager) BorrowingFee(amount *uint256.Int) (*uint256.Int, error) {
	return fixedpoint.MulDivDown(amount, m.params.BorrowingFeeRate, fixedpoint.Wad())
}

// OpenOrAdjust deposits collateralAmount pulled from actor and draws
// drawAmount to actor. Owners without an active trove get a new one.
func (m *TroveManager) OpenOrAdjust(_ context.Context, actor, owner common.Address, collateralAmount, drawAmount, maxFee *uint256.Int) error {
	m.mu.Lock()
	if actor != owner && !m.delegates[owner][actor] {
		m.mu.Unlock()
		return errTroveNotDelegate
	}
	var prev *troveRecord
	if rec, ok := m.troves[owner]; ok {
		cp := *rec
		prev = &cp
	}
	m.mu.Unlock()

	if maxFee != nil && m.params.BorrowingFeeRate.Gt(maxFee) {
		return errTroveFeeTooHigh
	}
	fee, err := m.BorrowingFee(drawAmount)
	if err != nil {
		return fmt.Errorf("troves: borrowing fee: %w", err)
	}
	addDebt, err := fixedpoint.Add(drawAmount, fee)
	if err != nil {
		return fmt.Errorf("troves: debt: %w", err)
	}

	next := troveRecord{status: domain.TroveActive}
	opening := prev == nil || prev.status != domain.TroveActive
	if opening {
		if addDebt.Lt(m.params.MinNetDebt) {
			return fmt.Errorf("troves: net debt %s below minimum %s: %w",
				fixedpoint.FormatWad(addDebt), fixedpoint.FormatWad(m.params.MinNetDebt), domain.ErrBelowMinimumCollateral)
		}
		next.coll = collateralAmount.Clone()
		next.debt = new(uint256.Int).Add(addDebt, m.params.GasCompensation)
	} else {
		if collateralAmount.IsZero() && drawAmount.IsZero() {
			return errTroveZeroAdjust
		}
		if next.coll, err = fixedpoint.Add(prev.coll, collateralAmount); err != nil {
			return fmt.Errorf("troves: collateral: %w", err)
		}
		if next.debt, err = fixedpoint.Add(prev.debt, addDebt); err != nil {
			return fmt.Errorf("troves: debt: %w", err)
		}
	}
	if err := m.checkRatio(next.coll, next.debt); err != nil {
		return err
	}

	if err := m.coll.TransferFrom(context.Background(), m.addr, actor, m.addr, collateralAmount); err != nil {
		return err
	}
	if err := m.lusd.Mint(actor, drawAmount); err != nil {
		return err
	}
	if err := m.lusd.Mint(m.feeSink, fee); err != nil {
		return err
	}
	if opening {
		if err := m.lusd.Mint(m.gasPool, m.params.GasCompensation); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.troves[owner] = &next
	m.w.record(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if prev != nil {
			m.troves[owner] = prev
		} else {
			delete(m.troves, owner)
		}
	})
	return nil
}

// checkRatio requires coll*price/debt >= the minimum collateral ratio.
func (m *TroveManager) checkRatio(coll, debt *uint256.Int) error {
	if debt.IsZero() {
		return nil
	}
	value, err := fixedpoint.MulDivDown(coll, m.params.Price, fixedpoint.Wad())
	if err != nil {
		return fmt.Errorf("troves: collateral value: %w", err)
	}
	ratio, err := fixedpoint.MulDivDown(value, fixedpoint.Wad(), debt)
	if err != nil {
		return fmt.Errorf("troves: collateral ratio: %w", err)
	}
	if ratio.Lt(m.params.MinCollateralRate) {
		return fmt.Errorf("troves: collateral ratio %s below %s: %w",
			fixedpoint.FormatWad(ratio), fixedpoint.FormatWad(m.params.MinCollateralRate), domain.ErrBelowMinimumCollateral)
	}
	return nil
}

var _ domain.DestinationLedger = (*TroveManager)(nil)
