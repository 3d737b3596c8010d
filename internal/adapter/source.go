// Package adapter exposes the source and destination ledgers to the
// migration engine as normalised positions, classifying ledger rejections
// into the migration error taxonomy.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// QuerySource reads vault id and converts its normalised debt into debt
// owed: floor((art*rate - credit) / RAY). The returned Repay is the same
// expression rounded up, the amount that wipes the vault completely.
func QuerySource(ctx context.Context, r domain.SourceReader, id domain.PositionID) (domain.Position, error) {
	v, err := r.Vault(ctx, id)
	if err != nil {
		return domain.Position{}, domain.NewLedgerError("source", "vault", err)
	}
	rate, err := r.Rate(ctx, v.Ilk)
	if err != nil {
		return domain.Position{}, domain.NewLedgerError("source", "rate", err)
	}
	debt, repay, err := ActualDebt(v.Art, rate, v.Credit)
	if err != nil {
		return domain.Position{}, fmt.Errorf("adapter: vault %d debt: %w", id, err)
	}
	return domain.Position{
		ID:         id,
		Owner:      v.Owner,
		Collateral: v.Ink.Clone(),
		Debt:       debt,
		Repay:      repay,
	}, nil
}

// ActualDebt converts normalised debt at rate into debt owed, net of credit
// already held (rad). It returns the floored debt and the ceiling amount
// needed to repay in full.
func ActualDebt(art, rate, credit *uint256.Int) (debt, repay *uint256.Int, err error) {
	owedRad, overflow := new(uint256.Int).MulOverflow(art, rate)
	if overflow {
		return nil, nil, fixedpoint.ErrOverflow
	}
	if credit != nil {
		owedRad = fixedpoint.SubClamp(owedRad, credit)
	}
	if debt, err = fixedpoint.RayToWad(owedRad, fixedpoint.RoundDown); err != nil {
		return nil, nil, err
	}
	if repay, err = fixedpoint.RayToWad(owedRad, fixedpoint.RoundUp); err != nil {
		return nil, nil, err
	}
	return debt, repay, nil
}

// Source is the write-capable view of the source ledger.
type Source struct {
	ledger domain.SourceLedger
}

// NewSource wraps a source ledger.
func NewSource(l domain.SourceLedger) *Source {
	return &Source{ledger: l}
}

// DebtAsset is the asset the source ledger is repaid in.
func (s *Source) DebtAsset() domain.FungibleAsset { return s.ledger.DebtAsset() }

// CollateralAsset is the asset released by the source ledger.
func (s *Source) CollateralAsset() domain.FungibleAsset { return s.ledger.CollateralAsset() }

// Query returns the vault's collateral and actual debt.
func (s *Source) Query(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	return QuerySource(ctx, s.ledger, id)
}

// RateAccumulator returns the rate index for a collateral type.
func (s *Source) RateAccumulator(ctx context.Context, ilk string) (*uint256.Int, error) {
	rate, err := s.ledger.Rate(ctx, ilk)
	if err != nil {
		return nil, domain.NewLedgerError("source", "rate", err)
	}
	return rate, nil
}

// CanOperate reports whether who is an authorised operator of vault id. An
// unknown vault is not operable by anyone.
func (s *Source) CanOperate(ctx context.Context, id domain.PositionID, who common.Address) (bool, error) {
	ok, err := s.ledger.CanOperate(ctx, id, who)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.NewLedgerError("source", "can", err)
	}
	return ok, nil
}

// RepayAndWithdraw pays down exactly debtAmount from actor's balance and
// withdraws exactly collateralAmount to actor. The ledger is approved for
// the repayment only for the duration of the call.
func (s *Source) RepayAndWithdraw(ctx context.Context, actor common.Address, id domain.PositionID, owner common.Address, debtAmount, collateralAmount *uint256.Int) error {
	dai := s.ledger.DebtAsset()
	if !debtAmount.IsZero() {
		if err := dai.Approve(ctx, actor, s.ledger.Address(), debtAmount); err != nil {
			return domain.NewLedgerError(dai.Symbol(), "approve", err)
		}
	}
	if err := s.ledger.RepayAndWithdraw(ctx, actor, id, owner, debtAmount, collateralAmount); err != nil {
		return domain.NewLedgerError("source", "repayAndWithdraw", err)
	}
	if !debtAmount.IsZero() {
		if err := dai.Approve(ctx, actor, s.ledger.Address(), new(uint256.Int)); err != nil {
			return domain.NewLedgerError(dai.Symbol(), "approve", err)
		}
	}
	return nil
}
