package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// QueryDestination reads owner's trove as a position.
func QueryDestination(ctx context.Context, r domain.DestinationReader, owner common.Address) (domain.Position, error) {
	t, err := r.Trove(ctx, owner)
	if err != nil {
		return domain.Position{}, domain.NewLedgerError("destination", "trove", err)
	}
	pos := domain.Position{
		Owner:      owner,
		Collateral: new(uint256.Int),
		Debt:       new(uint256.Int),
		Repay:      new(uint256.Int),
		Status:     t.Status,
	}
	// Closed troves keep stale amounts on some ledgers; report them empty.
	if t.Status == domain.TroveActive {
		pos.Collateral = t.Collateral.Clone()
		pos.Debt = t.Debt.Clone()
		pos.Repay = t.Debt.Clone()
	}
	return pos, nil
}

// Destination is the write-capable view of the destination ledger.
type Destination struct {
	ledger domain.DestinationLedger
}

// NewDestination wraps a destination ledger.
func NewDestination(l domain.DestinationLedger) *Destination {
	return &Destination{ledger: l}
}

// DebtAsset is the asset drawn from the destination ledger.
func (d *Destination) DebtAsset() domain.FungibleAsset { return d.ledger.DebtAsset() }

// CollateralAsset is the asset deposited into the destination ledger.
func (d *Destination) CollateralAsset() domain.FungibleAsset { return d.ledger.CollateralAsset() }

// Query returns owner's trove as a position.
func (d *Destination) Query(ctx context.Context, owner common.Address) (domain.Position, error) {
	return QueryDestination(ctx, d.ledger, owner)
}

// Status returns owner's trove status.
func (d *Destination) Status(ctx context.Context, owner common.Address) (domain.TroveStatus, error) {
	t, err := d.ledger.Trove(ctx, owner)
	if err != nil {
		return 0, domain.NewLedgerError("destination", "trove", err)
	}
	return t.Status, nil
}

// OpenOrAdjust deposits collateralAmount from actor into owner's trove and
// draws debtDrawAmount to actor, opening the trove when owner has none.
// Rejections for breaching the ledger's minimums are reported as
// domain.ErrInsufficientCollateral.
func (d *Destination) OpenOrAdjust(ctx context.Context, actor, owner common.Address, collateralAmount, debtDrawAmount, maxFee *uint256.Int) error {
	coll := d.ledger.CollateralAsset()
	if err := coll.Approve(ctx, actor, d.ledger.Address(), collateralAmount); err != nil {
		return domain.NewLedgerError(coll.Symbol(), "approve", err)
	}
	if err := d.ledger.OpenOrAdjust(ctx, actor, owner, collateralAmount, debtDrawAmount, maxFee); err != nil {
		lerr := domain.NewLedgerError("destination", "openOrAdjust", err)
		if errors.Is(err, domain.ErrBelowMinimumCollateral) {
			return fmt.Errorf("%w: %w", domain.ErrInsufficientCollateral, lerr)
		}
		return lerr
	}
	if err := coll.Approve(ctx, actor, d.ledger.Address(), new(uint256.Int)); err != nil {
		return domain.NewLedgerError(coll.Symbol(), "approve", err)
	}
	return nil
}
