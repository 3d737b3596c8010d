package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionID identifies a vault on the source ledger.
type PositionID uint64

// Position is the normalised view of a position on either ledger. Amounts
// are 18-decimal fixed-point integers.
type Position struct {
	ID         PositionID
	Owner      common.Address
	Collateral *uint256.Int
	Debt       *uint256.Int

	// Repay is the debt-asset amount that clears the position completely.
	// It differs from Debt only by rounding on the source ledger.
	Repay *uint256.Int

	Status TroveStatus
}

// IsEmpty reports whether the position holds neither collateral nor debt.
func (p Position) IsEmpty() bool {
	return isZero(p.Collateral) && isZero(p.Debt)
}

func isZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}

// Vault is the raw source-ledger record of a collateralised debt position.
type Vault struct {
	ID    PositionID
	Owner common.Address
	Ilk   string       // collateral type
	Ink   *uint256.Int // locked collateral, wad
	Art   *uint256.Int // normalised debt, wad
	// Credit is internal debt-asset balance already held by the vault, rad.
	Credit *uint256.Int
}

// TroveStatus mirrors the destination ledger's numeric status codes.
type TroveStatus uint8

const (
	TroveNonExistent TroveStatus = iota
	TroveActive
	TroveClosedByOwner
	TroveClosedByLiquidation
	TroveClosedByRedemption
)

func (s TroveStatus) String() string {
	switch s {
	case TroveNonExistent:
		return "none"
	case TroveActive:
		return "active"
	case TroveClosedByOwner:
		return "closed_by_owner"
	case TroveClosedByLiquidation:
		return "closed_by_liquidation"
	case TroveClosedByRedemption:
		return "closed_by_redemption"
	default:
		return "unknown"
	}
}

// IsClosed reports whether the trove existed and was closed.
func (s TroveStatus) IsClosed() bool {
	return s >= TroveClosedByOwner
}

// Trove is the raw destination-ledger record, keyed by owner.
type Trove struct {
	Owner      common.Address
	Collateral *uint256.Int
	Debt       *uint256.Int
	Status     TroveStatus
}
