package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FungibleAsset is a transferable token. The from/owner/spender arguments
// name the account on whose behalf the call is made.
type FungibleAsset interface {
	Address() common.Address
	Symbol() string
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error
}

// SourceReader reads vault state from the source ledger.
type SourceReader interface {
	Vault(ctx context.Context, id PositionID) (Vault, error)
	// Rate returns the rate accumulator for a collateral type, ray.
	Rate(ctx context.Context, ilk string) (*uint256.Int, error)
	CanOperate(ctx context.Context, id PositionID, who common.Address) (bool, error)
}

// SourceLedger is the Maker-style ledger positions are migrated from.
type SourceLedger interface {
	SourceReader
	Address() common.Address
	DebtAsset() FungibleAsset
	CollateralAsset() FungibleAsset
	// RepayAndWithdraw pulls debtAmount of the debt asset from actor, pays
	// down the vault and sends collateralAmount of collateral to actor.
	RepayAndWithdraw(ctx context.Context, actor common.Address, id PositionID, owner common.Address, debtAmount, collateralAmount *uint256.Int) error
}

// DestinationReader reads trove state from the destination ledger.
type DestinationReader interface {
	Trove(ctx context.Context, owner common.Address) (Trove, error)
}

// DestinationLedger is the Liquity-style ledger positions are migrated to.
type DestinationLedger interface {
	DestinationReader
	Address() common.Address
	DebtAsset() FungibleAsset
	CollateralAsset() FungibleAsset
	// OpenOrAdjust pulls collateralAmount from actor into owner's trove and
	// draws drawAmount of new debt, paid to actor. It opens the trove when
	// owner has none.
	OpenOrAdjust(ctx context.Context, actor, owner common.Address, collateralAmount, drawAmount, maxFee *uint256.Int) error
}

// FlashCallback receives control from a pool during a flash loan. sender is
// the address the callback claims to come from.
type FlashCallback interface {
	OnFlash(ctx context.Context, sender common.Address, fee0, fee1 *uint256.Int, data []byte) error
}

// PoolQuoter prices conversions without side effects.
type PoolQuoter interface {
	Token0() common.Address
	Token1() common.Address
	FeeTier() uint32
	Reserves(ctx context.Context) (reserve0, reserve1 *uint256.Int, err error)
	// QuoteExactOutput returns the assetIn amount needed to receive exactly
	// amountOut of assetOut.
	QuoteExactOutput(ctx context.Context, assetIn, assetOut common.Address, amountOut *uint256.Int) (*uint256.Int, error)
}

// FlashPool is a two-asset pool offering flash loans and swaps.
type FlashPool interface {
	PoolQuoter
	Address() common.Address
	// Flash sends the amounts to recipient, invokes cb and requires the
	// amounts plus fees to be back in the pool when cb returns.
	Flash(ctx context.Context, recipient common.Address, amount0, amount1 *uint256.Int, data []byte, cb FlashCallback) error
	// Swap sells exactly amountIn of assetIn pulled from actor and sends at
	// least minOut of the other asset to recipient.
	Swap(ctx context.Context, actor common.Address, assetIn common.Address, amountIn, minOut *uint256.Int, recipient common.Address) (*uint256.Int, error)
}

// StateJournal is the all-or-nothing boundary around a migration. Every
// mutation made after Snapshot is undone by RevertToSnapshot.
type StateJournal interface {
	Snapshot() int
	RevertToSnapshot(revision int)
}
