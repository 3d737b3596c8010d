package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxSlippageBps is the largest accepted slippage bound (100%).
const MaxSlippageBps = 10_000

// MigrationRequest is the input of a single migration.
type MigrationRequest struct {
	PositionID       PositionID
	MaxSlippageBps   uint32
	DestinationOwner common.Address
	CollateralOwner  common.Address

	// MaxBorrowingFee caps the destination ledger's one-off borrowing fee as
	// a wad fraction. Nil or zero selects the engine default.
	MaxBorrowingFee *uint256.Int
}

// Validate checks the request for malformed fields.
func (r MigrationRequest) Validate() error {
	if r.MaxSlippageBps > MaxSlippageBps {
		return fmt.Errorf("%w: max slippage %d bps exceeds %d", ErrInvalidInput, r.MaxSlippageBps, MaxSlippageBps)
	}
	if r.DestinationOwner == (common.Address{}) {
		return fmt.Errorf("%w: destination owner is the zero address", ErrInvalidInput)
	}
	if r.CollateralOwner == (common.Address{}) {
		return fmt.Errorf("%w: collateral owner is the zero address", ErrInvalidInput)
	}
	return nil
}

// MigrationState is a step of the migration state machine.
type MigrationState uint8

const (
	StateIdle MigrationState = iota
	StateBorrowRequested
	StateDebtRepaid
	StateCollateralWithdrawn
	StateDestinationFunded
	StateCollateralConverted
	StateFeeSettled
	StateComplete
)

func (s MigrationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBorrowRequested:
		return "borrow_requested"
	case StateDebtRepaid:
		return "debt_repaid"
	case StateCollateralWithdrawn:
		return "collateral_withdrawn"
	case StateDestinationFunded:
		return "destination_funded"
	case StateCollateralConverted:
		return "collateral_converted"
	case StateFeeSettled:
		return "fee_settled"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// FlashContext describes the flash loan in flight. It exists only while the
// pool's callback is executing.
type FlashContext struct {
	Pool      common.Address
	Asset     common.Address
	Borrowed  *uint256.Int
	PoolFee   *uint256.Int
	Owed      *uint256.Int // Borrowed + PoolFee
	Initiator common.Address
	Payload   []byte
}

// MigrationReceipt records every amount moved by a successful migration.
type MigrationReceipt struct {
	ID               string
	PositionID       PositionID
	Caller           common.Address
	DestinationOwner common.Address
	CollateralOwner  common.Address
	FeeRecipient     common.Address

	MigratedCollateral  *uint256.Int
	Fee                 *uint256.Int
	DepositedCollateral *uint256.Int
	RepaidDebt          *uint256.Int

	FlashBorrowed *uint256.Int
	FlashFee      *uint256.Int

	// Drawn is the destination debt drawn and converted to repay the flash
	// loan; Converted is what the conversion yielded in the bridging asset.
	Drawn     *uint256.Int
	Converted *uint256.Int
	Surplus   *uint256.Int

	SourceBefore      Position
	DestinationBefore Position
	DestinationAfter  Position

	CompletedAt time.Time
}

// MigrationPlan is a side-effect free preview of a migration.
type MigrationPlan struct {
	Request     MigrationRequest
	Source      Position
	Destination Position

	Fee                 *uint256.Int
	DepositedCollateral *uint256.Int
	FlashAmount         *uint256.Int
	FlashFee            *uint256.Int
	FlashOwed           *uint256.Int

	// Conversion quote. Zero when there is no debt to refinance or no pool
	// is available to quote against.
	ExpectedIn     *uint256.Int
	QuotedIn       *uint256.Int
	MaxIn          *uint256.Int
	WithinSlippage bool
}

// MigrationStatus is the persisted outcome of a migration attempt.
type MigrationStatus string

const (
	MigrationSucceeded MigrationStatus = "succeeded"
	MigrationFailed    MigrationStatus = "failed"
)

// MigrationRecord is the durable history row of one migration attempt.
type MigrationRecord struct {
	ID               string
	PositionID       PositionID
	Caller           common.Address
	DestinationOwner common.Address
	CollateralOwner  common.Address
	MaxSlippageBps   uint32
	Status           MigrationStatus
	ErrorKind        ErrorKind
	ErrorMessage     string
	Receipt          *MigrationReceipt
	CreatedAt        time.Time
}
