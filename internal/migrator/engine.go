// Package migrator moves a vault from the source ledger into a trove on the
// destination ledger in one all-or-nothing operation, bridging the vault's
// debt with a flash loan that is refinanced as destination debt.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/vaultshift/internal/adapter"
	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fee"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/alanyoungcy/vaultshift/internal/flash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Config holds the engine's identities and defaults.
type Config struct {
	// Self is the account the engine holds assets and acts as.
	Self common.Address
	// FeeRecipient receives the operator fee.
	FeeRecipient common.Address
	// DefaultMaxBorrowingFee applies when a request carries none. Wad.
	DefaultMaxBorrowingFee *uint256.Int
}

// Engine executes migrations. At most one migration runs at a time.
type Engine struct {
	cfg     Config
	source  *adapter.Source
	dest    *adapter.Destination
	broker  *flash.Broker
	journal domain.StateJournal
	planner *Planner
	logger  *slog.Logger
	now     func() time.Time

	guard sync.Mutex
	state atomic.Uint32
}

// New wires an engine. The broker's pool must trade the source ledger's
// debt asset against the destination ledger's debt asset, and both ledgers
// must use the same collateral asset.
func New(cfg Config, source domain.SourceLedger, dest domain.DestinationLedger, broker *flash.Broker, journal domain.StateJournal, logger *slog.Logger) (*Engine, error) {
	if cfg.Self == (common.Address{}) {
		return nil, errors.New("migrator: engine account is the zero address")
	}
	if cfg.FeeRecipient == (common.Address{}) {
		return nil, errors.New("migrator: fee recipient is the zero address")
	}
	if cfg.DefaultMaxBorrowingFee == nil {
		cfg.DefaultMaxBorrowingFee = fixedpoint.MustParseUnits("0.01", fixedpoint.WadDecimals)
	}
	if source.CollateralAsset().Address() != dest.CollateralAsset().Address() {
		return nil, fmt.Errorf("migrator: collateral mismatch: source %s, destination %s",
			source.CollateralAsset().Symbol(), dest.CollateralAsset().Symbol())
	}
	pool := broker.Pool()
	if !inPool(pool, source.DebtAsset().Address()) || !inPool(pool, dest.DebtAsset().Address()) {
		return nil, fmt.Errorf("migrator: pool %s does not pair %s with %s", pool.Address().Hex(),
			source.DebtAsset().Symbol(), dest.DebtAsset().Symbol())
	}
	return &Engine{
		cfg:     cfg,
		source:  adapter.NewSource(source),
		dest:    adapter.NewDestination(dest),
		broker:  broker,
		journal: journal,
		planner: &Planner{
			Source:        source,
			Destination:   dest,
			Pool:          pool,
			BridgingAsset: source.DebtAsset().Address(),
			DrawAsset:     dest.DebtAsset().Address(),
		},
		logger: logger.With(slog.String("component", "migrator")),
		now:    time.Now,
	}, nil
}

func inPool(pool domain.PoolQuoter, asset common.Address) bool {
	return pool.Token0() == asset || pool.Token1() == asset
}

// Self returns the engine's account.
func (e *Engine) Self() common.Address { return e.cfg.Self }

// FeeRecipient returns the operator fee account.
func (e *Engine) FeeRecipient() common.Address { return e.cfg.FeeRecipient }

// State returns the current step of the migration in flight.
func (e *Engine) State() domain.MigrationState {
	return domain.MigrationState(e.state.Load())
}

// Plan previews req without side effects.
func (e *Engine) Plan(ctx context.Context, req domain.MigrationRequest) (domain.MigrationPlan, error) {
	return e.planner.Plan(ctx, req)
}

// Position returns the source position id.
func (e *Engine) Position(ctx context.Context, id domain.PositionID) (domain.Position, error) {
	return e.source.Query(ctx, id)
}

// Trove returns owner's destination position.
func (e *Engine) Trove(ctx context.Context, owner common.Address) (domain.Position, error) {
	return e.dest.Query(ctx, owner)
}

// run carries one migration's working state.
type run struct {
	req     domain.MigrationRequest
	caller  common.Address
	maxFee  *uint256.Int
	entry   map[common.Address]*uint256.Int
	receipt *domain.MigrationReceipt
}

// Migrate moves position req.PositionID to req.DestinationOwner's trove on
// behalf of caller, who must be an operator of the position. Either every
// step commits or the journal is rewound to its state before the call.
func (e *Engine) Migrate(ctx context.Context, caller common.Address, req domain.MigrationRequest) (*domain.MigrationReceipt, error) {
	if !e.guard.TryLock() {
		return nil, fmt.Errorf("migrator: %w: a migration is already in flight", domain.ErrReentrancyDetected)
	}
	defer e.guard.Unlock()
	defer e.state.Store(uint32(domain.StateIdle))

	if err := req.Validate(); err != nil {
		return nil, err
	}
	ok, err := e.source.CanOperate(ctx, req.PositionID, caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("migrator: %w: %s may not operate position %d", domain.ErrUnauthorized, caller.Hex(), req.PositionID)
	}

	r := &run{req: req, caller: caller, maxFee: req.MaxBorrowingFee}
	if r.maxFee == nil || r.maxFee.IsZero() {
		r.maxFee = e.cfg.DefaultMaxBorrowingFee
	}

	revision := e.journal.Snapshot()
	if err := e.execute(ctx, r); err != nil {
		e.journal.RevertToSnapshot(revision)
		e.logger.Warn("migration reverted",
			slog.Uint64("position_id", uint64(req.PositionID)),
			slog.String("state", e.State().String()),
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	rc := r.receipt
	e.logger.Info("migration complete",
		slog.String("migration_id", rc.ID),
		slog.Uint64("position_id", uint64(req.PositionID)),
		slog.String("collateral", fixedpoint.FormatWad(rc.MigratedCollateral)),
		slog.String("fee", fixedpoint.FormatWad(rc.Fee)),
		slog.String("repaid", fixedpoint.FormatWad(rc.RepaidDebt)),
		slog.String("drawn", fixedpoint.FormatWad(rc.Drawn)),
	)
	return rc, nil
}

func (e *Engine) advance(ctx context.Context, s domain.MigrationState) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("migrator: %s: %w", s, err)
	}
	e.state.Store(uint32(s))
	e.logger.Debug("migration step", slog.String("state", s.String()))
	return nil
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	entry, err := e.holdings(ctx)
	if err != nil {
		return err
	}
	r.entry = entry

	src, err := e.source.Query(ctx, r.req.PositionID)
	if err != nil {
		return err
	}
	if src.Collateral.IsZero() {
		return fmt.Errorf("migrator: %w: position %d holds no collateral", domain.ErrInsufficientCollateral, r.req.PositionID)
	}
	destBefore, err := e.dest.Query(ctx, r.req.DestinationOwner)
	if err != nil {
		return err
	}
	r.receipt = &domain.MigrationReceipt{
		ID:                uuid.NewString(),
		PositionID:        r.req.PositionID,
		Caller:            r.caller,
		DestinationOwner:  r.req.DestinationOwner,
		CollateralOwner:   r.req.CollateralOwner,
		FeeRecipient:      e.cfg.FeeRecipient,
		FlashBorrowed:     new(uint256.Int),
		FlashFee:          new(uint256.Int),
		Drawn:             new(uint256.Int),
		Converted:         new(uint256.Int),
		Surplus:           new(uint256.Int),
		SourceBefore:      src,
		DestinationBefore: destBefore,
	}

	if src.Repay.IsZero() {
		// Nothing to bridge: collateral moves without a loan.
		if err := e.settle(ctx, r, nil); err != nil {
			return err
		}
	} else {
		if err := e.advance(ctx, domain.StateBorrowRequested); err != nil {
			return err
		}
		payload, err := flash.EncodePayload(flash.PayloadFor(r.req))
		if err != nil {
			return err
		}
		err = e.broker.Borrow(ctx, r.caller, e.source.DebtAsset(), src.Repay, payload, func(ctx context.Context, fc domain.FlashContext) error {
			if err := e.checkPayload(fc.Payload, r.req); err != nil {
				return err
			}
			return e.settle(ctx, r, &fc)
		})
		if err != nil {
			return err
		}
	}

	if err := e.sweep(ctx, r); err != nil {
		return err
	}
	if err := e.verify(ctx, r); err != nil {
		return err
	}
	after, err := e.dest.Query(ctx, r.req.DestinationOwner)
	if err != nil {
		return err
	}
	r.receipt.DestinationAfter = after
	if err := e.advance(ctx, domain.StateComplete); err != nil {
		return err
	}
	r.receipt.CompletedAt = e.now().UTC()
	return nil
}

// checkPayload confirms the callback carries this migration's request.
func (e *Engine) checkPayload(data []byte, req domain.MigrationRequest) error {
	p, err := flash.DecodePayload(data)
	if err != nil {
		return fmt.Errorf("migrator: %w: %w", domain.ErrUnauthorized, err)
	}
	if p != flash.PayloadFor(req) {
		return fmt.Errorf("migrator: %w: callback payload is for another request", domain.ErrUnauthorized)
	}
	return nil
}

// settle runs every step between receiving the loan and handing control
// back to the broker. fc is nil when no loan was needed.
func (e *Engine) settle(ctx context.Context, r *run, fc *domain.FlashContext) error {
	req, rc := r.req, r.receipt
	owed := new(uint256.Int)
	if fc != nil {
		rc.FlashBorrowed = fc.Borrowed.Clone()
		rc.FlashFee = fc.PoolFee.Clone()
		owed = fc.Owed.Clone()
	}

	// Re-read: the vault may have moved since the loan was sized.
	pos, err := e.source.Query(ctx, req.PositionID)
	if err != nil {
		return err
	}
	if pos.Collateral.IsZero() {
		return fmt.Errorf("migrator: %w: position %d holds no collateral", domain.ErrInsufficientCollateral, req.PositionID)
	}
	opFee, deposit := fee.Split(pos.Collateral)
	if deposit.IsZero() {
		return fmt.Errorf("migrator: %w: nothing left after the operator fee", domain.ErrInsufficientCollateral)
	}

	if err := e.source.RepayAndWithdraw(ctx, e.cfg.Self, req.PositionID, req.CollateralOwner, pos.Repay, pos.Collateral); err != nil {
		return err
	}
	if err := e.advance(ctx, domain.StateDebtRepaid); err != nil {
		return err
	}
	if err := e.advance(ctx, domain.StateCollateralWithdrawn); err != nil {
		return err
	}
	rc.RepaidDebt = pos.Repay.Clone()
	rc.MigratedCollateral = pos.Collateral.Clone()
	rc.Fee = opFee
	rc.DepositedCollateral = deposit

	// The part of the loan not covered by bridging asset already in hand is
	// drawn on the destination ledger and converted.
	bridging := e.source.DebtAsset()
	held, err := e.delta(ctx, r, bridging)
	if err != nil {
		return err
	}
	need := fixedpoint.SubClamp(owed, held)
	draw := new(uint256.Int)
	if !need.IsZero() {
		conv, err := QuoteConversion(ctx, e.broker.Pool(), e.dest.DebtAsset().Address(), bridging.Address(), need, req.MaxSlippageBps)
		if err != nil {
			return err
		}
		if !conv.WithinSlippage() {
			return fmt.Errorf("migrator: %w: converting to %s %s needs %s %s, limit %s at %d bps",
				domain.ErrSlippageExceeded,
				fixedpoint.FormatWad(need), bridging.Symbol(),
				fixedpoint.FormatWad(conv.QuotedIn), e.dest.DebtAsset().Symbol(),
				fixedpoint.FormatWad(conv.MaxIn), req.MaxSlippageBps)
		}
		draw = conv.QuotedIn
	}

	if err := e.dest.OpenOrAdjust(ctx, e.cfg.Self, req.DestinationOwner, deposit, draw, r.maxFee); err != nil {
		return err
	}
	if err := e.advance(ctx, domain.StateDestinationFunded); err != nil {
		return err
	}
	rc.Drawn = draw.Clone()

	if !draw.IsZero() {
		out, err := e.convert(ctx, draw, need)
		if err != nil {
			return err
		}
		rc.Converted = out
	}
	if err := e.advance(ctx, domain.StateCollateralConverted); err != nil {
		return err
	}

	coll := e.source.CollateralAsset()
	if !opFee.IsZero() {
		if err := coll.Transfer(ctx, e.cfg.Self, e.cfg.FeeRecipient, opFee); err != nil {
			return domain.NewLedgerError(coll.Symbol(), "transfer", err)
		}
	}
	return e.advance(ctx, domain.StateFeeSettled)
}

// convert sells exactly amountIn of the drawn asset for at least minOut of
// the bridging asset on the loan's pool.
func (e *Engine) convert(ctx context.Context, amountIn, minOut *uint256.Int) (*uint256.Int, error) {
	pool := e.broker.Pool()
	drawn := e.dest.DebtAsset()
	if err := drawn.Approve(ctx, e.cfg.Self, pool.Address(), amountIn); err != nil {
		return nil, domain.NewLedgerError(drawn.Symbol(), "approve", err)
	}
	out, err := pool.Swap(ctx, e.cfg.Self, drawn.Address(), amountIn, minOut, e.cfg.Self)
	if err != nil {
		lerr := domain.NewLedgerError("pool", "swap", err)
		if errors.Is(err, domain.ErrPriceLimit) {
			return nil, fmt.Errorf("%w: %w", domain.ErrSlippageExceeded, lerr)
		}
		return nil, lerr
	}
	if err := drawn.Approve(ctx, e.cfg.Self, pool.Address(), new(uint256.Int)); err != nil {
		return nil, domain.NewLedgerError(drawn.Symbol(), "approve", err)
	}
	return out, nil
}

// assets lists every asset the engine touches, without duplicates.
func (e *Engine) assets() []domain.FungibleAsset {
	all := []domain.FungibleAsset{e.source.DebtAsset(), e.dest.DebtAsset(), e.source.CollateralAsset()}
	seen := make(map[common.Address]bool, len(all))
	out := all[:0]
	for _, a := range all {
		if !seen[a.Address()] {
			seen[a.Address()] = true
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) holdings(ctx context.Context) (map[common.Address]*uint256.Int, error) {
	out := make(map[common.Address]*uint256.Int)
	for _, a := range e.assets() {
		bal, err := a.BalanceOf(ctx, e.cfg.Self)
		if err != nil {
			return nil, domain.NewLedgerError(a.Symbol(), "balanceOf", err)
		}
		out[a.Address()] = bal
	}
	return out, nil
}

// delta returns how much more of asset the engine holds than at entry.
func (e *Engine) delta(ctx context.Context, r *run, asset domain.FungibleAsset) (*uint256.Int, error) {
	bal, err := asset.BalanceOf(ctx, e.cfg.Self)
	if err != nil {
		return nil, domain.NewLedgerError(asset.Symbol(), "balanceOf", err)
	}
	return fixedpoint.SubClamp(bal, r.entry[asset.Address()]), nil
}

// sweep hands conversion leftovers in either debt asset to the destination
// owner.
func (e *Engine) sweep(ctx context.Context, r *run) error {
	for _, a := range []domain.FungibleAsset{e.source.DebtAsset(), e.dest.DebtAsset()} {
		extra, err := e.delta(ctx, r, a)
		if err != nil {
			return err
		}
		if extra.IsZero() {
			continue
		}
		if err := a.Transfer(ctx, e.cfg.Self, r.req.DestinationOwner, extra); err != nil {
			return domain.NewLedgerError(a.Symbol(), "transfer", err)
		}
		if a.Address() == e.source.DebtAsset().Address() {
			r.receipt.Surplus = extra
		}
	}
	return nil
}

// verify checks the exit conditions: the engine holds exactly what it held
// on entry and the source position is empty.
func (e *Engine) verify(ctx context.Context, r *run) error {
	exit, err := e.holdings(ctx)
	if err != nil {
		return err
	}
	for addr, before := range r.entry {
		if !exit[addr].Eq(before) {
			return fmt.Errorf("migrator: %w: engine balance of %s changed from %s to %s",
				domain.ErrInvariantViolated, addr.Hex(), before.Dec(), exit[addr].Dec())
		}
	}
	pos, err := e.source.Query(ctx, r.req.PositionID)
	if err != nil {
		return err
	}
	if !pos.IsEmpty() {
		return fmt.Errorf("migrator: %w: position %d still holds %s collateral and %s debt",
			domain.ErrInvariantViolated, r.req.PositionID, pos.Collateral.Dec(), pos.Debt.Dec())
	}
	return nil
}
