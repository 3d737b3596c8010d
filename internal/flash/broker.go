package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Continuation runs inside the pool's callback with the borrowed funds.
type Continuation func(ctx context.Context, fc domain.FlashContext) error

type session struct {
	fc      domain.FlashContext
	asset   domain.FungibleAsset
	cont    Continuation
	entered bool
	err     error
}

// Broker borrows from a single verified pool on behalf of account self and
// repays principal plus the pool's fee when the continuation returns.
type Broker struct {
	pool     domain.FlashPool
	verifier *PoolVerifier
	self     common.Address
	logger   *slog.Logger

	mu     sync.Mutex
	active *session
}

// NewBroker returns a broker for pool. The pool itself must pass the
// verifier, so an injected pool cannot redirect loans elsewhere.
func NewBroker(pool domain.FlashPool, verifier *PoolVerifier, self common.Address, logger *slog.Logger) (*Broker, error) {
	if !verifier.Trusted(pool.Address()) {
		return nil, fmt.Errorf("flash: %w: pool %s is not the derived pool %s",
			domain.ErrUnauthorized, pool.Address().Hex(), verifier.Expected().Hex())
	}
	return &Broker{
		pool:     pool,
		verifier: verifier,
		self:     self,
		logger:   logger.With(slog.String("component", "flash_broker")),
	}, nil
}

// Pool returns the pool loans are taken from.
func (b *Broker) Pool() domain.FlashPool { return b.pool }

// Active returns a copy of the flash context in flight, or nil.
func (b *Broker) Active() *domain.FlashContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil
	}
	fc := b.active.fc
	return &fc
}

// Borrow takes amount of asset from the pool and runs cont inside the
// pool's callback. It returns the continuation's error unchanged, or
// domain.ErrFlashRepaymentFailed when the loan could not be settled.
func (b *Broker) Borrow(ctx context.Context, initiator common.Address, asset domain.FungibleAsset, amount *uint256.Int, payload []byte, cont Continuation) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("flash: %w: zero borrow", domain.ErrInvalidInput)
	}
	amount0, amount1 := new(uint256.Int), new(uint256.Int)
	switch asset.Address() {
	case b.pool.Token0():
		amount0 = amount.Clone()
	case b.pool.Token1():
		amount1 = amount.Clone()
	default:
		return fmt.Errorf("flash: %w: %s is not in pool %s", domain.ErrInvalidInput, asset.Symbol(), b.pool.Address().Hex())
	}

	s := &session{
		fc: domain.FlashContext{
			Pool:      b.pool.Address(),
			Asset:     asset.Address(),
			Borrowed:  amount.Clone(),
			PoolFee:   new(uint256.Int),
			Owed:      amount.Clone(),
			Initiator: initiator,
			Payload:   bytes.Clone(payload),
		},
		asset: asset,
		cont:  cont,
	}
	b.mu.Lock()
	if b.active != nil {
		b.mu.Unlock()
		return fmt.Errorf("flash: %w: loan already in flight", domain.ErrReentrancyDetected)
	}
	b.active = s
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active = nil
		b.mu.Unlock()
	}()

	b.logger.Debug("flash borrow",
		slog.String("pool", b.pool.Address().Hex()),
		slog.String("asset", asset.Symbol()),
		slog.String("amount", amount.Dec()),
	)

	err := b.pool.Flash(ctx, b.self, amount0, amount1, payload, b)
	switch {
	case s.err != nil:
		return s.err
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrFlashNotRepaid):
		return fmt.Errorf("%w: %w", domain.ErrFlashRepaymentFailed, domain.NewLedgerError("pool", "flash", err))
	default:
		return domain.NewLedgerError("pool", "flash", err)
	}
}

// OnFlash is the pool's callback. The sender must be the verified pool the
// loan was taken from and data must match the payload sent with it.
func (b *Broker) OnFlash(ctx context.Context, sender common.Address, fee0, fee1 *uint256.Int, data []byte) error {
	if !b.verifier.Trusted(sender) || sender != b.pool.Address() {
		b.logger.Warn("rejected flash callback", slog.String("sender", sender.Hex()))
		return fmt.Errorf("flash: %w: callback from untrusted pool %s", domain.ErrUnauthorized, sender.Hex())
	}

	b.mu.Lock()
	s := b.active
	if s != nil && !s.entered {
		s.entered = true
	} else {
		s = nil
	}
	b.mu.Unlock()
	if s == nil {
		return fmt.Errorf("flash: %w: no loan awaiting settlement", domain.ErrUnauthorized)
	}
	if !bytes.Equal(data, s.fc.Payload) {
		s.err = fmt.Errorf("flash: %w: callback payload mismatch", domain.ErrUnauthorized)
		return s.err
	}

	fee := fee0
	if s.fc.Asset == b.pool.Token1() {
		fee = fee1
	}
	owed, err := fixedpoint.Add(s.fc.Borrowed, fee)
	if err != nil {
		s.err = fmt.Errorf("flash: %w: %w", domain.ErrFlashRepaymentFailed, err)
		return s.err
	}
	s.fc.PoolFee = fee.Clone()
	s.fc.Owed = owed

	if err := s.cont(ctx, s.fc); err != nil {
		s.err = err
		return err
	}

	bal, err := s.asset.BalanceOf(ctx, b.self)
	if err != nil {
		s.err = fmt.Errorf("%w: %w", domain.ErrFlashRepaymentFailed, domain.NewLedgerError(s.asset.Symbol(), "balanceOf", err))
		return s.err
	}
	if bal.Lt(owed) {
		s.err = fmt.Errorf("flash: %w: hold %s %s, owe %s", domain.ErrFlashRepaymentFailed,
			fixedpoint.FormatWad(bal), s.asset.Symbol(), fixedpoint.FormatWad(owed))
		return s.err
	}
	if err := s.asset.Transfer(ctx, b.self, sender, owed); err != nil {
		s.err = fmt.Errorf("%w: %w", domain.ErrFlashRepaymentFailed, domain.NewLedgerError(s.asset.Symbol(), "transfer", err))
		return s.err
	}
	b.logger.Debug("flash repaid",
		slog.String("owed", owed.Dec()),
		slog.String("pool_fee", fee.Dec()),
	)
	return nil
}

var _ domain.FlashCallback = (*Broker)(nil)
