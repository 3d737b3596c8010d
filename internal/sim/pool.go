package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/alanyoungcy/vaultshift/internal/flash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	errPoolLocked      = errors.New("pool: flash loan already in progress")
	errPoolUnknown     = errors.New("pool: asset not in pool")
	errPoolLiquidity   = errors.New("pool: insufficient liquidity")
	errPoolZeroAmount  = errors.New("pool: zero amount")
	errPoolBadReserves = errors.New("pool: empty reserves")
)

// Pool is a two-asset constant-product pool with flash loans. Flash fees
// follow the fee tier and are rounded up.
type Pool struct {
	w      *World
	addr   common.Address
	token0 *Token
	token1 *Token
	fee    uint32

	mu       sync.Mutex
	reserve0 *uint256.Int
	reserve1 *uint256.Int
	inFlash  bool
}

// NewPool deploys a pool at addr. Tokens are ordered by address as the
// pool's token0 and token1.
func NewPool(w *World, addr common.Address, a, b *Token, fee uint32) *Pool {
	if bytes.Compare(a.Address().Bytes(), b.Address().Bytes()) > 0 {
		a, b = b, a
	}
	return &Pool{
		w:        w,
		addr:     addr,
		token0:   a,
		token1:   b,
		fee:      fee,
		reserve0: new(uint256.Int),
		reserve1: new(uint256.Int),
	}
}

func (p *Pool) Address() common.Address { return p.addr }
func (p *Pool) Token0() common.Address  { return p.token0.Address() }
func (p *Pool) Token1() common.Address  { return p.token1.Address() }
func (p *Pool) FeeTier() uint32         { return p.fee }

// Reserves returns copies of the pool's accounted reserves.
func (p *Pool) Reserves(_ context.Context) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserve0.Clone(), p.reserve1.Clone(), nil
}

func (p *Pool) setReservesLocked(r0, r1 *uint256.Int) {
	prev0, prev1 := p.reserve0, p.reserve1
	p.reserve0, p.reserve1 = r0, r1
	p.w.record(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.reserve0, p.reserve1 = prev0, prev1
	})
}

// AddLiquidity mints both amounts into the pool and credits its reserves.
func (p *Pool) AddLiquidity(amount0, amount1 *uint256.Int) error {
	if err := p.token0.Mint(p.addr, amount0); err != nil {
		return err
	}
	if err := p.token1.Mint(p.addr, amount1); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setReservesLocked(new(uint256.Int).Add(p.reserve0, amount0), new(uint256.Int).Add(p.reserve1, amount1))
	return nil
}

// sides returns the reserves and tokens ordered as (in, out) for assetIn.
func (p *Pool) sidesLocked(assetIn common.Address) (rIn, rOut *uint256.Int, in, out *Token, zeroForOne bool, err error) {
	switch assetIn {
	case p.token0.Address():
		return p.reserve0.Clone(), p.reserve1.Clone(), p.token0, p.token1, true, nil
	case p.token1.Address():
		return p.reserve1.Clone(), p.reserve0.Clone(), p.token1, p.token0, false, nil
	default:
		return nil, nil, nil, nil, false, errPoolUnknown
	}
}

// QuoteExactOutput returns the smallest input for which Swap yields at least
// amountOut.
func (p *Pool) QuoteExactOutput(_ context.Context, assetIn, assetOut common.Address, amountOut *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	rIn, rOut, _, out, _, err := p.sidesLocked(assetIn)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if out.Address() != assetOut {
		return nil, errPoolUnknown
	}
	if amountOut.IsZero() {
		return new(uint256.Int), nil
	}
	if !amountOut.Lt(rOut) {
		return nil, errPoolLiquidity
	}
	// needWithFee*(rOut-amountOut) >= rIn*amountOut, then gross up for the fee.
	needWithFee, err := fixedpoint.MulDivUp(rIn, amountOut, new(uint256.Int).Sub(rOut, amountOut))
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDivUp(needWithFee, uint256.NewInt(flash.FeeDenominator), uint256.NewInt(uint64(flash.FeeDenominator-p.fee)))
}

// amountOut prices an exact-input trade against the given reserves.
func (p *Pool) amountOut(amountIn, rIn, rOut *uint256.Int) (*uint256.Int, error) {
	if rIn.IsZero() || rOut.IsZero() {
		return nil, errPoolBadReserves
	}
	inWithFee, err := fixedpoint.MulDivDown(amountIn, uint256.NewInt(uint64(flash.FeeDenominator-p.fee)), uint256.NewInt(flash.FeeDenominator))
	if err != nil {
		return nil, err
	}
	denom, err := fixedpoint.Add(rIn, inWithFee)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDivDown(inWithFee, rOut, denom)
}

// Swap sells exactly amountIn of assetIn, pulled from actor, and sends the
// proceeds to recipient. It fails with domain.ErrPriceLimit when the
// proceeds are below minOut.
func (p *Pool) Swap(_ context.Context, actor common.Address, assetIn common.Address, amountIn, minOut *uint256.Int, recipient common.Address) (*uint256.Int, error) {
	if amountIn.IsZero() {
		return nil, errPoolZeroAmount
	}
	p.mu.Lock()
	rIn, rOut, in, out, zeroForOne, err := p.sidesLocked(assetIn)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	got, err := p.amountOut(amountIn, rIn, rOut)
	if err != nil {
		return nil, err
	}
	if got.Lt(minOut) {
		return nil, fmt.Errorf("pool: output %s below minimum %s: %w", got.Dec(), minOut.Dec(), domain.ErrPriceLimit)
	}
	if bal := out.Balance(p.addr); bal.Lt(got) {
		return nil, errPoolLiquidity
	}
	if err := in.TransferFrom(context.Background(), p.addr, actor, p.addr, amountIn); err != nil {
		return nil, err
	}
	if err := out.Transfer(context.Background(), p.addr, recipient, got); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	newIn := new(uint256.Int).Add(rIn, amountIn)
	newOut := new(uint256.Int).Sub(rOut, got)
	if zeroForOne {
		p.setReservesLocked(newIn, newOut)
	} else {
		p.setReservesLocked(newOut, newIn)
	}
	return got, nil
}

// Flash lends the amounts to recipient, calls back cb with the fees owed
// and requires the pool's balances to have grown by those fees when cb
// returns. Repaid fees are added to the reserves.
func (p *Pool) Flash(ctx context.Context, recipient common.Address, amount0, amount1 *uint256.Int, data []byte, cb domain.FlashCallback) error {
	p.mu.Lock()
	if p.inFlash {
		p.mu.Unlock()
		return errPoolLocked
	}
	p.inFlash = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlash = false
		p.mu.Unlock()
	}()

	fee0, err := flash.PoolFee(amount0, p.fee)
	if err != nil {
		return err
	}
	fee1, err := flash.PoolFee(amount1, p.fee)
	if err != nil {
		return err
	}
	p.mu.Lock()
	r0, r1 := p.reserve0.Clone(), p.reserve1.Clone()
	p.mu.Unlock()
	// Balances above reserves are unaccounted donations; repayment is
	// measured against them so swaps made during the callback, which move
	// balance and reserve together, do not count.
	excess0 := fixedpoint.SubClamp(p.token0.Balance(p.addr), r0)
	excess1 := fixedpoint.SubClamp(p.token1.Balance(p.addr), r1)
	if p.token0.Balance(p.addr).Lt(amount0) || p.token1.Balance(p.addr).Lt(amount1) {
		return errPoolLiquidity
	}

	if err := p.token0.Transfer(ctx, p.addr, recipient, amount0); err != nil {
		return err
	}
	if err := p.token1.Transfer(ctx, p.addr, recipient, amount1); err != nil {
		return err
	}

	if err := cb.OnFlash(ctx, p.addr, fee0, fee1, data); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	after0 := fixedpoint.SubClamp(p.token0.Balance(p.addr), p.reserve0)
	after1 := fixedpoint.SubClamp(p.token1.Balance(p.addr), p.reserve1)
	if after0.Lt(new(uint256.Int).Add(excess0, fee0)) || after1.Lt(new(uint256.Int).Add(excess1, fee1)) {
		return fmt.Errorf("pool: flash: %w", domain.ErrFlashNotRepaid)
	}
	paid0 := new(uint256.Int).Sub(after0, excess0)
	paid1 := new(uint256.Int).Sub(after1, excess1)
	p.setReservesLocked(new(uint256.Int).Add(p.reserve0, paid0), new(uint256.Int).Add(p.reserve1, paid1))
	return nil
}

var _ domain.FlashPool = (*Pool)(nil)
