package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type allowanceKey struct {
	owner, spender common.Address
}

// Token is a journaled fungible asset.
type Token struct {
	w      *World
	addr   common.Address
	symbol string

	mu         sync.Mutex
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
}

// NewToken deploys a token at addr.
func NewToken(w *World, addr common.Address, symbol string) *Token {
	return &Token{
		w:          w,
		addr:       addr,
		symbol:     symbol,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (t *Token) Address() common.Address { return t.addr }
func (t *Token) Symbol() string          { return t.symbol }

// BalanceOf returns a copy of account's balance.
func (t *Token) BalanceOf(_ context.Context, account common.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balanceLocked(account), nil
}

// Balance is BalanceOf without a context, for setup code and tests.
func (t *Token) Balance(account common.Address) *uint256.Int {
	b, _ := t.BalanceOf(context.Background(), account)
	return b
}

// TotalSupply returns the minted minus burned amount.
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply.Clone()
}

func (t *Token) balanceLocked(account common.Address) *uint256.Int {
	if b, ok := t.balances[account]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// setBalanceLocked writes a balance and journals the previous value.
func (t *Token) setBalanceLocked(account common.Address, v *uint256.Int) {
	prev, existed := t.balances[account]
	t.balances[account] = v
	t.w.record(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if existed {
			t.balances[account] = prev
		} else {
			delete(t.balances, account)
		}
	})
}

func (t *Token) setSupplyLocked(v *uint256.Int) {
	prev := t.supply
	t.supply = v
	t.w.record(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.supply = prev
	})
}

// Mint creates amount new units for to.
func (t *Token) Mint(to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal, overflow := new(uint256.Int).AddOverflow(t.balanceLocked(to), amount)
	if overflow {
		return fmt.Errorf("%s: mint overflow", t.symbol)
	}
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return fmt.Errorf("%s: supply overflow", t.symbol)
	}
	t.setBalanceLocked(to, bal)
	t.setSupplyLocked(supply)
	return nil
}

// Burn destroys amount units held by from.
func (t *Token) Burn(from common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.burnLocked(from, amount)
}

func (t *Token) burnLocked(from common.Address, amount *uint256.Int) error {
	bal := t.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%s: burn %s from %s: %w", t.symbol, amount.Dec(), from.Hex(), domain.ErrInsufficientBalance)
	}
	t.setBalanceLocked(from, new(uint256.Int).Sub(bal, amount))
	t.setSupplyLocked(new(uint256.Int).Sub(t.supply, amount))
	return nil
}

// Transfer moves amount from from to to, acting as from.
func (t *Token) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(from, to, amount)
}

func (t *Token) transferLocked(from, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() || from == to {
		return nil
	}
	fromBal := t.balanceLocked(from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%s: transfer %s from %s: %w", t.symbol, amount.Dec(), from.Hex(), domain.ErrInsufficientBalance)
	}
	toBal, overflow := new(uint256.Int).AddOverflow(t.balanceLocked(to), amount)
	if overflow {
		return fmt.Errorf("%s: transfer overflow", t.symbol)
	}
	t.setBalanceLocked(from, new(uint256.Int).Sub(fromBal, amount))
	t.setBalanceLocked(to, toBal)
	return nil
}

// Approve sets spender's allowance over owner's balance.
func (t *Token) Approve(_ context.Context, owner, spender common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAllowanceLocked(allowanceKey{owner, spender}, amount.Clone())
	return nil
}

// Allowance returns spender's remaining allowance over owner's balance.
func (t *Token) Allowance(_ context.Context, owner, spender common.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowanceLocked(allowanceKey{owner, spender}), nil
}

func (t *Token) allowanceLocked(k allowanceKey) *uint256.Int {
	if a, ok := t.allowances[k]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

func (t *Token) setAllowanceLocked(k allowanceKey, v *uint256.Int) {
	prev, existed := t.allowances[k]
	if v.IsZero() {
		delete(t.allowances, k)
	} else {
		t.allowances[k] = v
	}
	t.w.record(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if existed {
			t.allowances[k] = prev
		} else {
			delete(t.allowances, k)
		}
	})
}

// TransferFrom moves amount from from to to on behalf of spender, consuming
// allowance.
func (t *Token) TransferFrom(_ context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.spendAllowanceLocked(spender, from, amount); err != nil {
		return err
	}
	return t.transferLocked(from, to, amount)
}

// BurnFrom destroys amount of from's balance on behalf of spender.
func (t *Token) BurnFrom(spender, from common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.spendAllowanceLocked(spender, from, amount); err != nil {
		return err
	}
	return t.burnLocked(from, amount)
}

func (t *Token) spendAllowanceLocked(spender, from common.Address, amount *uint256.Int) error {
	if spender == from {
		return nil
	}
	k := allowanceKey{from, spender}
	allowed := t.allowanceLocked(k)
	if allowed.Lt(amount) {
		return fmt.Errorf("%s: allowance of %s for %s is %s, need %s", t.symbol, from.Hex(), spender.Hex(), allowed.Dec(), amount.Dec())
	}
	t.setAllowanceLocked(k, new(uint256.Int).Sub(allowed, amount))
	return nil
}

var _ domain.FungibleAsset = (*Token)(nil)
