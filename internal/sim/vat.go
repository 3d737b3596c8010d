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
	errVatNotAllowed   = errors.New("vat: not allowed")
	errVatOwner        = errors.New("vat: collateral owner mismatch")
	errVatUnknownIlk   = errors.New("vat: unknown collateral type")
	errVatNotSafe      = errors.New("vat: not safe")
	errVatInkTooLow    = errors.New("vat: withdrawal exceeds locked collateral")
	errVatCage         = errors.New("vat: ledger is paused")
	errVatZeroRate     = errors.New("vat: rate accumulator is zero")
	errVatRepayTooHigh = errors.New("vat: repayment exceeds debt")
)

type vaultRecord struct {
	owner  common.Address
	ilk    string
	ink    *uint256.Int
	art    *uint256.Int
	credit *uint256.Int
}

func (v vaultRecord) clone() vaultRecord {
	return vaultRecord{
		owner:  v.owner,
		ilk:    v.ilk,
		ink:    v.ink.Clone(),
		art:    v.art.Clone(),
		credit: v.credit.Clone(),
	}
}

// Vat is a Maker-style vault ledger: a per-ilk rate accumulator converts a
// vault's normalised debt into debt-asset owed, and operators may be granted
// access to a vault by its owner.
type Vat struct {
	w    *World
	addr common.Address
	dai  *Token
	gem  *Token

	mu     sync.Mutex
	live   bool
	rates  map[string]*uint256.Int
	vaults map[domain.PositionID]*vaultRecord
	can    map[domain.PositionID]map[common.Address]bool
	nextID domain.PositionID
}

// NewVat deploys a vault ledger at addr lending dai against gem.
func NewVat(w *World, addr common.Address, dai, gem *Token) *Vat {
	return &Vat{
		w:      w,
		addr:   addr,
		dai:    dai,
		gem:    gem,
		live:   true,
		rates:  make(map[string]*uint256.Int),
		vaults: make(map[domain.PositionID]*vaultRecord),
		can:    make(map[domain.PositionID]map[common.Address]bool),
		nextID: 1,
	}
}

func (v *Vat) Address() common.Address                { return v.addr }
func (v *Vat) DebtAsset() domain.FungibleAsset       { return v.dai }
func (v *Vat) CollateralAsset() domain.FungibleAsset { return v.gem }

// SetRate sets an ilk's rate accumulator, ray.
func (v *Vat) SetRate(ilk string, rate *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, existed := v.rates[ilk]
	v.rates[ilk] = rate.Clone()
	v.w.record(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if existed {
			v.rates[ilk] = prev
		} else {
			delete(v.rates, ilk)
		}
	})
}

// SetLive pauses or unpauses the ledger.
func (v *Vat) SetLive(live bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev := v.live
	v.live = live
	v.w.record(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.live = prev
	})
}

// OpenVault locks ink of collateral minted for owner and draws debt of the
// debt asset to owner. It returns the new vault's id.
func (v *Vat) OpenVault(owner common.Address, ilk string, ink, debt *uint256.Int) (domain.PositionID, error) {
	v.mu.Lock()
	rate, ok := v.rates[ilk]
	if !ok {
		v.mu.Unlock()
		return 0, errVatUnknownIlk
	}
	rate = rate.Clone()
	id := v.nextID
	v.mu.Unlock()

	art, err := fixedpoint.MulDivDown(debt, fixedpoint.Ray(), rate)
	if err != nil {
		return 0, fmt.Errorf("vat: normalise debt: %w", err)
	}
	drawn, err := fixedpoint.MulDivDown(art, rate, fixedpoint.Ray())
	if err != nil {
		return 0, fmt.Errorf("vat: draw: %w", err)
	}
	if err := v.gem.Mint(v.addr, ink); err != nil {
		return 0, err
	}
	if err := v.dai.Mint(owner, drawn); err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	v.vaults[id] = &vaultRecord{
		owner:  owner,
		ilk:    ilk,
		ink:    ink.Clone(),
		art:    art,
		credit: new(uint256.Int),
	}
	v.w.record(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.vaults, id)
		v.nextID = id
	})
	return id, nil
}

// Allow grants or revokes usr's right to operate vault id. Only the owner
// may call it.
func (v *Vat) Allow(caller common.Address, id domain.PositionID, usr common.Address, ok bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, exists := v.vaults[id]
	if !exists {
		return fmt.Errorf("vat: vault %d: %w", id, domain.ErrNotFound)
	}
	if rec.owner != caller {
		return errVatNotAllowed
	}
	grants := v.can[id]
	if grants == nil {
		grants = make(map[common.Address]bool)
		v.can[id] = grants
	}
	prev := grants[usr]
	grants[usr] = ok
	v.w.record(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.can[id][usr] = prev
	})
	return nil
}

// Vault returns a copy of the raw vault record.
func (v *Vat) Vault(_ context.Context, id domain.PositionID) (domain.Vault, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.vaults[id]
	if !ok {
		return domain.Vault{}, fmt.Errorf("vat: vault %d: %w", id, domain.ErrNotFound)
	}
	return domain.Vault{
		ID:     id,
		Owner:  rec.owner,
		Ilk:    rec.ilk,
		Ink:    rec.ink.Clone(),
		Art:    rec.art.Clone(),
		Credit: rec.credit.Clone(),
	}, nil
}

// Rate returns the ilk's rate accumulator.
func (v *Vat) Rate(_ context.Context, ilk string) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rate, ok := v.rates[ilk]
	if !ok {
		return nil, errVatUnknownIlk
	}
	return rate.Clone(), nil
}

// CanOperate reports whether who owns vault id or was allowed by its owner.
func (v *Vat) CanOperate(_ context.Context, id domain.PositionID, who common.Address) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.canLocked(id, who)
}

func (v *Vat) canLocked(id domain.PositionID, who common.Address) (bool, error) {
	rec, ok := v.vaults[id]
	if !ok {
		return false, fmt.Errorf("vat: vault %d: %w", id, domain.ErrNotFound)
	}
	return rec.owner == who || v.can[id][who], nil
}

// RepayAndWithdraw burns debtAmount of the debt asset from actor into the
// vault's credit, wipes as much normalised debt as the credit covers and
// sends collateralAmount to actor.
func (v *Vat) RepayAndWithdraw(_ context.Context, actor common.Address, id domain.PositionID, owner common.Address, debtAmount, collateralAmount *uint256.Int) error {
	v.mu.Lock()
	if !v.live {
		v.mu.Unlock()
		return errVatCage
	}
	allowed, err := v.canLocked(id, actor)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	if !allowed {
		v.mu.Unlock()
		return errVatNotAllowed
	}
	rec := v.vaults[id]
	if rec.owner != owner {
		v.mu.Unlock()
		return errVatOwner
	}
	rate, ok := v.rates[rec.ilk]
	if !ok {
		v.mu.Unlock()
		return errVatUnknownIlk
	}
	if rate.IsZero() {
		v.mu.Unlock()
		return errVatZeroRate
	}
	next := rec.clone()
	v.mu.Unlock()

	if collateralAmount.Gt(next.ink) {
		return errVatInkTooLow
	}

	// Credit the repayment in rad and wipe what it covers.
	owedRad := new(uint256.Int).Mul(next.art, rate)
	paidRad, overflow := new(uint256.Int).MulOverflow(debtAmount, fixedpoint.Ray())
	if overflow {
		return errVatRepayTooHigh
	}
	credit, overflow := new(uint256.Int).AddOverflow(next.credit, paidRad)
	if overflow {
		return errVatRepayTooHigh
	}
	if credit.Gt(new(uint256.Int).Add(owedRad, fixedpoint.Ray())) {
		return errVatRepayTooHigh
	}
	wipe := fixedpoint.Min(next.art, new(uint256.Int).Div(credit, rate))
	next.art = new(uint256.Int).Sub(next.art, wipe)
	next.credit = new(uint256.Int).Sub(credit, new(uint256.Int).Mul(wipe, rate))
	next.ink = new(uint256.Int).Sub(next.ink, collateralAmount)
	if next.ink.IsZero() && !next.art.IsZero() {
		return errVatNotSafe
	}

	if !debtAmount.IsZero() {
		if err := v.dai.BurnFrom(v.addr, actor, debtAmount); err != nil {
			return err
		}
	}
	if err := v.gem.Transfer(context.Background(), v.addr, actor, collateralAmount); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	prev := *v.vaults[id]
	v.vaults[id] = &next
	v.w.record(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.vaults[id] = &prev
	})
	return nil
}

var _ domain.SourceLedger = (*Vat)(nil)
