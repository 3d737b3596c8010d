// Package chain reads live vaults and troves over JSON-RPC. It never sends
// transactions.
package chain

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

const cdpManagerABI = `[
 {"name":"urns","type":"function","stateMutability":"view","inputs":[{"name":"cdp","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
 {"name":"ilks","type":"function","stateMutability":"view","inputs":[{"name":"cdp","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
 {"name":"owns","type":"function","stateMutability":"view","inputs":[{"name":"cdp","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
 {"name":"cdpCan","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"cdp","type":"uint256"},{"name":"usr","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const vatABI = `[
 {"name":"urns","type":"function","stateMutability":"view","inputs":[{"name":"ilk","type":"bytes32"},{"name":"urn","type":"address"}],"outputs":[{"name":"ink","type":"uint256"},{"name":"art","type":"uint256"}]},
 {"name":"ilks","type":"function","stateMutability":"view","inputs":[{"name":"ilk","type":"bytes32"}],"outputs":[{"name":"Art","type":"uint256"},{"name":"rate","type":"uint256"},{"name":"spot","type":"uint256"},{"name":"line","type":"uint256"},{"name":"dust","type":"uint256"}]},
 {"name":"dai","type":"function","stateMutability":"view","inputs":[{"name":"usr","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const troveManagerABI = `[
 {"name":"getEntireDebtAndColl","type":"function","stateMutability":"view","inputs":[{"name":"borrower","type":"address"}],"outputs":[{"name":"debt","type":"uint256"},{"name":"coll","type":"uint256"},{"name":"pendingLUSDDebtReward","type":"uint256"},{"name":"pendingETHReward","type":"uint256"}]},
 {"name":"getTroveStatus","type":"function","stateMutability":"view","inputs":[{"name":"borrower","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Caller executes read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Addresses locates the contracts the reader queries.
type Addresses struct {
	CDPManager   common.Address
	Vat          common.Address
	TroveManager common.Address
}

// Reader implements domain.SourceReader over a Maker CDP manager and vat,
// and domain.DestinationReader over a Liquity trove manager.
type Reader struct {
	caller Caller
	addrs  Addresses

	manager abi.ABI
	vat     abi.ABI
	troves  abi.ABI
}

var (
	_ domain.SourceReader      = (*Reader)(nil)
	_ domain.DestinationReader = (*Reader)(nil)
)

// NewReader builds a Reader over caller.
func NewReader(caller Caller, addrs Addresses) (*Reader, error) {
	r := &Reader{caller: caller, addrs: addrs}
	for _, p := range []struct {
		dst  *abi.ABI
		json string
	}{
		{&r.manager, cdpManagerABI},
		{&r.vat, vatABI},
		{&r.troves, troveManagerABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(p.json))
		if err != nil {
			return nil, fmt.Errorf("chain: parse abi: %w", err)
		}
		*p.dst = parsed
	}
	return r, nil
}

// Dial connects to rawURL and checks the node serves wantChainID.
func Dial(ctx context.Context, rawURL string, wantChainID uint64, addrs Addresses) (*Reader, func(), error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: dial: %w", err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("chain: chain id: %w", err)
	}
	if !id.IsUint64() || id.Uint64() != wantChainID {
		client.Close()
		return nil, nil, fmt.Errorf("chain: node serves chain %s, want %d", id, wantChainID)
	}
	r, err := NewReader(client, addrs)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return r, client.Close, nil
}

func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, domain.NewLedgerError(to.Hex(), method, err)
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, domain.NewLedgerError(to.Hex(), method, fmt.Errorf("unpack: %w", err))
	}
	return vals, nil
}

func toU256(v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: expected *big.Int, got %T", v)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("chain: %s overflows 256 bits", b)
	}
	return u, nil
}

func cdpArg(id domain.PositionID) *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}

// ilkName trims the NUL padding of a bytes32 collateral type.
func ilkName(b [32]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}

func ilkBytes(name string) ([32]byte, error) {
	var out [32]byte
	if len(name) > len(out) {
		return out, fmt.Errorf("chain: ilk %q longer than 32 bytes", name)
	}
	copy(out[:], name)
	return out, nil
}

// Vault reads vault id through the CDP manager and the vat.
func (r *Reader) Vault(ctx context.Context, id domain.PositionID) (domain.Vault, error) {
	owner, err := r.address(ctx, "owns", id)
	if err != nil {
		return domain.Vault{}, err
	}
	if owner == (common.Address{}) {
		return domain.Vault{}, fmt.Errorf("chain: vault %d: %w", id, domain.ErrNotFound)
	}
	urn, err := r.address(ctx, "urns", id)
	if err != nil {
		return domain.Vault{}, err
	}
	vals, err := r.call(ctx, r.manager, r.addrs.CDPManager, "ilks", cdpArg(id))
	if err != nil {
		return domain.Vault{}, err
	}
	ilk, ok := vals[0].([32]byte)
	if !ok {
		return domain.Vault{}, fmt.Errorf("chain: ilks: unexpected %T", vals[0])
	}

	vals, err = r.call(ctx, r.vat, r.addrs.Vat, "urns", ilk, urn)
	if err != nil {
		return domain.Vault{}, err
	}
	ink, err := toU256(vals[0])
	if err != nil {
		return domain.Vault{}, err
	}
	art, err := toU256(vals[1])
	if err != nil {
		return domain.Vault{}, err
	}

	vals, err = r.call(ctx, r.vat, r.addrs.Vat, "dai", urn)
	if err != nil {
		return domain.Vault{}, err
	}
	credit, err := toU256(vals[0])
	if err != nil {
		return domain.Vault{}, err
	}

	return domain.Vault{ID: id, Owner: owner, Ilk: ilkName(ilk), Ink: ink, Art: art, Credit: credit}, nil
}

func (r *Reader) address(ctx context.Context, method string, id domain.PositionID) (common.Address, error) {
	vals, err := r.call(ctx, r.manager, r.addrs.CDPManager, method, cdpArg(id))
	if err != nil {
		return common.Address{}, err
	}
	a, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: %s: unexpected %T", method, vals[0])
	}
	return a, nil
}

// Rate reads the vat's rate accumulator for ilk.
func (r *Reader) Rate(ctx context.Context, ilk string) (*uint256.Int, error) {
	b, err := ilkBytes(ilk)
	if err != nil {
		return nil, err
	}
	vals, err := r.call(ctx, r.vat, r.addrs.Vat, "ilks", b)
	if err != nil {
		return nil, err
	}
	return toU256(vals[1])
}

// CanOperate reports whether who owns vault id or holds a cdpCan grant from
// its owner.
func (r *Reader) CanOperate(ctx context.Context, id domain.PositionID, who common.Address) (bool, error) {
	owner, err := r.address(ctx, "owns", id)
	if err != nil {
		return false, err
	}
	if owner == (common.Address{}) {
		return false, fmt.Errorf("chain: vault %d: %w", id, domain.ErrNotFound)
	}
	if owner == who {
		return true, nil
	}
	vals, err := r.call(ctx, r.manager, r.addrs.CDPManager, "cdpCan", owner, cdpArg(id), who)
	if err != nil {
		return false, err
	}
	can, err := toU256(vals[0])
	if err != nil {
		return false, err
	}
	return can.Eq(uint256.NewInt(1)), nil
}

// Trove reads owner's trove, pending rewards included.
func (r *Reader) Trove(ctx context.Context, owner common.Address) (domain.Trove, error) {
	vals, err := r.call(ctx, r.troves, r.addrs.TroveManager, "getTroveStatus", owner)
	if err != nil {
		return domain.Trove{}, err
	}
	status, err := toU256(vals[0])
	if err != nil {
		return domain.Trove{}, err
	}
	if !status.IsUint64() || status.Uint64() > uint64(domain.TroveClosedByRedemption) {
		return domain.Trove{}, fmt.Errorf("chain: unknown trove status %s", status.Dec())
	}

	vals, err = r.call(ctx, r.troves, r.addrs.TroveManager, "getEntireDebtAndColl", owner)
	if err != nil {
		return domain.Trove{}, err
	}
	debt, err := toU256(vals[0])
	if err != nil {
		return domain.Trove{}, err
	}
	coll, err := toU256(vals[1])
	if err != nil {
		return domain.Trove{}, err
	}
	return domain.Trove{
		Owner:      owner,
		Collateral: coll,
		Debt:       debt,
		Status:     domain.TroveStatus(status.Uint64()),
	}, nil
}
