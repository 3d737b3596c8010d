// Package flash borrows the bridging asset from a flash-loan pool and
// settles the loan, trusting only pools whose address is derived from the
// token pair and fee tier.
package flash

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Uniswap V3 deployment constants on Ethereum mainnet.
var (
	UniswapV3Factory      = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	UniswapV3InitCodeHash = common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54")
)

// PoolKey identifies a pool by its sorted token pair and fee tier.
type PoolKey struct {
	Token0 common.Address
	Token1 common.Address
	Fee    uint32
}

// NewPoolKey sorts tokenA and tokenB by address.
func NewPoolKey(tokenA, tokenB common.Address, fee uint32) PoolKey {
	if bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) > 0 {
		tokenA, tokenB = tokenB, tokenA
	}
	return PoolKey{Token0: tokenA, Token1: tokenB, Fee: fee}
}

// Salt is keccak256(abi.encode(token0, token1, fee)).
func (k PoolKey) Salt() [32]byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, common.LeftPadBytes(k.Token0.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(k.Token1.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(uint64(k.Fee)).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// ComputePoolAddress derives the CREATE2 address of the pool for key
// deployed by factory.
func ComputePoolAddress(factory common.Address, initCodeHash common.Hash, key PoolKey) common.Address {
	return crypto.CreateAddress2(factory, key.Salt(), initCodeHash.Bytes())
}

// PoolVerifier decides whether a callback sender is a trusted pool.
type PoolVerifier struct {
	expected common.Address
	allowed  map[common.Address]bool
}

// NewPoolVerifier trusts the derived pool address plus any explicitly
// allow-listed addresses.
func NewPoolVerifier(factory common.Address, initCodeHash common.Hash, key PoolKey, allowList ...common.Address) *PoolVerifier {
	v := &PoolVerifier{
		expected: ComputePoolAddress(factory, initCodeHash, key),
		allowed:  make(map[common.Address]bool, len(allowList)),
	}
	for _, a := range allowList {
		v.allowed[a] = true
	}
	return v
}

// Expected returns the derived pool address.
func (v *PoolVerifier) Expected() common.Address { return v.expected }

// Trusted reports whether sender may settle a flash loan.
func (v *PoolVerifier) Trusted(sender common.Address) bool {
	if sender == (common.Address{}) {
		return false
	}
	return sender == v.expected || v.allowed[sender]
}
