package flash

import (
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/holiman/uint256"
)

// FeeDenominator is the unit of pool fee tiers: hundredths of a basis point,
// so the 0.3% tier is 3000.
const FeeDenominator = 1_000_000

// PoolFee returns the pool's flash fee on amount, ceil(amount*tier/1e6).
func PoolFee(amount *uint256.Int, feeTier uint32) (*uint256.Int, error) {
	return fixedpoint.MulDivUp(amount, uint256.NewInt(uint64(feeTier)), uint256.NewInt(FeeDenominator))
}
