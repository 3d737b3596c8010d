// Package fee computes the operator fee charged on migrated collateral.
package fee

import (
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/holiman/uint256"
)

// RateBps is the fixed operator fee: 3% of migrated collateral.
const RateBps = 300

// ComputeFee returns floor(migratedCollateral * 3%). It never fails: the
// result is always smaller than the input.
func ComputeFee(migratedCollateral *uint256.Int) *uint256.Int {
	if migratedCollateral == nil {
		return new(uint256.Int)
	}
	f, err := fixedpoint.Bps(migratedCollateral, RateBps, fixedpoint.RoundDown)
	if err != nil {
		// Unreachable: the quotient of x*300/10000 is below x.
		panic(err)
	}
	return f
}

// Split returns the fee and what remains of migratedCollateral after it.
func Split(migratedCollateral *uint256.Int) (fee, remainder *uint256.Int) {
	fee = ComputeFee(migratedCollateral)
	return fee, fixedpoint.SubClamp(migratedCollateral, fee)
}
