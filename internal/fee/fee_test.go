package fee

import (
	"testing"

	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

func TestComputeFee(t *testing.T) {
	tests := []struct {
		name     string
		in       *uint256.Int
		expected *uint256.Int
	}{
		{"hundred units", uint256.NewInt(100), uint256.NewInt(3)},
		{"floors remainder", uint256.NewInt(99), uint256.NewInt(2)},
		{"below one unit of fee", uint256.NewInt(33), uint256.NewInt(0)},
		{"zero", uint256.NewInt(0), uint256.NewInt(0)},
		{"hundred ether", fixedpoint.Units(100), fixedpoint.Units(3)},
		{"nil", nil, uint256.NewInt(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected.Dec(), ComputeFee(tt.in).Dec())
		})
	}
}

func TestComputeFeeMaxInput(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	got := ComputeFee(max)
	assert.True(t, got.Lt(max))
}

func TestSplit(t *testing.T) {
	f, rest := Split(fixedpoint.Units(100))
	assert.True(t, f.Eq(fixedpoint.Units(3)))
	assert.True(t, rest.Eq(fixedpoint.Units(97)))
}
