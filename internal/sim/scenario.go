package sim

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Well-known mainnet addresses reused as identities inside the simulation.
var (
	DAIAddress          = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	LUSDAddress         = common.HexToAddress("0x5f98805A4E8be255a32880FDeC7F6728C6568bA0")
	WETHAddress         = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	VatAddress          = common.HexToAddress("0x35D1b3F3D7966A1DFe207aa4514C12a259A0492B")
	TroveManagerAddress = common.HexToAddress("0xA39739EF8b0231DbFA0DcdA07d7e29faAbCf4bb2")
	GasPoolAddress      = common.HexToAddress("0x9555b042F969E561855e5F28cB1230819149A8d9")
	FeeSinkAddress      = common.HexToAddress("0x4f9Fbb3f1E99B56e0Fe2892e623Ed36A76Fc605d")
)

// ScenarioConfig seeds a world with one vault, an optional pre-existing
// trove and a funded bridging pool. Amounts are wads, Rate is a ray.
type ScenarioConfig struct {
	Owner    common.Address
	Engine   common.Address
	Ilk      string
	Rate     *uint256.Int
	Price    *uint256.Int
	PoolAddr common.Address
	PoolFee  uint32

	VaultCollateral *uint256.Int
	VaultDebt       *uint256.Int

	PoolDAI  *uint256.Int
	PoolLUSD *uint256.Int

	// ExistingTroveCollateral and ExistingTroveDebt open a trove for Owner
	// before the migration when both are non-zero.
	ExistingTroveCollateral *uint256.Int
	ExistingTroveDebt       *uint256.Int
}

// DefaultScenarioConfig is a 100 ETH / 5000 DAI vault at an ETH price of
// 2000 with a deep 1:1 DAI/LUSD pool at the 0.3% tier.
func DefaultScenarioConfig(owner, engine, poolAddr common.Address) ScenarioConfig {
	return ScenarioConfig{
		Owner:           owner,
		Engine:          engine,
		Ilk:             "ETH-A",
		Rate:            fixedpoint.Ray(),
		Price:           fixedpoint.Units(2000),
		PoolAddr:        poolAddr,
		PoolFee:         3000,
		VaultCollateral: fixedpoint.Units(100),
		VaultDebt:       fixedpoint.Units(5000),
		PoolDAI:         fixedpoint.Units(1_000_000),
		PoolLUSD:        fixedpoint.Units(1_000_000),
	}
}

// Scenario is a seeded world and handles to every contract in it.
type Scenario struct {
	World   *World
	DAI     *Token
	LUSD    *Token
	WETH    *Token
	Vat     *Vat
	Troves  *TroveManager
	Pool    *Pool
	Owner   common.Address
	Engine  common.Address
	VaultID domain.PositionID
}

// NewScenario builds and seeds a world.
func NewScenario(cfg ScenarioConfig) (*Scenario, error) {
	w := NewWorld()
	s := &Scenario{
		World:  w,
		DAI:    NewToken(w, DAIAddress, "DAI"),
		LUSD:   NewToken(w, LUSDAddress, "LUSD"),
		WETH:   NewToken(w, WETHAddress, "WETH"),
		Owner:  cfg.Owner,
		Engine: cfg.Engine,
	}
	s.Vat = NewVat(w, VatAddress, s.DAI, s.WETH)
	s.Troves = NewTroveManager(w, TroveManagerAddress, s.LUSD, s.WETH, GasPoolAddress, FeeSinkAddress, DefaultTroveParams(cfg.Price))
	s.Pool = NewPool(w, cfg.PoolAddr, s.DAI, s.LUSD, cfg.PoolFee)

	s.Vat.SetRate(cfg.Ilk, cfg.Rate)
	id, err := s.Vat.OpenVault(cfg.Owner, cfg.Ilk, cfg.VaultCollateral, cfg.VaultDebt)
	if err != nil {
		return nil, fmt.Errorf("sim: open vault: %w", err)
	}
	s.VaultID = id
	if err := s.Vat.Allow(cfg.Owner, id, cfg.Engine, true); err != nil {
		return nil, fmt.Errorf("sim: allow engine: %w", err)
	}
	s.Troves.Delegate(cfg.Owner, cfg.Engine, true)

	amount0, amount1 := cfg.PoolDAI, cfg.PoolLUSD
	if s.Pool.Token0() != DAIAddress {
		amount0, amount1 = amount1, amount0
	}
	if err := s.Pool.AddLiquidity(amount0, amount1); err != nil {
		return nil, fmt.Errorf("sim: add liquidity: %w", err)
	}

	if nonZero(cfg.ExistingTroveCollateral) && nonZero(cfg.ExistingTroveDebt) {
		if err := s.OpenTrove(cfg.Owner, cfg.ExistingTroveCollateral, cfg.ExistingTroveDebt); err != nil {
			return nil, fmt.Errorf("sim: open existing trove: %w", err)
		}
	}
	return s, nil
}

// OpenTrove opens a trove for owner with freshly minted collateral.
func (s *Scenario) OpenTrove(owner common.Address, coll, draw *uint256.Int) error {
	ctx := context.Background()
	if err := s.WETH.Mint(owner, coll); err != nil {
		return err
	}
	if err := s.WETH.Approve(ctx, owner, s.Troves.Address(), coll); err != nil {
		return err
	}
	return s.Troves.OpenOrAdjust(ctx, owner, owner, coll, draw, fixedpoint.Wad())
}

func nonZero(x *uint256.Int) bool {
	return x != nil && !x.IsZero()
}
