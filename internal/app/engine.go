package app

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/vaultshift/internal/config"
	"github.com/alanyoungcy/vaultshift/internal/crypto"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/alanyoungcy/vaultshift/internal/flash"
	"github.com/alanyoungcy/vaultshift/internal/migrator"
	"github.com/alanyoungcy/vaultshift/internal/sim"
)

// operatorKey resolves the operator key. It returns nil without error when
// no key source is configured.
func operatorKey(cfg *config.Config) (*ecdsa.PrivateKey, error) {
	if cfg.Operator.PrivateKey == "" && cfg.Operator.KeyFile == "" {
		return nil, nil
	}
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey: cfg.Operator.PrivateKey,
		KeyFile:       cfg.Operator.KeyFile,
		KeyPassword:   cfg.Operator.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("operator key: %w", err)
	}
	return key, nil
}

// addressOr parses s, falling back to the key's address when s is empty.
func addressOr(s string, key *ecdsa.PrivateKey, field string) (common.Address, error) {
	if s != "" {
		return common.HexToAddress(s), nil
	}
	if key == nil {
		return common.Address{}, fmt.Errorf("%s is empty and no operator key is configured", field)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey), nil
}

// wad parses an optional decimal amount, treating "" as zero.
func wad(s string) (*uint256.Int, error) {
	if s == "" {
		return fixedpoint.Zero(), nil
	}
	return fixedpoint.ParseWad(s)
}

// simulation is a seeded ledger world and the engine operating on it.
type simulation struct {
	scenario *sim.Scenario
	engine   *migrator.Engine
}

// buildSimulation seeds the in-memory ledgers from cfg.Simulation and wires
// an engine over them. The bridging pool sits at the address derived from
// the configured factory so the broker's callback check applies unchanged.
func buildSimulation(cfg *config.Config, key *ecdsa.PrivateKey, logger *slog.Logger) (*simulation, error) {
	self := common.HexToAddress(cfg.Engine.Address)
	owner, err := addressOr(cfg.Simulation.Owner, key, "simulation.owner")
	if err != nil {
		return nil, err
	}
	feeRecipient, err := addressOr(cfg.Engine.FeeRecipient, key, "engine.fee_recipient")
	if err != nil {
		return nil, err
	}

	tier := uint32(cfg.Engine.PoolFeeTier)
	trusted := make([]common.Address, 0, len(cfg.Engine.TrustedPools))
	for _, p := range cfg.Engine.TrustedPools {
		trusted = append(trusted, common.HexToAddress(p))
	}
	verifier := flash.NewPoolVerifier(
		common.HexToAddress(cfg.Engine.PoolFactory),
		common.HexToHash(cfg.Engine.PoolInitCodeHash),
		flash.NewPoolKey(sim.DAIAddress, sim.LUSDAddress, tier),
		trusted...,
	)

	sc := sim.DefaultScenarioConfig(owner, self, verifier.Expected())
	sc.Ilk = cfg.Simulation.Ilk
	sc.PoolFee = tier
	if sc.Rate, err = fixedpoint.ParseUnits(cfg.Simulation.Rate, fixedpoint.RayDecimals); err != nil {
		return nil, fmt.Errorf("simulation.rate: %w", err)
	}
	for _, f := range []struct {
		dst   **uint256.Int
		value string
		name  string
	}{
		{&sc.Price, cfg.Simulation.Price, "price"},
		{&sc.VaultCollateral, cfg.Simulation.VaultCollateral, "vault_collateral"},
		{&sc.VaultDebt, cfg.Simulation.VaultDebt, "vault_debt"},
		{&sc.PoolDAI, cfg.Simulation.PoolDAI, "pool_dai"},
		{&sc.PoolLUSD, cfg.Simulation.PoolLUSD, "pool_lusd"},
		{&sc.ExistingTroveCollateral, cfg.Simulation.ExistingTroveCollateral, "existing_trove_collateral"},
		{&sc.ExistingTroveDebt, cfg.Simulation.ExistingTroveDebt, "existing_trove_debt"},
	} {
		if *f.dst, err = wad(f.value); err != nil {
			return nil, fmt.Errorf("simulation.%s: %w", f.name, err)
		}
	}

	scenario, err := sim.NewScenario(sc)
	if err != nil {
		return nil, err
	}
	broker, err := flash.NewBroker(scenario.Pool, verifier, self, logger)
	if err != nil {
		return nil, err
	}
	maxFee, err := fixedpoint.ParseWad(cfg.Engine.DefaultMaxBorrowingFee)
	if err != nil {
		return nil, fmt.Errorf("engine.default_max_borrowing_fee: %w", err)
	}
	engine, err := migrator.New(migrator.Config{
		Self:                   self,
		FeeRecipient:           feeRecipient,
		DefaultMaxBorrowingFee: maxFee,
	}, scenario.Vat, scenario.Troves, broker, scenario.World, logger)
	if err != nil {
		return nil, err
	}
	return &simulation{scenario: scenario, engine: engine}, nil
}
