package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/vaultshift/internal/chain"
	"github.com/alanyoungcy/vaultshift/internal/crypto"
	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/alanyoungcy/vaultshift/internal/migrator"
	"github.com/alanyoungcy/vaultshift/internal/server"
	"github.com/alanyoungcy/vaultshift/internal/server/handler"
	"github.com/alanyoungcy/vaultshift/internal/server/ws"
	"github.com/alanyoungcy/vaultshift/internal/service"
)

// exportInterval is how often server mode retries the monthly history export.
const exportInterval = 24 * time.Hour

// newService builds the migration service over a simulated engine with every
// optional dependency that was wired.
func (a *App) newService(ctx context.Context, deps *Dependencies) (*service.MigrationService, *simulation, error) {
	key, err := operatorKey(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := buildSimulation(a.cfg, key, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build simulation: %w", err)
	}
	a.logger.InfoContext(ctx, "simulated ledgers seeded",
		slog.Uint64("vault", uint64(s.scenario.VaultID)),
		slog.String("owner", s.scenario.Owner.Hex()),
		slog.String("engine", s.engine.Self().Hex()),
		slog.String("fee_recipient", s.engine.FeeRecipient().Hex()),
		slog.String("pool", s.scenario.Pool.Address().Hex()),
	)

	dom := crypto.NewDomain(uint64(a.cfg.Chain.ChainID), s.engine.Self())
	svc := service.NewMigrationService(s.engine, dom, deps.Nonces, deps.Records, a.logger).
		WithBus(deps.Bus).
		WithNotifier(deps.Notifier)
	if deps.Locks != nil {
		svc.WithLocks(deps.Locks, a.cfg.Engine.LockTTL.Duration)
	}
	if deps.Audit != nil {
		svc.WithAudit(deps.Audit)
	}
	if deps.Archiver != nil {
		svc.WithArchiver(deps.Archiver)
	}
	return svc, s, nil
}

// ServerMode serves the migration API and WebSocket event relay, and exports
// migration history to the archive once a month when both Postgres and S3
// are wired.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svc, s, err := a.newService(ctx, deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Engine:    s.engine.Self().Hex(),
		State:     func() string { return svc.EngineState().String() },
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Health, a.logger),
		Status: &handler.StatusHandler{
			Mode:         a.cfg.Mode,
			ChainID:      uint64(a.cfg.Chain.ChainID),
			Engine:       s.engine.Self().Hex(),
			FeeRecipient: s.engine.FeeRecipient().Hex(),
			State:        svc.EngineState,
		},
	}
	if deps.Archiver != nil {
		handlers.Positions = handler.NewPositionHandler(svc, deps.Archiver, a.logger)
		handlers.Migrations = handler.NewMigrationHandler(svc, deps.Archiver, a.logger)
	} else {
		handlers.Positions = handler.NewPositionHandler(svc, nil, a.logger)
		handlers.Migrations = handler.NewMigrationHandler(svc, nil, a.logger)
	}

	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
			RateLimit:   a.cfg.Server.RateLimit,
			RateWindow:  a.cfg.Server.RateWindow.Duration,
		}, handlers, hub, deps.Limiter, a.logger)

		g.Go(func() error {
			return srv.Run(ctx, server.ShutdownGrace)
		})
	} else {
		a.logger.WarnContext(ctx, "server.enabled is false, only background jobs run")
	}

	if deps.Archiver != nil && deps.History != nil {
		g.Go(func() error {
			return a.runHistoryExport(ctx, deps)
		})
	}

	return g.Wait()
}

// runHistoryExport exports everything before the current month, then retries
// daily so a new month is picked up without a restart.
func (a *App) runHistoryExport(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(exportInterval)
	defer ticker.Stop()
	for {
		now := time.Now().UTC()
		cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		n, err := deps.Archiver.ExportHistory(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "history export failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			a.logger.InfoContext(ctx, "history exported",
				slog.Int64("records", n),
				slog.Time("before", cutoff),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SimulateMode signs and executes one migration of the seeded vault with the
// operator key, then logs the receipt and final ledger state.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting simulate mode")

	svc, s, err := a.newService(ctx, deps)
	if err != nil {
		return fmt.Errorf("simulate mode: %w", err)
	}
	key, err := operatorKey(a.cfg)
	if err != nil {
		return fmt.Errorf("simulate mode: %w", err)
	}
	if key == nil {
		return fmt.Errorf("simulate mode: an operator key is required")
	}

	signer := crypto.NewSigner(key, svc.Domain())
	req := domain.MigrationRequest{
		PositionID:       s.scenario.VaultID,
		MaxSlippageBps:   uint32(a.cfg.Simulation.MaxSlippageBps),
		DestinationOwner: s.scenario.Owner,
		CollateralOwner:  s.scenario.Owner,
	}
	nonce := uint64(time.Now().UnixNano())
	sig, err := signer.SignMigration(req, nonce)
	if err != nil {
		return fmt.Errorf("simulate mode: sign: %w", err)
	}

	rec, err := svc.ExecuteSigned(ctx, service.SignedMigration{
		Request:   req,
		Nonce:     nonce,
		Signature: sig,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "migration failed",
			slog.String("id", rec.ID),
			slog.String("kind", string(domain.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("simulate mode: %w", err)
	}

	r := rec.Receipt
	a.logger.InfoContext(ctx, "migration completed",
		slog.String("id", rec.ID),
		slog.Uint64("vault", uint64(r.PositionID)),
		slog.String("signer", signer.Address().Hex()),
		slog.String("migrated_collateral", fixedpoint.FormatWad(r.MigratedCollateral)),
		slog.String("fee", fixedpoint.FormatWad(r.Fee)),
		slog.String("repaid_dai", fixedpoint.FormatWad(r.RepaidDebt)),
		slog.String("flash_fee", fixedpoint.FormatWad(r.FlashFee)),
		slog.String("drawn_lusd", fixedpoint.FormatWad(r.Drawn)),
		slog.String("surplus_dai", fixedpoint.FormatWad(r.Surplus)),
	)

	view, err := svc.Position(ctx, req.PositionID)
	if err != nil {
		return fmt.Errorf("simulate mode: read final state: %w", err)
	}
	a.logger.InfoContext(ctx, "final state",
		slog.String("vault_collateral", fixedpoint.FormatWad(view.Source.Collateral)),
		slog.String("vault_debt", fixedpoint.FormatWad(view.Source.Debt)),
		slog.String("trove_collateral", fixedpoint.FormatWad(view.Destination.Collateral)),
		slog.String("trove_debt", fixedpoint.FormatWad(view.Destination.Debt)),
		slog.String("trove_status", view.Destination.Status.String()),
	)
	return nil
}

// QuoteMode previews a migration of a live vault using read-only chain
// calls. No transaction is built or sent.
func (a *App) QuoteMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting quote mode",
		slog.String("rpc", a.cfg.Chain.RPCURL),
		slog.Int("vault", a.cfg.Chain.QuoteVault),
	)

	reader, closeFn, err := chain.Dial(ctx, a.cfg.Chain.RPCURL, uint64(a.cfg.Chain.ChainID), chain.Addresses{
		CDPManager:   common.HexToAddress(a.cfg.Chain.CDPManager),
		Vat:          common.HexToAddress(a.cfg.Chain.Vat),
		TroveManager: common.HexToAddress(a.cfg.Chain.TroveManager),
	})
	if err != nil {
		return fmt.Errorf("quote mode: %w", err)
	}
	a.onClose(closeFn)

	planner := &migrator.Planner{
		Source:        reader,
		Destination:   reader,
		FeeTier:       uint32(a.cfg.Engine.PoolFeeTier),
		BridgingAsset: common.HexToAddress(a.cfg.Chain.DAI),
		DrawAsset:     common.HexToAddress(a.cfg.Chain.LUSD),
	}
	owner := common.HexToAddress(a.cfg.Chain.QuoteOwner)
	plan, err := planner.Plan(ctx, domain.MigrationRequest{
		PositionID:       domain.PositionID(a.cfg.Chain.QuoteVault),
		MaxSlippageBps:   uint32(a.cfg.Engine.DefaultMaxSlippageBps),
		DestinationOwner: owner,
		CollateralOwner:  owner,
	})
	if err != nil {
		return fmt.Errorf("quote mode: %w", err)
	}

	a.logger.InfoContext(ctx, "migration quote",
		slog.Uint64("vault", uint64(plan.Source.ID)),
		slog.String("vault_owner", plan.Source.Owner.Hex()),
		slog.String("collateral", fixedpoint.FormatWad(plan.Source.Collateral)),
		slog.String("debt", fixedpoint.FormatWad(plan.Source.Debt)),
		slog.String("repay", fixedpoint.FormatWad(plan.Source.Repay)),
		slog.String("fee", fixedpoint.FormatWad(plan.Fee)),
		slog.String("deposit", fixedpoint.FormatWad(plan.DepositedCollateral)),
		slog.String("flash_amount", fixedpoint.FormatWad(plan.FlashAmount)),
		slog.String("flash_fee", fixedpoint.FormatWad(plan.FlashFee)),
		slog.String("flash_owed", fixedpoint.FormatWad(plan.FlashOwed)),
		slog.String("trove_status", plan.Destination.Status.String()),
		slog.String("trove_collateral", fixedpoint.FormatWad(plan.Destination.Collateral)),
		slog.String("trove_debt", fixedpoint.FormatWad(plan.Destination.Debt)),
	)
	return nil
}
