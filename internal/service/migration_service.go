// Package service runs migrations on behalf of authenticated callers and
// fans the outcome out to storage, events, the receipt archive and
// operator notifications.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/vaultshift/internal/crypto"
	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/notify"
)

// MigrationsChannel is the bus channel and stream carrying migration events.
const MigrationsChannel = "migrations"

// Engine is the migration engine as seen by the service.
type Engine interface {
	Migrate(ctx context.Context, caller common.Address, req domain.MigrationRequest) (*domain.MigrationReceipt, error)
	Plan(ctx context.Context, req domain.MigrationRequest) (domain.MigrationPlan, error)
	Position(ctx context.Context, id domain.PositionID) (domain.Position, error)
	Trove(ctx context.Context, owner common.Address) (domain.Position, error)
	State() domain.MigrationState
}

// Notifier announces migration outcomes to operators.
type Notifier interface {
	MigrationCompleted(ctx context.Context, r domain.MigrationReceipt) error
	MigrationFailed(ctx context.Context, rec domain.MigrationRecord) error
}

// SignedMigration is a migration request authorised by an EIP-712 signature
// over the request and a caller-chosen nonce.
type SignedMigration struct {
	Request   domain.MigrationRequest
	Nonce     uint64
	Signature []byte
}

// MigrationEvent is the payload published on MigrationsChannel.
type MigrationEvent struct {
	Type   string                `json:"type"`
	Record domain.RecordDocument `json:"record"`
}

// MigrationService wraps the engine with caller authentication, per-position
// locking and outcome fan-out. Everything other than the engine, the nonce
// store and the record store is optional.
type MigrationService struct {
	engine  Engine
	domain  crypto.Domain
	nonces  domain.NonceStore
	records domain.MigrationStore

	locks    domain.LockManager
	lockTTL  time.Duration
	audit    domain.AuditStore
	bus      domain.SignalBus
	archiver domain.ReceiptArchiver
	notifier Notifier

	logger *slog.Logger
	now    func() time.Time
}

// NewMigrationService creates a MigrationService. dom is the typed-data
// domain signed requests are verified against.
func NewMigrationService(
	engine Engine,
	dom crypto.Domain,
	nonces domain.NonceStore,
	records domain.MigrationStore,
	logger *slog.Logger,
) *MigrationService {
	return &MigrationService{
		engine:  engine,
		domain:  dom,
		nonces:  nonces,
		records: records,
		logger:  logger.With(slog.String("component", "migration_service")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithLocks serialises migrations of one position across service instances.
func (s *MigrationService) WithLocks(locks domain.LockManager, ttl time.Duration) *MigrationService {
	s.locks = locks
	s.lockTTL = ttl
	return s
}

// WithAudit records every attempt in the audit log.
func (s *MigrationService) WithAudit(audit domain.AuditStore) *MigrationService {
	s.audit = audit
	return s
}

// WithBus publishes every attempt on MigrationsChannel.
func (s *MigrationService) WithBus(bus domain.SignalBus) *MigrationService {
	s.bus = bus
	return s
}

// WithArchiver archives the receipt of every successful migration.
func (s *MigrationService) WithArchiver(a domain.ReceiptArchiver) *MigrationService {
	s.archiver = a
	return s
}

// WithNotifier announces every attempt to operators.
func (s *MigrationService) WithNotifier(n Notifier) *MigrationService {
	s.notifier = n
	return s
}

// Domain returns the typed-data domain requests must be signed for.
func (s *MigrationService) Domain() crypto.Domain { return s.domain }

// ExecuteSigned authenticates sm and runs it. The signer becomes the caller.
// A bad signature or a reused nonce fails with domain.ErrUnauthorized before
// the engine is touched.
func (s *MigrationService) ExecuteSigned(ctx context.Context, sm SignedMigration) (domain.MigrationRecord, error) {
	if err := sm.Request.Validate(); err != nil {
		return domain.MigrationRecord{}, fmt.Errorf("migration_service: %w", err)
	}
	caller, err := crypto.RecoverMigrationSigner(s.domain, sm.Request, sm.Nonce, sm.Signature)
	if err != nil {
		return domain.MigrationRecord{}, fmt.Errorf("migration_service: %w", err)
	}
	if err := s.nonces.Use(ctx, caller.Hex(), sm.Nonce); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.MigrationRecord{}, fmt.Errorf("migration_service: %w: nonce %d already used by %s",
				domain.ErrUnauthorized, sm.Nonce, caller.Hex())
		}
		return domain.MigrationRecord{}, fmt.Errorf("migration_service: use nonce: %w", err)
	}
	return s.Execute(ctx, caller, sm.Request)
}

// Execute runs req for an already authenticated caller. The returned record
// is persisted whether or not the migration succeeded; err is the engine's
// error, classified by domain.KindOf.
func (s *MigrationService) Execute(ctx context.Context, caller common.Address, req domain.MigrationRequest) (domain.MigrationRecord, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, domain.PositionLockKey(req.PositionID), s.lockTTL)
		if err != nil {
			return domain.MigrationRecord{}, fmt.Errorf("migration_service: position %d: %w", req.PositionID, err)
		}
		defer unlock()
	}

	receipt, migrateErr := s.engine.Migrate(ctx, caller, req)

	rec := domain.MigrationRecord{
		ID:               uuid.NewString(),
		PositionID:       req.PositionID,
		Caller:           caller,
		DestinationOwner: req.DestinationOwner,
		CollateralOwner:  req.CollateralOwner,
		MaxSlippageBps:   req.MaxSlippageBps,
		Status:           domain.MigrationSucceeded,
		CreatedAt:        s.now(),
	}
	if migrateErr != nil {
		rec.Status = domain.MigrationFailed
		rec.ErrorKind = domain.KindOf(migrateErr)
		rec.ErrorMessage = migrateErr.Error()
	} else {
		rec.ID = receipt.ID
		rec.Receipt = receipt
		rec.CreatedAt = receipt.CompletedAt
	}

	// The ledgers are already settled, so nothing below may change the
	// outcome reported to the caller.
	sideCtx := context.WithoutCancel(ctx)
	if err := s.records.Insert(sideCtx, rec); err != nil {
		s.logger.ErrorContext(ctx, "persist migration record failed",
			slog.String("migration_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	s.fanOut(sideCtx, rec)
	return rec, migrateErr
}

func (s *MigrationService) fanOut(ctx context.Context, rec domain.MigrationRecord) {
	event := notifyEvent(rec)

	if s.audit != nil {
		detail := map[string]any{
			"migration_id": rec.ID,
			"position_id":  uint64(rec.PositionID),
			"caller":       rec.Caller.Hex(),
		}
		if rec.ErrorKind != domain.KindNone {
			detail["error_kind"] = string(rec.ErrorKind)
		}
		if err := s.audit.Log(ctx, "migration."+string(rec.Status), detail); err != nil {
			s.logSideFailure(ctx, "audit", rec, err)
		}
	}

	if s.bus != nil {
		payload, err := json.Marshal(MigrationEvent{Type: event, Record: domain.NewRecordDocument(rec)})
		if err != nil {
			s.logSideFailure(ctx, "marshal event", rec, err)
		} else {
			if err := s.bus.Publish(ctx, MigrationsChannel, payload); err != nil {
				s.logSideFailure(ctx, "publish", rec, err)
			}
			if err := s.bus.StreamAppend(ctx, MigrationsChannel, payload); err != nil {
				s.logSideFailure(ctx, "stream append", rec, err)
			}
		}
	}

	if s.archiver != nil && rec.Receipt != nil {
		path, err := s.archiver.ArchiveReceipt(ctx, *rec.Receipt)
		if err != nil {
			s.logSideFailure(ctx, "archive", rec, err)
		} else {
			s.logger.DebugContext(ctx, "receipt archived",
				slog.String("migration_id", rec.ID),
				slog.String("path", path),
			)
		}
	}

	if s.notifier != nil {
		var err error
		if rec.Receipt != nil {
			err = s.notifier.MigrationCompleted(ctx, *rec.Receipt)
		} else {
			err = s.notifier.MigrationFailed(ctx, rec)
		}
		if err != nil {
			s.logSideFailure(ctx, "notify", rec, err)
		}
	}
}

func (s *MigrationService) logSideFailure(ctx context.Context, step string, rec domain.MigrationRecord, err error) {
	s.logger.WarnContext(ctx, "migration side effect failed",
		slog.String("step", step),
		slog.String("migration_id", rec.ID),
		slog.String("error", err.Error()),
	)
}

func notifyEvent(rec domain.MigrationRecord) string {
	if rec.Status == domain.MigrationSucceeded {
		return notify.EventMigrationCompleted
	}
	return notify.EventMigrationFailed
}

// Quote previews req without touching any ledger.
func (s *MigrationService) Quote(ctx context.Context, req domain.MigrationRequest) (domain.MigrationPlan, error) {
	if err := req.Validate(); err != nil {
		return domain.MigrationPlan{}, fmt.Errorf("migration_service: %w", err)
	}
	plan, err := s.engine.Plan(ctx, req)
	if err != nil {
		return domain.MigrationPlan{}, fmt.Errorf("migration_service: quote: %w", err)
	}
	return plan, nil
}

// PositionView is a vault together with the trove it would migrate into.
type PositionView struct {
	Source      domain.Position
	Destination domain.Position
}

// Position returns vault id and the trove of its owner.
func (s *MigrationService) Position(ctx context.Context, id domain.PositionID) (PositionView, error) {
	src, err := s.engine.Position(ctx, id)
	if err != nil {
		return PositionView{}, fmt.Errorf("migration_service: position %d: %w", id, err)
	}
	dst, err := s.engine.Trove(ctx, src.Owner)
	if err != nil {
		return PositionView{}, fmt.Errorf("migration_service: trove of %s: %w", src.Owner.Hex(), err)
	}
	return PositionView{Source: src, Destination: dst}, nil
}

// Recent lists migration attempts, newest first.
func (s *MigrationService) Recent(ctx context.Context, opts domain.ListOpts) ([]domain.MigrationRecord, error) {
	recs, err := s.records.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("migration_service: list recent: %w", err)
	}
	return recs, nil
}

// History lists the attempts on one position, newest first.
func (s *MigrationService) History(ctx context.Context, id domain.PositionID, opts domain.ListOpts) ([]domain.MigrationRecord, error) {
	recs, err := s.records.ListByPosition(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("migration_service: history of %d: %w", id, err)
	}
	return recs, nil
}

// Record returns one attempt by id.
func (s *MigrationService) Record(ctx context.Context, id string) (domain.MigrationRecord, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return domain.MigrationRecord{}, fmt.Errorf("migration_service: record %s: %w", id, err)
	}
	return rec, nil
}

// EngineState reports the engine's current state machine step.
func (s *MigrationService) EngineState() domain.MigrationState {
	return s.engine.State()
}
