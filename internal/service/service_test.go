package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/vaultshift/internal/crypto"
	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/flash"
	"github.com/alanyoungcy/vaultshift/internal/migrator"
	"github.com/alanyoungcy/vaultshift/internal/sim"
)

const ownerKeyHex = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	engineAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	feeRecipient = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeArchiver struct {
	err      error
	archived []string
}

func (a *fakeArchiver) ArchiveReceipt(_ context.Context, r domain.MigrationReceipt) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.archived = append(a.archived, r.ID)
	return "receipts/" + r.ID + ".json", nil
}

type fakeNotifier struct {
	completed []string
	failed    []domain.ErrorKind
}

func (n *fakeNotifier) MigrationCompleted(_ context.Context, r domain.MigrationReceipt) error {
	n.completed = append(n.completed, r.ID)
	return nil
}

func (n *fakeNotifier) MigrationFailed(_ context.Context, rec domain.MigrationRecord) error {
	n.failed = append(n.failed, rec.ErrorKind)
	return errors.New("webhook down")
}

type fakeAudit struct {
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeLocks struct {
	held map[string]bool
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() { delete(l.held, key) }, nil
}

type fixture struct {
	scenario *sim.Scenario
	svc      *MigrationService
	signer   *crypto.Signer
	records  *MemoryMigrationStore
	bus      *MemoryBus
	archiver *fakeArchiver
	notifier *fakeNotifier
	audit    *fakeAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.ParseKey(ownerKeyHex)
	require.NoError(t, err)
	dom := crypto.NewDomain(1, engineAddr)
	signer := crypto.NewSigner(key, dom)

	verifier := flash.NewPoolVerifier(flash.UniswapV3Factory, flash.UniswapV3InitCodeHash,
		flash.NewPoolKey(sim.DAIAddress, sim.LUSDAddress, 3000))
	s, err := sim.NewScenario(sim.DefaultScenarioConfig(signer.Address(), engineAddr, verifier.Expected()))
	require.NoError(t, err)
	broker, err := flash.NewBroker(s.Pool, verifier, engineAddr, discardLogger())
	require.NoError(t, err)
	engine, err := migrator.New(migrator.Config{Self: engineAddr, FeeRecipient: feeRecipient},
		s.Vat, s.Troves, broker, s.World, discardLogger())
	require.NoError(t, err)

	f := &fixture{
		scenario: s,
		signer:   signer,
		records:  NewMemoryMigrationStore(),
		bus:      NewMemoryBus(100),
		archiver: &fakeArchiver{},
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
	}
	f.svc = NewMigrationService(engine, dom, NewMemoryNonceStore(), f.records, discardLogger()).
		WithBus(f.bus).
		WithArchiver(f.archiver).
		WithNotifier(f.notifier).
		WithAudit(f.audit)
	return f
}

func (f *fixture) request() domain.MigrationRequest {
	return domain.MigrationRequest{
		PositionID:       f.scenario.VaultID,
		MaxSlippageBps:   500,
		DestinationOwner: f.signer.Address(),
		CollateralOwner:  f.signer.Address(),
	}
}

func (f *fixture) sign(t *testing.T, req domain.MigrationRequest, nonce uint64) SignedMigration {
	t.Helper()
	sig, err := f.signer.SignMigration(req, nonce)
	require.NoError(t, err)
	return SignedMigration{Request: req, Nonce: nonce, Signature: sig}
}

func TestExecuteSignedMigrates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec, err := f.svc.ExecuteSigned(ctx, f.sign(t, f.request(), 1))
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationSucceeded, rec.Status)
	require.NotNil(t, rec.Receipt)
	assert.Equal(t, rec.Receipt.ID, rec.ID)
	assert.Equal(t, f.signer.Address(), rec.Caller)

	stored, err := f.svc.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationSucceeded, stored.Status)

	view, err := f.svc.Position(ctx, f.scenario.VaultID)
	require.NoError(t, err)
	assert.True(t, view.Source.Collateral.IsZero())
	assert.Equal(t, domain.TroveActive, view.Destination.Status)

	msgs, err := f.bus.StreamRead(ctx, MigrationsChannel, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var ev MigrationEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, "migration_completed", ev.Type)
	assert.Equal(t, rec.ID, ev.Record.ID)
	require.NotNil(t, ev.Record.Receipt)

	assert.Equal(t, []string{rec.ID}, f.archiver.archived)
	assert.Equal(t, []string{rec.ID}, f.notifier.completed)
	assert.Equal(t, []string{"migration.succeeded"}, f.audit.events)
	assert.Equal(t, domain.StateIdle, f.svc.EngineState())
}

func TestExecuteSignedRejectsReplayedNonce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := f.request()
	req.MaxSlippageBps = 0
	sm := f.sign(t, req, 9)

	// Zero slippage fails in the engine and still consumes the nonce.
	_, err := f.svc.ExecuteSigned(ctx, sm)
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)

	_, err = f.svc.ExecuteSigned(ctx, sm)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Contains(t, err.Error(), "nonce 9 already used")

	recs, err := f.svc.Recent(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.KindSlippageExceeded, recs[0].ErrorKind)
	assert.Equal(t, []domain.ErrorKind{domain.KindSlippageExceeded}, f.notifier.failed)
	assert.Empty(t, f.archiver.archived)
}

func TestExecuteSignedRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sm := f.sign(t, f.request(), 1)
	sm.Signature = sm.Signature[:10]

	_, err := f.svc.ExecuteSigned(ctx, sm)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	recs, err := f.svc.Recent(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestExecuteSignedByStrangerIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sm := f.sign(t, f.request(), 1)
	// Signing over a different request recovers some other address.
	sm.Request.MaxSlippageBps = 499

	rec, err := f.svc.ExecuteSigned(ctx, sm)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, domain.MigrationFailed, rec.Status)
	assert.Equal(t, domain.KindUnauthorized, rec.ErrorKind)
	assert.NotEqual(t, f.signer.Address(), rec.Caller)

	history, err := f.svc.History(ctx, f.scenario.VaultID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"migration.failed"}, f.audit.events)
}

func TestExecuteRejectsInvalidRequestBeforeSigning(t *testing.T) {
	f := newFixture(t)
	req := f.request()
	req.MaxSlippageBps = domain.MaxSlippageBps + 1
	_, err := f.svc.ExecuteSigned(context.Background(), SignedMigration{Request: req})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestExecuteHonoursPositionLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	locks := &fakeLocks{held: map[string]bool{domain.PositionLockKey(f.scenario.VaultID): true}}
	f.svc.WithLocks(locks, time.Minute)

	_, err := f.svc.Execute(ctx, f.signer.Address(), f.request())
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Equal(t, domain.KindReentrancyDetected, domain.KindOf(err))

	delete(locks.held, domain.PositionLockKey(f.scenario.VaultID))
	rec, err := f.svc.Execute(ctx, f.signer.Address(), f.request())
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationSucceeded, rec.Status)
	assert.Empty(t, locks.held)
}

func TestSideEffectFailuresDoNotChangeOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.archiver.err = errors.New("bucket gone")

	rec, err := f.svc.Execute(ctx, f.signer.Address(), f.request())
	require.NoError(t, err)
	assert.Equal(t, domain.MigrationSucceeded, rec.Status)
	assert.Empty(t, f.archiver.archived)
	assert.Len(t, f.notifier.completed, 1)
}

func TestQuote(t *testing.T) {
	f := newFixture(t)
	plan, err := f.svc.Quote(context.Background(), f.request())
	require.NoError(t, err)
	assert.True(t, plan.WithinSlippage)
	assert.Equal(t, "97000000000000000000", plan.DepositedCollateral.Dec())

	req := f.request()
	req.DestinationOwner = common.Address{}
	_, err = f.svc.Quote(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMemoryMigrationStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMigrationStore()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Insert(ctx, domain.MigrationRecord{
			ID:         id,
			PositionID: domain.PositionID(i % 2),
			CreatedAt:  t0.Add(time.Duration(i) * time.Hour),
		}))
	}
	assert.ErrorIs(t, s.Insert(ctx, domain.MigrationRecord{ID: "a"}), domain.ErrAlreadyExists)

	recent, err := s.ListRecent(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	until := t0.Add(2 * time.Hour)
	recent, err = s.ListRecent(ctx, domain.ListOpts{Until: &until, Offset: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "a", recent[0].ID)

	byPos, err := s.ListByPosition(ctx, 0, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, byPos, 2)
	assert.Equal(t, "c", byPos[0].ID)

	_, err = s.GetByID(ctx, "zzz")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewMemoryBus(2)

	ch, err := bus.Subscribe(ctx, "migr*")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "migrations", []byte("x")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("y")))
	assert.Equal(t, []byte("x"), <-ch)
	select {
	case got := <-ch:
		t.Fatalf("unexpected message %q", got)
	default:
	}

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}
	msgs, err := bus.StreamRead(ctx, "s", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[0].ID)
	msgs, err = bus.StreamRead(ctx, "s", "2", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("3"), msgs[0].Payload)

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestMemoryNonceStore(t *testing.T) {
	s := NewMemoryNonceStore()
	ctx := context.Background()
	require.NoError(t, s.Use(ctx, "0xAB", 1))
	assert.ErrorIs(t, s.Use(ctx, "0xab", 1), domain.ErrAlreadyExists)
	require.NoError(t, s.Use(ctx, "0xab", 2))
	require.NoError(t, s.Use(ctx, "0xcd", 1))
}
