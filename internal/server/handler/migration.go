package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/vaultshift/internal/crypto"
	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/fixedpoint"
	"github.com/alanyoungcy/vaultshift/internal/service"
)

// MigrationService defines the methods that the migration handler requires.
type MigrationService interface {
	Quote(ctx context.Context, req domain.MigrationRequest) (domain.MigrationPlan, error)
	ExecuteSigned(ctx context.Context, sm service.SignedMigration) (domain.MigrationRecord, error)
	Recent(ctx context.Context, opts domain.ListOpts) ([]domain.MigrationRecord, error)
	Record(ctx context.Context, id string) (domain.MigrationRecord, error)
}

// ReceiptLoader reads back an archived receipt.
type ReceiptLoader interface {
	LoadReceipt(ctx context.Context, position domain.PositionID, id string) (domain.MigrationReceipt, error)
}

// MigrationHandler serves migration HTTP endpoints.
type MigrationHandler struct {
	migrations MigrationService
	receipts   ReceiptLoader
	logger     *slog.Logger
}

// NewMigrationHandler creates a MigrationHandler. receipts may be nil when no
// archive is configured.
func NewMigrationHandler(migrations MigrationService, receipts ReceiptLoader, logger *slog.Logger) *MigrationHandler {
	return &MigrationHandler{
		migrations: migrations,
		receipts:   receipts,
		logger:     logger,
	}
}

// migrationRequest is the JSON body of quote and execute calls.
type migrationRequest struct {
	PositionID       uint64 `json:"position_id"`
	MaxSlippageBps   uint32 `json:"max_slippage_bps"`
	DestinationOwner string `json:"destination_owner"`
	CollateralOwner  string `json:"collateral_owner"`
	// MaxBorrowingFee is a decimal fraction, e.g. "0.01". Quote only.
	MaxBorrowingFee string `json:"max_borrowing_fee,omitempty"`

	// Nonce and Signature authorise an execute call.
	Nonce     uint64 `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
}

func (m migrationRequest) toDomain() (domain.MigrationRequest, error) {
	req := domain.MigrationRequest{
		PositionID:     domain.PositionID(m.PositionID),
		MaxSlippageBps: m.MaxSlippageBps,
	}
	for _, f := range []struct {
		name string
		src  string
		dst  *common.Address
	}{
		{"destination_owner", m.DestinationOwner, &req.DestinationOwner},
		{"collateral_owner", m.CollateralOwner, &req.CollateralOwner},
	} {
		if !common.IsHexAddress(f.src) {
			return domain.MigrationRequest{}, errInvalid(f.name + " is not an address")
		}
		*f.dst = common.HexToAddress(f.src)
	}
	if s := strings.TrimSpace(m.MaxBorrowingFee); s != "" {
		fee, err := fixedpoint.ParseWad(s)
		if err != nil {
			return domain.MigrationRequest{}, errInvalid("max_borrowing_fee: " + err.Error())
		}
		req.MaxBorrowingFee = fee
	}
	return req, req.Validate()
}

type invalidInput string

func (e invalidInput) Error() string { return string(e) }
func (e invalidInput) Unwrap() error { return domain.ErrInvalidInput }

func errInvalid(msg string) error { return invalidInput(msg) }

// planResponse is the JSON form of a MigrationPlan. Amounts are wei strings.
type planResponse struct {
	Source              domain.PositionDocument `json:"source"`
	Destination         domain.PositionDocument `json:"destination"`
	Fee                 string                  `json:"fee"`
	DepositedCollateral string                  `json:"deposited_collateral"`
	FlashAmount         string                  `json:"flash_amount"`
	FlashFee            string                  `json:"flash_fee"`
	FlashOwed           string                  `json:"flash_owed"`
	ExpectedIn          string                  `json:"expected_in"`
	QuotedIn            string                  `json:"quoted_in"`
	MaxIn               string                  `json:"max_in"`
	WithinSlippage      bool                    `json:"within_slippage"`
}

func amount(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

func newPlanResponse(p domain.MigrationPlan) planResponse {
	return planResponse{
		Source:              domain.NewPositionDocument(p.Source),
		Destination:         domain.NewPositionDocument(p.Destination),
		Fee:                 amount(p.Fee),
		DepositedCollateral: amount(p.DepositedCollateral),
		FlashAmount:         amount(p.FlashAmount),
		FlashFee:            amount(p.FlashFee),
		FlashOwed:           amount(p.FlashOwed),
		ExpectedIn:          amount(p.ExpectedIn),
		QuotedIn:            amount(p.QuotedIn),
		MaxIn:               amount(p.MaxIn),
		WithinSlippage:      p.WithinSlippage,
	}
}

// Quote previews a migration without executing it.
// POST /api/migrations/quote
func (h *MigrationHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var body migrationRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	plan, err := h.migrations.Quote(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newPlanResponse(plan))
}

// Execute runs a signed migration. The caller is the address recovered from
// the signature. A failed attempt is still recorded and returned with its
// error kind.
// POST /api/migrations
func (h *MigrationHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var body migrationRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.MaxBorrowingFee != "" {
		writeDomainError(w, r, h.logger, errInvalid("max_borrowing_fee is not signed and cannot be set on execute"))
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	sig, err := crypto.DecodeSignature(body.Signature)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	rec, err := h.migrations.ExecuteSigned(r.Context(), service.SignedMigration{
		Request:   req,
		Nonce:     body.Nonce,
		Signature: sig,
	})
	if err != nil {
		if rec.ID == "" {
			writeDomainError(w, r, h.logger, err)
			return
		}
		kind := domain.KindOf(err)
		writeJSON(w, statusForKind(kind), map[string]any{
			"error":     err.Error(),
			"kind":      kind,
			"migration": domain.NewRecordDocument(rec),
		})
		return
	}
	h.logger.InfoContext(r.Context(), "handler: migration executed",
		slog.String("migration_id", rec.ID),
		slog.Uint64("position_id", uint64(rec.PositionID)),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"migration": domain.NewRecordDocument(rec)})
}

type listMigrationsResponse struct {
	Migrations []domain.RecordDocument `json:"migrations"`
}

func recordDocuments(recs []domain.MigrationRecord) []domain.RecordDocument {
	out := make([]domain.RecordDocument, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.NewRecordDocument(rec))
	}
	return out
}

// ListRecent returns the most recent migration attempts.
// GET /api/migrations?limit=50&offset=0&since=...&until=...
func (h *MigrationHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	recs, err := h.migrations.Recent(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listMigrationsResponse{Migrations: recordDocuments(recs)})
}

// GetMigration returns one migration attempt.
// GET /api/migrations/{id}
func (h *MigrationHandler) GetMigration(w http.ResponseWriter, r *http.Request) {
	rec, err := h.migrations.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"migration": domain.NewRecordDocument(rec)})
}

// GetReceipt returns the archived receipt of a successful migration.
// GET /api/migrations/{id}/receipt
func (h *MigrationHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	if h.receipts == nil {
		writeError(w, http.StatusNotFound, "receipt archive not configured")
		return
	}
	rec, err := h.migrations.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if rec.Status != domain.MigrationSucceeded {
		writeError(w, http.StatusNotFound, "migration has no receipt")
		return
	}
	receipt, err := h.receipts.LoadReceipt(r.Context(), rec.PositionID, rec.ID)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewReceiptDocument(receipt))
}
