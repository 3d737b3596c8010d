package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/vaultshift/internal/domain"
	"github.com/alanyoungcy/vaultshift/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Position(ctx context.Context, id domain.PositionID) (service.PositionView, error)
	History(ctx context.Context, id domain.PositionID, opts domain.ListOpts) ([]domain.MigrationRecord, error)
}

// ReceiptLister lists archived receipts of a position.
type ReceiptLister interface {
	ListReceipts(ctx context.Context, position domain.PositionID) ([]domain.BlobInfo, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	receipts  ReceiptLister
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. receipts may be nil when no
// archive is configured.
func NewPositionHandler(positions PositionService, receipts ReceiptLister, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		receipts:  receipts,
		logger:    logger,
	}
}

type positionResponse struct {
	Source      domain.PositionDocument `json:"source"`
	Destination domain.PositionDocument `json:"destination"`
}

// GetPosition returns a vault and the trove its owner would migrate into.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	view, err := h.positions.Position(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		Source:      domain.NewPositionDocument(view.Source),
		Destination: domain.NewPositionDocument(view.Destination),
	})
}

// ListHistory returns the migration attempts on one position.
// GET /api/positions/{id}/migrations?limit=50&offset=0
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := positionParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	recs, err := h.positions.History(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listMigrationsResponse{Migrations: recordDocuments(recs)})
}

type receiptObject struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

// ListReceipts returns the archived receipt objects of one position.
// GET /api/positions/{id}/receipts
func (h *PositionHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	if h.receipts == nil {
		writeError(w, http.StatusNotFound, "receipt archive not configured")
		return
	}
	id, ok := positionParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	infos, err := h.receipts.ListReceipts(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	out := make([]receiptObject, 0, len(infos))
	for _, info := range infos {
		obj := receiptObject{Path: info.Path, Size: info.Size}
		if !info.LastModified.IsZero() {
			obj.LastModified = info.LastModified.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, obj)
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": out})
}
