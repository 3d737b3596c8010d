package handler

import (
	"net/http"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// StatusHandler serves the engine identity and its current state.
type StatusHandler struct {
	Mode         string
	ChainID      uint64
	Engine       string
	FeeRecipient string
	State        func() domain.MigrationState
}

// GetStatus responds with the engine's identity and state machine step.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	state := domain.StateIdle
	if h.State != nil {
		state = h.State()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":          h.Mode,
		"chain_id":      h.ChainID,
		"engine":        h.Engine,
		"fee_recipient": h.FeeRecipient,
		"state":         state.String(),
	})
}
