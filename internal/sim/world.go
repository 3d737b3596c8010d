// Package sim is an in-memory, journaled execution environment holding a
// Maker-style vault ledger, a Liquity-style trove ledger, fungible assets
// and a flash-loan pool. Every mutation records its exact inverse so that a
// failed migration can be rolled back bit for bit.
package sim

import (
	"sync"

	"github.com/alanyoungcy/vaultshift/internal/domain"
)

// World owns the undo journal shared by every simulated contract.
type World struct {
	mu      sync.Mutex
	journal []func()
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{}
}

// record appends the inverse of a mutation that has just been applied.
func (w *World) record(undo func()) {
	w.mu.Lock()
	w.journal = append(w.journal, undo)
	w.mu.Unlock()
}

// Snapshot returns a revision id for the current state.
func (w *World) Snapshot() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.journal)
}

// RevertToSnapshot undoes every mutation made since revision, newest first.
func (w *World) RevertToSnapshot(revision int) {
	w.mu.Lock()
	if revision < 0 || revision > len(w.journal) {
		w.mu.Unlock()
		return
	}
	undo := append([]func(){}, w.journal[revision:]...)
	w.journal = w.journal[:revision]
	w.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// JournalLen reports how many mutations are recorded.
func (w *World) JournalLen() int {
	return w.Snapshot()
}

var _ domain.StateJournal = (*World)(nil)
