package handlers

import (
	"net/http"

	"github.com/watzon/tether/internal/state"
)

// Snapshotter returns a copy of the session state.
type Snapshotter interface {
	Snapshot() (state.State, error)
}

// State returns a handler for GET /api/state.
func State(store Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := store.Snapshot()
		if err != nil {
			InternalError(w, "Failed to read state")
			return
		}
		JSON(w, http.StatusOK, snap)
	}
}
