// Package scheduler runs the quota-gated auto-check chain over the part
// catalog.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/partlabs/eolwatch/internal/eol"
)

// StateKey is the record-store key holding the shared scheduler state.
const StateKey = "autocheck:state"

// dateLayout formats the day-boundary marker in the reference timezone.
const dateLayout = "2006-01-02"

// StateStore persists AutoCheckState in the record store so every tick,
// wherever it runs, sees the same counters and flags.
type StateStore struct {
	store eol.RecordStore
}

// NewStateStore constructs a StateStore.
func NewStateStore(store eol.RecordStore) *StateStore {
	return &StateStore{store: store}
}

// Load returns the current state. A missing record is the zero state:
// disabled, not running, zero counter.
func (s *StateStore) Load(ctx context.Context) (eol.AutoCheckState, error) {
	raw, err := s.store.Get(ctx, StateKey)
	if err != nil {
		if errors.Is(err, eol.ErrNotFound) {
			return eol.AutoCheckState{}, nil
		}
		return eol.AutoCheckState{}, fmt.Errorf("load autocheck state: %w", err)
	}
	var state eol.AutoCheckState
	if err := json.Unmarshal(raw, &state); err != nil {
		return eol.AutoCheckState{}, fmt.Errorf("decode autocheck state: %w", err)
	}
	return state, nil
}

// Save persists the state.
func (s *StateStore) Save(ctx context.Context, state eol.AutoCheckState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode autocheck state: %w", err)
	}
	if err := s.store.Set(ctx, StateKey, raw); err != nil {
		return fmt.Errorf("save autocheck state: %w", err)
	}
	return nil
}

// ResetIfNewDay zeroes the daily counter when now falls on a later day
// than the last reset, judged in the reference timezone. Reports whether
// a reset happened; at most one tick per boundary observes true because
// the marker is updated in the same write.
func ResetIfNewDay(state *eol.AutoCheckState, now time.Time, loc *time.Location) bool {
	date := now.In(loc).Format(dateLayout)
	if state.LastResetDate == date {
		return false
	}
	state.DailyCounter = 0
	state.LastResetDate = date
	return true
}
