package engine

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ushauri/voicegateway/model"
)

// ErrTurnInFlight is returned by Begin when a waiting entry already exists
// for the call. Callers must not launch a second answer request.
var ErrTurnInFlight = errors.New("a turn is already in flight for this call")

// PendingRegistry tracks at most one in-flight turn per call. Entries move
// waiting -> ready or waiting -> failed exactly once and are removed either
// by Take, Drop, or the expiry sweep.
type PendingRegistry struct {
	mu      sync.Mutex
	clock   Clock
	pending map[string]*model.PendingTurn
}

// NewPendingRegistry creates an empty registry driven by the given clock.
func NewPendingRegistry(clock Clock) *PendingRegistry {
	return &PendingRegistry{
		clock:   clock,
		pending: make(map[string]*model.PendingTurn),
	}
}

// Begin creates a waiting entry for callSID. A leftover ready or failed
// entry is overwritten; a waiting one means a request is still running and
// Begin returns ErrTurnInFlight.
func (r *PendingRegistry) Begin(callSID string, turnNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[callSID]; ok && p.Status == model.PendingWaiting {
		return ErrTurnInFlight
	}
	r.pending[callSID] = &model.PendingTurn{
		CallSID:    callSID,
		TurnNumber: turnNumber,
		Status:     model.PendingWaiting,
		CreatedAt:  r.clock.Now(),
	}
	return nil
}

// Resolve transitions a waiting entry to ready, recording the answer. It
// reports whether a waiting entry was found; a resolve arriving after the
// entry was consumed or swept is a no-op.
func (r *PendingRegistry) Resolve(callSID, answer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[callSID]
	if !ok || p.Status != model.PendingWaiting {
		return false
	}
	now := r.clock.Now()
	p.Status = model.PendingReady
	p.Answer = answer
	p.ResolvedAt = &now
	return true
}

// Fail transitions a waiting entry to failed with the given reason.
func (r *PendingRegistry) Fail(callSID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[callSID]
	if !ok || p.Status != model.PendingWaiting {
		return false
	}
	now := r.clock.Now()
	p.Status = model.PendingFailed
	p.FailReason = reason
	p.ResolvedAt = &now
	return true
}

// Get returns a copy of the entry for callSID without consuming it.
func (r *PendingRegistry) Get(callSID string) (model.PendingTurn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[callSID]
	if !ok {
		return model.PendingTurn{}, false
	}
	return *p, true
}

// Take atomically reads and deletes the entry for callSID. A second Take for
// the same call reports no entry; it never fails otherwise.
func (r *PendingRegistry) Take(callSID string) (model.PendingTurn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[callSID]
	if !ok {
		return model.PendingTurn{}, false
	}
	delete(r.pending, callSID)
	return *p, true
}

// Drop removes the entry for callSID regardless of status.
func (r *PendingRegistry) Drop(callSID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[callSID]; !ok {
		return false
	}
	delete(r.pending, callSID)
	return true
}

// Len returns the number of pending entries.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// SweepExpired removes every entry whose CreatedAt is older than ttl relative
// to now, returning the number removed. Expiry keys off CreatedAt only so a
// sweep can never race a waiting -> ready transition into a half state.
func (r *PendingRegistry) SweepExpired(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for sid, p := range r.pending {
		if now.Sub(p.CreatedAt) > ttl {
			delete(r.pending, sid)
			removed++
		}
	}
	return removed
}

// Snapshot returns content-free metadata for every pending turn, sorted by
// call SID.
func (r *PendingRegistry) Snapshot() []model.PendingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.PendingInfo, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, model.PendingInfo{
			CallSID:    p.CallSID,
			TurnNumber: p.TurnNumber,
			Status:     p.Status,
			CreatedAt:  p.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallSID < out[j].CallSID })
	return out
}
