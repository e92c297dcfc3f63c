package core

import (
	"sync"
)

// TurnLimiter enforces a maximum number of model turns per conversation run.
type TurnLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewTurnLimiter creates a new limiter with a max number of turns.
// If max == 0, unlimited turns are allowed.
func NewTurnLimiter(max int) *TurnLimiter {
	return &TurnLimiter{max: max}
}

// Consume takes one turn from the budget and returns a turn_limit_exceeded
// error once the budget is used up.
func (tl *TurnLimiter) Consume() error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.count++
	if tl.max > 0 && tl.count > tl.max {
		return Errorf(KindTurnLimitExceeded, "exceeded max turns: %d", tl.max)
	}

	return nil
}

// Count returns the number of turns consumed.
func (tl *TurnLimiter) Count() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	return tl.count
}

// Remaining returns how many turns are left before hitting the limit.
func (tl *TurnLimiter) Remaining() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.max == 0 {
		return -1 // unlimited
	}

	if tl.count >= tl.max {
		return 0
	}

	return tl.max - tl.count
}
