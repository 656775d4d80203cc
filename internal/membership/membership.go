// Package membership tracks which peers are believed alive, passively: any
// received message refreshes the sender's last-seen time, and a periodic
// sweep ages out peers that have gone quiet.
package membership

import (
	"sync"
	"time"
)

// Table is a liveness table mapping PID to the last instant a message was
// received from that peer. Safe for concurrent use.
type Table struct {
	mu         sync.Mutex
	lastSeen   map[int]time.Time
	failTimeout time.Duration
	self       int
}

// NewTable creates a liveness table that considers a peer dead once
// failTimeout has elapsed since its last message. selfPID is never expired.
func NewTable(selfPID int, failTimeout time.Duration) *Table {
	return &Table{
		lastSeen:    make(map[int]time.Time),
		failTimeout: failTimeout,
		self:        selfPID,
	}
}

// Touch records that a message was just received from pid.
func (t *Table) Touch(pid int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[pid] = now
}

// Alive reports whether pid has been heard from within the fail timeout.
// The self entry is always alive.
func (t *Table) Alive(pid int, now time.Time) bool {
	if pid == t.self {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	seen, ok := t.lastSeen[pid]
	if !ok {
		return false
	}
	return now.Sub(seen) < t.failTimeout
}

// Sweep removes entries older than the fail timeout and returns the PIDs
// that were just declared failed, in no particular order.
func (t *Table) Sweep(now time.Time) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var failed []int
	for pid, seen := range t.lastSeen {
		if pid == t.self {
			continue
		}
		if now.Sub(seen) >= t.failTimeout {
			failed = append(failed, pid)
			delete(t.lastSeen, pid)
		}
	}
	return failed
}

// Snapshot returns a copy of the table for diagnostics/metrics.
func (t *Table) Snapshot() map[int]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int]time.Time, len(t.lastSeen))
	for pid, seen := range t.lastSeen {
		out[pid] = seen
	}
	return out
}

// LiveCount returns the number of peers (including self) currently
// considered alive.
func (t *Table) LiveCount(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 1 // self
	for pid, seen := range t.lastSeen {
		if pid == t.self {
			continue
		}
		if now.Sub(seen) < t.failTimeout {
			count++
		}
	}
	return count
}
