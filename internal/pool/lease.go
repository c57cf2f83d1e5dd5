package pool

import (
	"sync"
	"time"

	"wraith/internal/session"
)

// Lease is exclusive temporary ownership of one slot. Exactly one release
// happens per lease; repeated Release/Destroy calls are no-ops.
type Lease struct {
	ContextID      string
	Client         session.Client
	TaskID         string
	Priority       Priority
	AssignmentWait time.Duration
	WasQueued      bool

	m    *Manager
	once sync.Once

	crashMu     sync.Mutex
	crashed     bool
	crashReason string
}

// Release returns the slot to the pool for reuse.
func (l *Lease) Release() {
	l.once.Do(func() { l.m.release(l, false) })
}

// Destroy closes the session instead of reusing it; the pool replenishes
// the slot.
func (l *Lease) Destroy() {
	l.once.Do(func() { l.m.release(l, true) })
}

// MarkCrashed records that the session died under this lease.
func (l *Lease) MarkCrashed(reason string) {
	l.crashMu.Lock()
	l.crashed = true
	l.crashReason = reason
	l.crashMu.Unlock()
}

// ObservedCrash reports whether the session crashed during the lease.
func (l *Lease) ObservedCrash() (string, bool) {
	l.crashMu.Lock()
	defer l.crashMu.Unlock()
	return l.crashReason, l.crashed
}
