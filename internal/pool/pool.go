// Package pool maintains the warm pool of isolated ghost sessions: bounded
// slots, exclusive leases, FIFO queueing with foreground preemption, and
// replenishment after crashes and destroys.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wraith/internal/metrics"
	"wraith/internal/session"
	"wraith/internal/status"
)

// Priority orders queued acquire requests.
type Priority string

const (
	PriorityForeground Priority = "foreground"
	PriorityBackground Priority = "background"
)

// SlotState is one node of the slot lifecycle.
type SlotState string

const (
	SlotCold      SlotState = "cold"
	SlotWarming   SlotState = "warming"
	SlotAvailable SlotState = "available"
	SlotInUse     SlotState = "inUse"
)

// ErrClosed is returned by Acquire after shutdown began.
var ErrClosed = errors.New("session pool is closed")

// Config sizes the pool.
type Config struct {
	SessionCount int
	MinSize      int
	MaxSize      int
	WarmTimeout  time.Duration
}

// Emitter receives queue status payloads attributed to a task.
type Emitter func(taskID, contextID string, p status.QueuePayload)

// Request asks for one exclusive session.
type Request struct {
	TaskID   string
	Priority Priority
}

type slot struct {
	contextID  string
	state      SlotState
	taskID     string
	client     session.Client
	lease      *Lease
	unsubCrash func()
}

type waiter struct {
	req        Request
	enqueuedAt time.Time
	ch         chan *Lease
}

// Manager owns the slot set. All mutable state lives behind one mutex; the
// only long-held work (client warming) happens on goroutines that reacquire
// the lock to publish their result.
type Manager struct {
	cfg     Config
	factory session.Factory
	logger  *zap.Logger
	emit    Emitter
	met     *metrics.Metrics

	mu       sync.Mutex
	slots    map[string]*slot
	desired  map[string]bool
	queue    []*waiter
	closed   bool
	acquires int64
	releases int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager builds a stopped pool. Call Start to warm it.
func NewManager(cfg Config, factory session.Factory, emit Emitter, logger *zap.Logger, met *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emit == nil {
		emit = func(string, string, status.QueuePayload) {}
	}
	if cfg.WarmTimeout <= 0 {
		cfg.WarmTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		emit:    emit,
		met:     met,
		slots:   make(map[string]*slot),
		desired: make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// Start warms SessionCount slots concurrently and returns once every slot
// is available or the first warm fails.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ids := make([]string, 0, m.cfg.SessionCount)
	for i := 1; i <= m.cfg.SessionCount; i++ {
		id := fmt.Sprintf("ghost-%d", i)
		m.desired[id] = true
		m.slots[id] = &slot{contextID: id, state: SlotCold}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.warm(gctx, id)
		})
	}
	return g.Wait()
}

// warm drives one slot cold→warming→available and hands it straight to a
// waiter when one is queued.
func (m *Manager) warm(ctx context.Context, contextID string) error {
	m.mu.Lock()
	s, ok := m.slots[contextID]
	if !ok || m.closed {
		m.mu.Unlock()
		return nil
	}
	s.state = SlotWarming
	m.mu.Unlock()

	warmCtx, cancel := context.WithTimeout(ctx, m.cfg.WarmTimeout)
	defer cancel()
	client, err := m.factory.NewClient(warmCtx, contextID)
	if err != nil {
		m.mu.Lock()
		delete(m.slots, contextID)
		retry := !m.closed && m.desired[contextID]
		m.mu.Unlock()
		m.logger.Error("session warm failed",
			zap.String("contextId", contextID),
			zap.Error(err))
		// The context id stays in the desired set, so a failed warm must
		// re-warm; otherwise one transient factory error shrinks the pool
		// for the life of the process.
		if retry {
			m.scheduleRewarmLater(contextID)
		}
		return fmt.Errorf("warm %s: %w", contextID, err)
	}

	unsub := client.OnCrash(func(reason string) {
		m.handleCrash(contextID, reason)
	})

	m.mu.Lock()
	s, ok = m.slots[contextID]
	if !ok || m.closed {
		m.mu.Unlock()
		unsub()
		_ = client.Close()
		return nil
	}
	s.client = client
	s.unsubCrash = unsub
	s.state = SlotAvailable
	m.logger.Debug("session warmed", zap.String("contextId", contextID))
	m.assignAvailableLocked()
	m.publishGaugesLocked()
	m.mu.Unlock()
	return nil
}

// Acquire grants an exclusive lease, suspending when the pool is saturated
// until a slot frees up or ctx is cancelled.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Lease, error) {
	if req.Priority == "" {
		req.Priority = PriorityBackground
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if s := m.availableSlotLocked(); s != nil {
		lease := m.leaseLocked(s, req, 0, false)
		available, inUse := m.countsLocked()
		depth := len(m.queue)
		m.publishGaugesLocked()
		m.mu.Unlock()
		m.emitQueue(req, status.QueueDispatched, lease.ContextID, 0, false, depth, available, inUse)
		return lease, nil
	}

	w := &waiter{req: req, enqueuedAt: time.Now(), ch: make(chan *Lease, 1)}
	m.insertWaiterLocked(w)
	available, inUse := m.countsLocked()
	depth := len(m.queue)
	m.publishGaugesLocked()
	m.mu.Unlock()
	m.emitQueue(req, status.QueueEnqueued, "", 0, true, depth, available, inUse)

	select {
	case lease := <-w.ch:
		m.mu.Lock()
		available, inUse = m.countsLocked()
		depth = len(m.queue)
		m.mu.Unlock()
		m.met.ObserveAcquireWait(lease.AssignmentWait)
		m.emitQueue(req, status.QueueDispatched, lease.ContextID, lease.AssignmentWait, true, depth, available, inUse)
		return lease, nil

	case <-m.done:
		m.abandonWaiter(w, req)
		return nil, ErrClosed

	case <-ctx.Done():
		m.abandonWaiter(w, req)
		return nil, ctx.Err()
	}
}

// abandonWaiter removes a queued request; when assignment raced ahead the
// already-granted lease goes straight back to the pool.
func (m *Manager) abandonWaiter(w *waiter, req Request) {
	m.mu.Lock()
	removed := m.removeWaiterLocked(w)
	available, inUse := m.countsLocked()
	depth := len(m.queue)
	m.publishGaugesLocked()
	m.mu.Unlock()

	if removed {
		m.emitQueue(req, status.QueueReleased, "", time.Since(w.enqueuedAt), true, depth, available, inUse)
		return
	}
	lease := <-w.ch
	lease.Release()
}

// leaseLocked marks the slot inUse and builds its lease.
func (m *Manager) leaseLocked(s *slot, req Request, wait time.Duration, wasQueued bool) *Lease {
	s.state = SlotInUse
	s.taskID = req.TaskID
	m.acquires++
	s.lease = &Lease{
		ContextID:      s.contextID,
		Client:         s.client,
		TaskID:         req.TaskID,
		Priority:       req.Priority,
		AssignmentWait: wait,
		WasQueued:      wasQueued,
		m:              m,
	}
	return s.lease
}

func (m *Manager) availableSlotLocked() *slot {
	for _, s := range m.slots {
		if s.state == SlotAvailable {
			return s
		}
	}
	return nil
}

// insertWaiterLocked keeps FIFO order per priority class, with every
// foreground request ahead of every background one.
func (m *Manager) insertWaiterLocked(w *waiter) {
	if w.req.Priority != PriorityForeground {
		m.queue = append(m.queue, w)
		return
	}
	pos := len(m.queue)
	for i, queued := range m.queue {
		if queued.req.Priority != PriorityForeground {
			pos = i
			break
		}
	}
	m.queue = append(m.queue, nil)
	copy(m.queue[pos+1:], m.queue[pos:])
	m.queue[pos] = w
}

func (m *Manager) removeWaiterLocked(w *waiter) bool {
	for i, queued := range m.queue {
		if queued == w {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// assignAvailableLocked pairs available slots with queued waiters.
func (m *Manager) assignAvailableLocked() {
	for len(m.queue) > 0 {
		s := m.availableSlotLocked()
		if s == nil {
			return
		}
		w := m.queue[0]
		m.queue = m.queue[1:]
		lease := m.leaseLocked(s, w.req, time.Since(w.enqueuedAt), true)
		w.ch <- lease
	}
}

// release is the single path back from inUse. destroy tears the session
// down and replenishes; otherwise the slot is handed to the next waiter or
// marked available.
func (m *Manager) release(l *Lease, destroy bool) {
	m.mu.Lock()
	m.releases++
	s, ok := m.slots[l.ContextID]
	if !ok || s.state != SlotInUse || s.taskID != l.TaskID {
		// The slot died under the lease (crash or cancel destroy); the
		// replenish path already ran.
		available, inUse := m.countsLocked()
		depth := len(m.queue)
		m.mu.Unlock()
		m.emitQueue(Request{TaskID: l.TaskID, Priority: l.Priority}, status.QueueReleased,
			l.ContextID, 0, l.WasQueued, depth, available, inUse)
		return
	}

	if destroy {
		m.destroySlotLocked(s)
		available, inUse := m.countsLocked()
		depth := len(m.queue)
		m.publishGaugesLocked()
		m.mu.Unlock()
		m.emitQueue(Request{TaskID: l.TaskID, Priority: l.Priority}, status.QueueReleased,
			l.ContextID, 0, l.WasQueued, depth, available, inUse)
		return
	}

	s.state = SlotAvailable
	s.taskID = ""
	s.lease = nil
	m.assignAvailableLocked()
	available, inUse := m.countsLocked()
	depth := len(m.queue)
	m.publishGaugesLocked()
	m.mu.Unlock()
	m.emitQueue(Request{TaskID: l.TaskID, Priority: l.Priority}, status.QueueReleased,
		l.ContextID, 0, l.WasQueued, depth, available, inUse)
}

// destroySlotLocked removes the slot and schedules a replacement with the
// same context id so the topology stays stable.
func (m *Manager) destroySlotLocked(s *slot) {
	if s.unsubCrash != nil {
		s.unsubCrash()
	}
	client := s.client
	delete(m.slots, s.contextID)
	if client != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			_ = client.Close()
		}()
	}
	m.replenishLocked(s.contextID)
}

// rewarmDelay backs off between warm attempts for the same slot.
const rewarmDelay = 200 * time.Millisecond

// scheduleRewarmLater queues another warm attempt for a desired slot whose
// last warm failed. Retries continue until the warm succeeds or the pool
// closes.
func (m *Manager) scheduleRewarmLater(contextID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(rewarmDelay)
		defer t.Stop()
		select {
		case <-m.done:
			return
		case <-t.C:
		}
		m.mu.Lock()
		if !m.closed && m.desired[contextID] {
			if _, exists := m.slots[contextID]; !exists {
				m.replenishLocked(contextID)
			}
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) replenishLocked(contextID string) {
	if m.closed || !m.desired[contextID] {
		return
	}
	m.slots[contextID] = &slot{contextID: contextID, state: SlotCold}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = m.warm(context.Background(), contextID)
	}()
}

// handleCrash reacts to a renderer death reported by the client.
func (m *Manager) handleCrash(contextID, reason string) {
	m.mu.Lock()
	s, ok := m.slots[contextID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if s.state == SlotInUse {
		if s.lease != nil {
			s.lease.MarkCrashed(reason)
		}
		m.logger.Warn("leased session crashed",
			zap.String("contextId", contextID),
			zap.String("taskId", s.taskID),
			zap.String("reason", reason))
	} else {
		m.logger.Warn("idle session crashed",
			zap.String("contextId", contextID),
			zap.String("reason", reason))
	}
	m.destroySlotLocked(s)
	m.publishGaugesLocked()
	m.mu.Unlock()
}

// DestroyContext kills a session outright, crash-style: in-flight calls on
// it fail, the holding lease finds the slot gone on release, and a
// replacement warms up. Used by the scheduler's cancellation path.
func (m *Manager) DestroyContext(contextID string) bool {
	m.mu.Lock()
	s, ok := m.slots[contextID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.destroySlotLocked(s)
	m.publishGaugesLocked()
	m.mu.Unlock()
	return true
}

func (m *Manager) countsLocked() (available, inUse int) {
	for _, s := range m.slots {
		switch s.state {
		case SlotAvailable:
			available++
		case SlotInUse:
			inUse++
		}
	}
	return available, inUse
}

func (m *Manager) publishGaugesLocked() {
	available, inUse := m.countsLocked()
	m.met.SetPoolGauges(available, inUse, len(m.queue))
}

func (m *Manager) emitQueue(req Request, event status.QueueEvent, contextID string, wait time.Duration, wasQueued bool, depth, available, inUse int) {
	m.emit(req.TaskID, contextID, status.QueuePayload{
		Event:      event,
		Priority:   string(req.Priority),
		QueueDepth: depth,
		Available:  available,
		InUse:      inUse,
		ContextID:  contextID,
		WaitMS:     wait.Milliseconds(),
		WasQueued:  wasQueued,
	})
}

// Snapshot is a point-in-time view of the pool for observability.
type Snapshot struct {
	Available  int                  `json:"available"`
	InUse      int                  `json:"inUse"`
	Warming    int                  `json:"warming"`
	Cold       int                  `json:"cold"`
	QueueDepth int                  `json:"queueDepth"`
	Acquires   int64                `json:"acquires"`
	Releases   int64                `json:"releases"`
	MaxSize    int                  `json:"maxSize"`
	Slots      map[string]SlotState `json:"slots"`
}

// Snapshot reports current slot states and lease accounting.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		QueueDepth: len(m.queue),
		Acquires:   m.acquires,
		Releases:   m.releases,
		MaxSize:    m.cfg.MaxSize,
		Slots:      make(map[string]SlotState, len(m.slots)),
	}
	for id, s := range m.slots {
		snap.Slots[id] = s.state
		switch s.state {
		case SlotAvailable:
			snap.Available++
		case SlotInUse:
			snap.InUse++
		case SlotWarming:
			snap.Warming++
		case SlotCold:
			snap.Cold++
		}
	}
	return snap
}

// Close drains the pool: waiters fail with ErrClosed, every client closes,
// and Close returns once replenish goroutines have exited.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	close(m.done)

	clients := make([]session.Client, 0, len(m.slots))
	for id, s := range m.slots {
		if s.unsubCrash != nil {
			s.unsubCrash()
		}
		if s.client != nil {
			clients = append(clients, s.client)
		}
		delete(m.slots, id)
	}
	// Waiters stay queued; each exits through its own done-branch and
	// removes itself, keeping the abandon path single.
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("session close failed", zap.Error(err))
		}
	}
	m.wg.Wait()
}
