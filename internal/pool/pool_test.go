package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"wraith/internal/session"
	"wraith/internal/session/sessiontest"
	"wraith/internal/status"
)

type queueRecord struct {
	taskID  string
	payload status.QueuePayload
}

type recorder struct {
	mu     sync.Mutex
	events []queueRecord
}

func (r *recorder) emit(taskID, _ string, p status.QueuePayload) {
	r.mu.Lock()
	r.events = append(r.events, queueRecord{taskID: taskID, payload: p})
	r.mu.Unlock()
}

func (r *recorder) byEvent(ev status.QueueEvent) []queueRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []queueRecord
	for _, rec := range r.events {
		if rec.payload.Event == ev {
			out = append(out, rec)
		}
	}
	return out
}

func newTestPool(t *testing.T, count int) (*Manager, *sessiontest.Script, *recorder) {
	t.Helper()
	script := &sessiontest.Script{}
	rec := &recorder{}
	m := NewManager(Config{SessionCount: count, MinSize: 1, MaxSize: count + 2, WarmTimeout: 5 * time.Second},
		script, rec.emit, zap.NewNop(), nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)
	return m, script, rec
}

func TestStartWarmsAllSlots(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	m, script, _ := newTestPool(t, 3)

	snap := m.Snapshot()
	require.Equal(t, 3, snap.Available)
	require.Zero(t, snap.InUse)
	require.Len(t, script.Clients(), 3)

	m.Close()
}

func TestSynchronousAcquire(t *testing.T) {
	m, _, rec := newTestPool(t, 2)

	lease, err := m.Acquire(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	require.False(t, lease.WasQueued)
	require.Zero(t, lease.AssignmentWait)
	require.NotNil(t, lease.Client)

	snap := m.Snapshot()
	require.Equal(t, 1, snap.InUse)
	require.Equal(t, 1, snap.Available)

	dispatched := rec.byEvent(status.QueueDispatched)
	require.Len(t, dispatched, 1)
	require.Equal(t, "t1", dispatched[0].taskID)
	require.False(t, dispatched[0].payload.WasQueued)
	require.Zero(t, dispatched[0].payload.WaitMS)

	lease.Release()
	require.Equal(t, 0, m.Snapshot().InUse)
}

func TestQueuedAcquireDispatchedOnRelease(t *testing.T) {
	m, _, rec := newTestPool(t, 1)

	first, err := m.Acquire(context.Background(), Request{TaskID: "holder"})
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		lease, err := m.Acquire(context.Background(), Request{TaskID: "waiter"})
		if err == nil {
			got <- lease
		}
	}()

	require.Eventually(t, func() bool {
		return len(rec.byEvent(status.QueueEnqueued)) == 1
	}, time.Second, 5*time.Millisecond)

	first.Release()

	var lease *Lease
	select {
	case lease = <-got:
	case <-time.After(time.Second):
		t.Fatal("queued acquire never dispatched")
	}
	require.True(t, lease.WasQueued)
	require.Equal(t, "waiter", lease.TaskID)
	lease.Release()
}

func TestForegroundJumpsBackgroundQueue(t *testing.T) {
	m, _, _ := newTestPool(t, 1)

	holder, err := m.Acquire(context.Background(), Request{TaskID: "holder", Priority: PriorityBackground})
	require.NoError(t, err)

	order := make(chan string, 3)
	enqueue := func(taskID string, p Priority) {
		go func() {
			lease, err := m.Acquire(context.Background(), Request{TaskID: taskID, Priority: p})
			if err != nil {
				return
			}
			order <- taskID
			lease.Release()
		}()
		require.Eventually(t, func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			for _, w := range m.queue {
				if w.req.TaskID == taskID {
					return true
				}
			}
			return false
		}, time.Second, time.Millisecond)
	}

	enqueue("bg-1", PriorityBackground)
	enqueue("bg-2", PriorityBackground)
	enqueue("fg-1", PriorityForeground)

	holder.Release()

	require.Equal(t, "fg-1", <-order)
	require.Equal(t, "bg-1", <-order)
	require.Equal(t, "bg-2", <-order)
}

func TestCancelWhileQueued(t *testing.T) {
	m, _, rec := newTestPool(t, 1)

	holder, err := m.Acquire(context.Background(), Request{TaskID: "holder"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{TaskID: "cancelled"})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(rec.byEvent(status.QueueEnqueued)) == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	released := rec.byEvent(status.QueueReleased)
	require.Len(t, released, 1)
	require.Equal(t, "cancelled", released[0].taskID)
	require.True(t, released[0].payload.WasQueued)

	// The held slot is untouched; releasing it leaves a clean pool.
	holder.Release()
	snap := m.Snapshot()
	require.Equal(t, 1, snap.Available)
	require.Zero(t, snap.QueueDepth)
}

func TestCrashMarksLeaseAndReplenishes(t *testing.T) {
	m, script, _ := newTestPool(t, 2)

	lease, err := m.Acquire(context.Background(), Request{TaskID: "doomed"})
	require.NoError(t, err)

	client, ok := script.ClientFor(lease.ContextID)
	require.True(t, ok)
	client.Crash("renderer crashed")

	_, crashed := lease.ObservedCrash()
	require.True(t, crashed)

	// The same context id warms back up.
	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return snap.Slots[lease.ContextID] == SlotAvailable
	}, 2*time.Second, 5*time.Millisecond)

	replacement, ok := script.ClientFor(lease.ContextID)
	require.True(t, ok)
	require.NotSame(t, client, replacement)

	lease.Release()
	snap := m.Snapshot()
	require.Equal(t, snap.Acquires, snap.Releases)
}

func TestDestroyContextKillsIdleSlot(t *testing.T) {
	m, script, _ := newTestPool(t, 1)

	require.True(t, m.DestroyContext("ghost-1"))
	require.False(t, m.DestroyContext("ghost-9"))

	require.Eventually(t, func() bool {
		return m.Snapshot().Available == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, script.Clients()[0].Closed())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, _, rec := newTestPool(t, 1)

	lease, err := m.Acquire(context.Background(), Request{TaskID: "t"})
	require.NoError(t, err)
	lease.Release()
	lease.Release()
	lease.Destroy()

	snap := m.Snapshot()
	require.Equal(t, int64(1), snap.Acquires)
	require.Equal(t, int64(1), snap.Releases)
	require.Len(t, rec.byEvent(status.QueueReleased), 1)
}

func TestDestroyReplenishesSameContextID(t *testing.T) {
	m, script, _ := newTestPool(t, 1)

	lease, err := m.Acquire(context.Background(), Request{TaskID: "t"})
	require.NoError(t, err)
	lease.Destroy()

	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return snap.Slots["ghost-1"] == SlotAvailable
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, script.Clients(), 2)
	require.Equal(t, "ghost-1", script.Clients()[1].ID)
}

// flakyFactory fails exactly one NewClient call by index.
type flakyFactory struct {
	inner    *sessiontest.Script
	failCall int

	mu    sync.Mutex
	calls int
}

func (f *flakyFactory) NewClient(ctx context.Context, contextID string) (session.Client, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failCall
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("devtools endpoint unavailable")
	}
	return f.inner.NewClient(ctx, contextID)
}

func TestFailedReplenishRetriesUntilWarm(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	factory := &flakyFactory{inner: &sessiontest.Script{}, failCall: 2}
	m := NewManager(Config{SessionCount: 1, MinSize: 1, MaxSize: 2, WarmTimeout: 5 * time.Second},
		factory, nil, zap.NewNop(), nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Close)

	lease, err := m.Acquire(context.Background(), Request{TaskID: "t"})
	require.NoError(t, err)
	lease.Destroy()

	// The replenish warm fails once; the slot must still come back because
	// ghost-1 remains in the desired set.
	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return snap.Slots["ghost-1"] == SlotAvailable
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	recovered, err := m.Acquire(ctx, Request{TaskID: "after"})
	require.NoError(t, err)
	recovered.Release()
}

func TestAcquireAfterCloseFails(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	m, _, _ := newTestPool(t, 1)
	m.Close()

	_, err := m.Acquire(context.Background(), Request{TaskID: "late"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseUnblocksWaiters(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	m, _, rec := newTestPool(t, 1)

	lease, err := m.Acquire(context.Background(), Request{TaskID: "holder"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), Request{TaskID: "stuck"})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return len(rec.byEvent(status.QueueEnqueued)) == 1
	}, time.Second, time.Millisecond)

	m.Close()
	require.ErrorIs(t, <-errCh, ErrClosed)
	lease.Release()
}

func TestConcurrentChurnConservesLeases(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	m, _, _ := newTestPool(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := m.Acquire(context.Background(), Request{TaskID: fmt.Sprintf("t%d", i)})
			if err != nil {
				return
			}
			time.Sleep(time.Duration(i%5) * time.Millisecond)
			if i%7 == 0 {
				lease.Destroy()
			} else {
				lease.Release()
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return snap.InUse == 0 && snap.Available == 4
	}, 3*time.Second, 10*time.Millisecond)

	snap := m.Snapshot()
	require.Equal(t, snap.Acquires, snap.Releases)
	m.Close()
}
