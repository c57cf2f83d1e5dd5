package budget

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"wraith/internal/session"
	"wraith/internal/session/sessiontest"
)

// heapClient reports a fixed heap size and a configurable CPU burn rate.
func heapClient(heapBytes uint64, cpuPerSecond float64) *sessiontest.Client {
	c := sessiontest.New("ghost-test")
	start := time.Now()
	c.SampleFn = func(ctx context.Context) (session.ResourceSample, error) {
		now := time.Now()
		return session.ResourceSample{
			CPUTaskSeconds: now.Sub(start).Seconds() * cpuPerSecond,
			HeapUsedBytes:  heapBytes,
			NodeCount:      50,
			Timestamp:      now,
		}, nil
	}
	return c
}

func TestMemoryViolationAfterSustainedWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := heapClient(8<<20, 0) // 8 MB heap against a 1 MB budget
	var fired atomic.Int32
	var got Violation
	var mu sync.Mutex

	m := Start(client, Config{
		MemoryMB:        1,
		SampleInterval:  10 * time.Millisecond,
		ViolationWindow: 100 * time.Millisecond,
		Mode:            ModeWarnOnly,
	}, zap.NewNop(), nil, func(v Violation) {
		mu.Lock()
		got = v
		mu.Unlock()
		fired.Add(1)
	})
	defer m.Stop()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ResourceMemory, got.Resource)
	require.GreaterOrEqual(t, got.Sustained, 100*time.Millisecond)
	require.False(t, got.Killed)
	require.False(t, m.KillTriggered())
	require.NotNil(t, m.Violation())

	// warn_only keeps the session alive.
	require.False(t, client.Closed())
}

func TestViolationFiresAtMostOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := heapClient(8<<20, 0)
	var fired atomic.Int32
	m := Start(client, Config{
		MemoryMB:        1,
		SampleInterval:  5 * time.Millisecond,
		ViolationWindow: 30 * time.Millisecond,
		Mode:            ModeWarnOnly,
	}, zap.NewNop(), nil, func(Violation) { fired.Add(1) })

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	m.Stop()
	require.Equal(t, int32(1), fired.Load())
}

func TestKillModeClosesSessionAndStopsSampling(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := heapClient(8<<20, 0)
	var fired atomic.Int32
	m := Start(client, Config{
		MemoryMB:        1,
		SampleInterval:  5 * time.Millisecond,
		ViolationWindow: 30 * time.Millisecond,
		Mode:            ModeKillTab,
	}, zap.NewNop(), nil, func(v Violation) {
		if v.Killed {
			fired.Add(1)
		}
	})
	defer m.Stop()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, m.KillTriggered())
	require.True(t, client.Closed())

	samplesAtKill := client.Samples.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, samplesAtKill, client.Samples.Load(), "sampling must stop after a kill")
}

func TestCompliantSampleResetsWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Heap oscillates over and under budget faster than the window, so a
	// violation must never fire.
	c := sessiontest.New("ghost-test")
	var n atomic.Int64
	c.SampleFn = func(ctx context.Context) (session.ResourceSample, error) {
		heap := uint64(8 << 20)
		if n.Add(1)%3 == 0 {
			heap = 1 << 18 // dip back under budget
		}
		return session.ResourceSample{HeapUsedBytes: heap, Timestamp: time.Now()}, nil
	}

	var fired atomic.Int32
	m := Start(c, Config{
		MemoryMB:        1,
		SampleInterval:  5 * time.Millisecond,
		ViolationWindow: 12 * time.Millisecond,
		Mode:            ModeWarnOnly,
	}, zap.NewNop(), nil, func(Violation) { fired.Add(1) })

	time.Sleep(150 * time.Millisecond)
	m.Stop()
	require.Zero(t, fired.Load())
	require.Nil(t, m.Violation())
}

func TestCPUViolationUsesSampleDeltas(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Burns 2 cpu-seconds per wall second: 200% against an 80% budget.
	client := heapClient(1<<18, 2.0)
	var fired atomic.Int32
	var got Violation
	var mu sync.Mutex
	m := Start(client, Config{
		CPUPercent:      80,
		SampleInterval:  10 * time.Millisecond,
		ViolationWindow: 80 * time.Millisecond,
		Mode:            ModeWarnOnly,
	}, zap.NewNop(), nil, func(v Violation) {
		mu.Lock()
		got = v
		mu.Unlock()
		fired.Add(1)
	})
	defer m.Stop()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ResourceCPU, got.Resource)
	require.Greater(t, got.Value, 80.0)
}

func TestStopIsDeterministic(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := heapClient(1<<18, 0)
	m := Start(client, Config{MemoryMB: 512, SampleInterval: time.Millisecond}, zap.NewNop(), nil, nil)
	m.Stop()

	after := client.Samples.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, client.Samples.Load())
}

func TestSampleErrorsAreTolerated(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := sessiontest.New("ghost-test")
	_ = client.Close() // every sample now fails with a crash signature
	var fired atomic.Int32
	m := Start(client, Config{
		MemoryMB:        1,
		SampleInterval:  2 * time.Millisecond,
		ViolationWindow: 10 * time.Millisecond,
	}, zap.NewNop(), nil, func(Violation) { fired.Add(1) })

	time.Sleep(40 * time.Millisecond)
	m.Stop()
	require.Zero(t, fired.Load())
}
