// Package budget enforces per-session resource budgets by periodic
// sampling with a sustained-violation window: a single spike never fires,
// an overrun that persists for the whole window does.
package budget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wraith/internal/metrics"
	"wraith/internal/session"
)

// Enforcement modes.
const (
	ModeWarnOnly = "warn_only"
	ModeKillTab  = "kill_tab"
)

// Resources named in violations.
const (
	ResourceCPU    = "cpu"
	ResourceMemory = "memory"
)

// Config bounds one session's consumption.
type Config struct {
	CPUPercent      float64 // per core; 0 disables the CPU budget
	MemoryMB        float64 // 0 disables the memory budget
	SampleInterval  time.Duration
	ViolationWindow time.Duration
	Mode            string
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = 10 * time.Second
	}
	if c.Mode == "" {
		c.Mode = ModeWarnOnly
	}
	return c
}

// Violation records a sustained budget overrun.
type Violation struct {
	Resource  string        `json:"resource"`
	Value     float64       `json:"value"`
	Budget    float64       `json:"budget"`
	Sustained time.Duration `json:"sustained"`
	Killed    bool          `json:"killed"`
	At        time.Time     `json:"at"`
}

// Monitor samples one session on its own goroutine. Stop halts sampling
// deterministically; after Stop returns no callback fires and no sample
// call is in flight.
type Monitor struct {
	cfg      Config
	client   session.Client
	logger   *zap.Logger
	met      *metrics.Metrics
	onEvent  func(Violation)
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	prev          *session.ResourceSample
	cpuOverSince  *time.Time
	memOverSince  *time.Time
	violation     *Violation
	killTriggered bool
}

// Start begins sampling. onEvent fires at most once, from the sampling
// goroutine, when a window fills.
func Start(client session.Client, cfg Config, logger *zap.Logger, met *metrics.Metrics, onEvent func(Violation)) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		client:  client,
		logger:  logger,
		met:     met,
		onEvent: onEvent,
		now:     time.Now,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go m.run(ctx)
	return m
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

// Violation returns the recorded violation, if any.
func (m *Monitor) Violation() *Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violation
}

// KillTriggered reports whether the monitor closed the session.
func (m *Monitor) KillTriggered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killTriggered
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := m.sampleOnce(ctx); stop {
				return
			}
		}
	}
}

// sampleOnce takes one reading and advances the violation windows. It
// reports true when sampling should end (kill fired).
func (m *Monitor) sampleOnce(ctx context.Context) bool {
	sample, err := m.client.SampleResourceMetrics(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		// A dead session is the scheduler's problem; the monitor just
		// stops measuring it.
		m.logger.Debug("resource sample failed",
			zap.String("contextId", m.client.ContextID()),
			zap.Error(err))
		return false
	}

	m.mu.Lock()
	if m.violation != nil {
		m.mu.Unlock()
		return false
	}

	now := m.now()
	cpuPct, cpuOK := m.cpuPercentLocked(sample)
	memMB := float64(sample.HeapUsedBytes) / (1024 * 1024)
	m.prev = &sample

	var v *Violation
	if m.cfg.CPUPercent > 0 && cpuOK {
		v = m.advanceWindowLocked(&m.cpuOverSince, cpuPct, m.cfg.CPUPercent, ResourceCPU, now)
	}
	if v == nil && m.cfg.MemoryMB > 0 {
		v = m.advanceWindowLocked(&m.memOverSince, memMB, m.cfg.MemoryMB, ResourceMemory, now)
	}
	if v == nil {
		m.mu.Unlock()
		return false
	}

	v.Killed = m.cfg.Mode == ModeKillTab
	m.violation = v
	m.killTriggered = v.Killed
	m.mu.Unlock()

	m.met.IncViolation(v.Resource, m.cfg.Mode)
	m.logger.Warn("resource budget violated",
		zap.String("contextId", m.client.ContextID()),
		zap.String("resource", v.Resource),
		zap.Float64("value", v.Value),
		zap.Float64("budget", v.Budget),
		zap.Duration("sustained", v.Sustained),
		zap.Bool("killed", v.Killed))

	if v.Killed {
		if err := m.client.Close(); err != nil {
			m.logger.Warn("budget kill close failed", zap.Error(err))
		}
	}
	if m.onEvent != nil {
		m.onEvent(*v)
	}
	return v.Killed
}

// cpuPercentLocked derives per-core CPU% from the cpu-seconds delta over
// the wall-clock delta. The first sample has no delta and yields nothing.
func (m *Monitor) cpuPercentLocked(sample session.ResourceSample) (float64, bool) {
	if m.prev == nil {
		return 0, false
	}
	wall := sample.Timestamp.Sub(m.prev.Timestamp).Seconds()
	if wall <= 0 {
		return 0, false
	}
	cpu := sample.CPUTaskSeconds - m.prev.CPUTaskSeconds
	if cpu < 0 {
		return 0, false
	}
	return cpu / wall * 100, true
}

// advanceWindowLocked updates one resource's over-budget window: compliant
// samples reset it, over-budget samples keep the original start, and a
// window older than ViolationWindow declares the violation.
func (m *Monitor) advanceWindowLocked(since **time.Time, value, budget float64, resource string, now time.Time) *Violation {
	if value <= budget {
		*since = nil
		return nil
	}
	if *since == nil {
		t := now
		*since = &t
		return nil
	}
	sustained := now.Sub(**since)
	if sustained < m.cfg.ViolationWindow {
		return nil
	}
	return &Violation{
		Resource:  resource,
		Value:     value,
		Budget:    budget,
		Sustained: sustained,
		At:        now,
	}
}
