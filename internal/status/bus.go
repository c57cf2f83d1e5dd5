package status

import (
	"sync"

	"go.uber.org/zap"
)

// Bus fans status envelopes out to subscribers. Publishing never blocks on
// a slow consumer: each subscriber owns a pending queue drained by its own
// goroutine, so producers only pay for an append under the bus lock.
// Envelopes reach every subscriber in publish order, which preserves the
// per-task ordering guarantee as long as each task's producers are
// sequential (they are: one attempt at a time per task).
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger *zap.Logger
	wg     sync.WaitGroup
}

type subscriber struct {
	mu       sync.Mutex
	pending  []Envelope
	notify   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	fn       func(Envelope)
}

func (s *subscriber) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// NewBus builds an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a listener and returns an unsubscribe func. The
// listener runs on a dedicated goroutine; it must not be re-registered
// after unsubscribe.
func (b *Bus) Subscribe(fn func(Envelope)) (unsubscribe func()) {
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		fn:     fn,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.drain()
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

// Publish validates the envelope and appends it to every subscriber queue.
// A validation failure rejects the envelope before routing.
func (b *Bus) Publish(env Envelope) error {
	if err := Validate(env); err != nil {
		b.logger.Error("status envelope rejected",
			zap.String("taskId", env.TaskID),
			zap.Error(err))
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		sub.push(env)
	}
	return nil
}

// Close stops accepting envelopes, lets subscribers drain what was already
// published, and returns once every drain goroutine has exited.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

func (s *subscriber) push(env Envelope) {
	s.mu.Lock()
	s.pending = append(s.pending, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() {
	for {
		select {
		case <-s.notify:
			s.flush()
		case <-s.quit:
			s.flush()
			return
		}
	}
}

func (s *subscriber) flush() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, env := range batch {
			s.fn(env)
		}
	}
}
