// Package bridge decouples the broker network goroutine from the single
// consumer goroutine. Producers enqueue messages from any goroutine into
// a bounded FIFO ring; one consumer goroutine drains the ring at a fixed
// cadence and hands batches to registered listeners.
//
// Overflow policy is drop-oldest: when the ring is full the oldest
// queued message is discarded in favor of the incoming one, since the
// latest market state is worth more than a stale undelivered tick.
package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/marketdesk/marketdesk/market"
)

const (
	// DefaultCapacity bounds the ring buffer.
	DefaultCapacity = 4096

	// DefaultInterval is the drain cadence.
	DefaultInterval = 10 * time.Millisecond

	// DefaultBatchSize caps how many messages one drain cycle delivers,
	// so the consumer goroutine is never starved by a deep backlog.
	DefaultBatchSize = 100
)

// Listener receives each drained batch. Listeners are invoked only from
// the consumer goroutine (or the caller of DrainOnce) and must not
// retain the batch slice past the call.
type Listener func(batch []market.Message)

// Config holds configuration for creating a Bridge.
type Config struct {
	Logger    *slog.Logger
	Capacity  int           // ring capacity; default DefaultCapacity
	Interval  time.Duration // drain cadence; default DefaultInterval
	BatchSize int           // max messages per drain; default DefaultBatchSize
}

// Bridge is the thread-safe handoff between producer goroutines and the
// consumer goroutine.
type Bridge struct {
	mu   sync.Mutex
	buf  []market.Message
	head int
	size int

	listenerMu sync.RWMutex
	listeners  map[string]Listener

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	dropWarn  *rate.Limiter

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a stopped Bridge; call Start to begin draining.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Bridge{
		buf:       make([]market.Message, capacity),
		listeners: make(map[string]Listener),
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		dropWarn:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Start begins periodic draining on the bridge's own consumer goroutine.
// Calling Start on a running bridge is a no-op.
func (b *Bridge) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go b.drainLoop(b.stop, b.done)
	b.logger.Info("Market data bridge started", "interval", b.interval, "batch_size", b.batchSize)
}

// Stop halts the consumer goroutine and discards any undrained backlog.
// Stale market data carries no value, so the backlog is counted as
// dropped rather than recovered. Idempotent.
func (b *Bridge) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stop)
	<-b.done

	b.mu.Lock()
	discarded := b.size
	b.head = 0
	b.size = 0
	b.mu.Unlock()
	b.dropped.Add(uint64(discarded))

	b.logger.Info("Market data bridge stopped",
		"processed", b.processed.Load(),
		"dropped", b.dropped.Load())
}

// IsRunning reports whether the drain goroutine is active.
func (b *Bridge) IsRunning() bool {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running
}

// Enqueue appends a message to the ring. Safe to call from any goroutine
// and never blocks: when the ring is full the oldest message is dropped
// to make room. Messages enqueued while the bridge is stopped are
// dropped outright.
func (b *Bridge) Enqueue(msg market.Message) {
	b.runMu.Lock()
	running := b.running
	b.runMu.Unlock()
	if !running {
		b.dropped.Add(1)
		return
	}

	var overflowed bool
	b.mu.Lock()
	if b.size == len(b.buf) {
		// Drop-oldest: overwrite the head slot.
		b.buf[b.head] = msg
		b.head = (b.head + 1) % len(b.buf)
		overflowed = true
	} else {
		b.buf[(b.head+b.size)%len(b.buf)] = msg
		b.size++
	}
	b.mu.Unlock()

	if overflowed {
		b.dropped.Add(1)
		if b.dropWarn.Allow() {
			b.logger.Warn("Bridge queue full, dropping oldest message",
				"capacity", len(b.buf),
				"dropped_total", b.dropped.Load())
		}
	}
}

// DrainOnce pops up to one batch in FIFO order, delivers it to every
// listener, and returns the number of messages delivered. Exposed so an
// embedding event loop can drive draining itself; Start-driven bridges
// call it from the consumer goroutine only.
func (b *Bridge) DrainOnce() int {
	b.mu.Lock()
	n := b.size
	if n > b.batchSize {
		n = b.batchSize
	}
	if n == 0 {
		b.mu.Unlock()
		return 0
	}
	batch := make([]market.Message, n)
	for i := 0; i < n; i++ {
		batch[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	b.head = (b.head + n) % len(b.buf)
	b.size -= n
	b.mu.Unlock()

	b.listenerMu.RLock()
	for _, fn := range b.listeners {
		fn(batch)
	}
	b.listenerMu.RUnlock()

	b.processed.Add(uint64(n))
	return n
}

func (b *Bridge) drainLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.DrainOnce()
		}
	}
}

// Subscribe registers a listener and returns its id for Unsubscribe.
func (b *Bridge) Subscribe(fn Listener) string {
	id := uuid.New().String()[:8]
	b.listenerMu.Lock()
	b.listeners[id] = fn
	b.listenerMu.Unlock()
	b.logger.Debug("Bridge listener added", "listener_id", id)
	return id
}

// Unsubscribe removes a listener. Unknown ids are a no-op.
func (b *Bridge) Unsubscribe(id string) {
	b.listenerMu.Lock()
	delete(b.listeners, id)
	b.listenerMu.Unlock()
	b.logger.Debug("Bridge listener removed", "listener_id", id)
}

// QueueLen returns a snapshot of the number of queued messages.
func (b *Bridge) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Processed returns the total number of messages delivered to listeners.
func (b *Bridge) Processed() uint64 {
	return b.processed.Load()
}

// Dropped returns the total number of messages discarded: queue
// overflows, enqueues while stopped, and backlog discarded by Stop.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}
