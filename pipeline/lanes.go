package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrPoolClosed is returned by Submit after Stop
var ErrPoolClosed = errors.New("lane pool closed")

// ErrQueueFull is returned by Submit when the key's lane stayed full for the enqueue timeout
var ErrQueueFull = errors.New("lane queue full")

// Message is one delivery waiting in a lane
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes one message. Calls for the same lane never overlap.
type Handler func(ctx context.Context, msg Message)

// LanePool routes messages to a fixed number of sequential lanes by key hash.
// Messages with the same key are handled in submission order; different keys may run in parallel.
type LanePool struct {
	lanes          []chan Message
	handler        Handler
	enqueueTimeout time.Duration

	mu      sync.RWMutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewLanePool creates a pool of n lanes, each buffering up to queueSize messages
func NewLanePool(n, queueSize int, enqueueTimeout time.Duration, handler Handler) *LanePool {
	if n <= 0 {
		n = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	lanes := make([]chan Message, n)
	for i := range lanes {
		lanes[i] = make(chan Message, queueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LanePool{
		lanes:          lanes,
		handler:        handler,
		enqueueTimeout: enqueueTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches one worker per lane
func (p *LanePool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.closed {
		return
	}
	p.started = true

	for _, lane := range p.lanes {
		p.wg.Add(1)
		go p.worker(lane)
	}
}

func (p *LanePool) worker(lane <-chan Message) {
	defer p.wg.Done()
	for msg := range lane {
		if p.ctx.Err() != nil {
			continue
		}
		p.handler(p.ctx, msg)
	}
}

// Lane returns the lane index for key
func (p *LanePool) Lane(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.lanes)))
}

// Submit queues msg on the lane owning key. It waits at most the enqueue timeout
// for space and never blocks indefinitely.
func (p *LanePool) Submit(key string, msg Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	lane := p.lanes[p.Lane(key)]

	select {
	case lane <- msg:
		return nil
	default:
	}

	if p.enqueueTimeout <= 0 {
		return ErrQueueFull
	}

	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()

	select {
	case lane <- msg:
		return nil
	case <-timer.C:
		return ErrQueueFull
	}
}

// Pending returns the number of queued messages across all lanes
func (p *LanePool) Pending() int {
	n := 0
	for _, lane := range p.lanes {
		n += len(lane)
	}
	return n
}

// Stop rejects new messages and lets queued ones drain for up to timeout.
// After the timeout the handler context is cancelled and the remaining messages are discarded.
func (p *LanePool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		p.cancel()
		<-done
		return errors.New("lane pool drain timed out")
	}
}
