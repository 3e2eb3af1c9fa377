package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"medgate.org/internal/obs"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultQueueSize = 256
	defaultWorkers   = 2
)

// Stats counts dispatcher outcomes since construction.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// Dispatcher hands notices to a Sender on background workers. Notify never
// blocks and never reports delivery errors to the caller.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	workers int
	logger  *zerolog.Logger

	mu     sync.RWMutex
	queue  chan Notice
	closed bool
	wg     sync.WaitGroup

	sent, failed, dropped atomic.Uint64
}

// DispatcherOption configures Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each Send call.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(di *Dispatcher) {
		if d > 0 {
			di.timeout = d
		}
	}
}

// WithQueueSize bounds the number of pending notices.
func WithQueueSize(n int) DispatcherOption {
	return func(di *Dispatcher) {
		if n > 0 {
			di.queue = make(chan Notice, n)
		}
	}
}

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) DispatcherOption {
	return func(di *Dispatcher) {
		if n > 0 {
			di.workers = n
		}
	}
}

// WithLogger overrides the shared logger.
func WithLogger(l *zerolog.Logger) DispatcherOption {
	return func(di *Dispatcher) {
		if l != nil {
			di.logger = l
		}
	}
}

// NewDispatcher starts the workers. Call Close to stop them.
func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		timeout: defaultTimeout,
		workers: defaultWorkers,
		logger:  obs.Logger(),
		queue:   make(chan Notice, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Notify enqueues n. A full queue or a closed dispatcher drops the notice.
func (d *Dispatcher) Notify(n Notice) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(n, "closed")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.drop(n, "queue full")
	}
}

// Close stops accepting notices and waits for queued ones until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Failed: d.failed.Load(), Dropped: d.dropped.Load()}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notice) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.send(ctx, n)
	if err != nil {
		d.failed.Add(1)
		obs.NotificationResult(n.Kind, "failed")
		d.logger.Warn().
			Err(err).
			Str("kind", n.Kind).
			Str("to", strings.Join(n.To, ",")).
			Msg("notification not delivered")
		return
	}
	d.sent.Add(1)
	obs.NotificationResult(n.Kind, "sent")
}

func (d *Dispatcher) send(ctx context.Context, n Notice) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notify: sender panic: %v", r)
		}
	}()
	return d.sender.Send(ctx, n)
}

func (d *Dispatcher) drop(n Notice, reason string) {
	d.dropped.Add(1)
	obs.NotificationResult(n.Kind, "dropped")
	d.logger.Warn().
		Str("kind", n.Kind).
		Str("to", strings.Join(n.To, ",")).
		Str("reason", reason).
		Msg("notification dropped")
}
