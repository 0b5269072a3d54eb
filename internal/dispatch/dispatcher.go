package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/snowmirror/internal/diff"
	"github.com/roach88/snowmirror/internal/ir"
)

type subscription struct {
	id   uint64
	name string
	sub  Subscriber
}

// batch is the envelopes of one Publish call, delivered together.
type batch struct {
	envs   []Envelope
	queued time.Time
}

// Dispatcher delivers envelopes to subscribers in sequence order.
//
// Publish only stamps envelopes and queues them; a single delivery goroutine
// hands them to subscribers, so a slow subscriber delays other subscribers
// but never the publisher. The goroutine is started when work is queued and
// exits once the queue is empty. Use Flush to wait for delivery.
//
// Thread-safety: safe for concurrent use. Subscribe and unsubscribe never
// wait for delivery; the subscriber list is copy-on-write and re-read before
// each record, so a subscriber added mid-delivery sees every record after
// the one in flight. Subscribers may call Publish from Handle.
type Dispatcher struct {
	clock    *Clock
	reporter FaultReporter
	metrics  *Metrics

	mu         sync.Mutex
	pending    []batch
	delivering bool
	idle       chan struct{} // closed when the delivery goroutine exits

	subMu  sync.Mutex
	subs   atomic.Pointer[[]subscription]
	nextID uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the sequence clock, e.g. one resumed from the journal.
func WithClock(c *Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithFaultReporter sets where subscriber failures are reported.
func WithFaultReporter(r FaultReporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// WithMetrics records publish metrics and subscriber faults in m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher with no subscribers. Faults go to a
// LogReporter on slog.Default unless configured otherwise.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clock:    NewClock(),
		reporter: LogReporter{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics != nil {
		d.reporter = Reporters{d.reporter, d.metrics}
	}
	empty := []subscription{}
	d.subs.Store(&empty)
	return d
}

// Clock returns the dispatcher's sequence clock.
func (d *Dispatcher) Clock() *Clock { return d.clock }

// Subscribe registers s under name and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (d *Dispatcher) Subscribe(name string, s Subscriber) (unsubscribe func()) {
	d.subMu.Lock()
	d.nextID++
	id := d.nextID
	next := append(slices.Clone(*d.subs.Load()), subscription{id: id, name: name, sub: s})
	d.subs.Store(&next)
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(id) })
	}
}

func (d *Dispatcher) remove(id uint64) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	next := slices.DeleteFunc(slices.Clone(*d.subs.Load()), func(s subscription) bool {
		return s.id == id
	})
	d.subs.Store(&next)
}

// Subscribers returns the number of registered subscribers.
func (d *Dispatcher) Subscribers() int {
	return len(*d.subs.Load())
}

// Publish stamps one envelope per change, in order, and queues them for
// delivery. Each envelope reaches every current subscriber before the next
// one is delivered. It returns the stamped envelopes without waiting for
// delivery.
func (d *Dispatcher) Publish(ref ir.Ref, changes []diff.Change) []Envelope {
	if len(changes) == 0 {
		return nil
	}

	envs := make([]Envelope, 0, len(changes))

	// Stamping and queueing share the lock so the queue stays in
	// sequence order across concurrent publishers.
	d.mu.Lock()
	for _, c := range changes {
		envs = append(envs, Envelope{
			Seq:   d.clock.Next(),
			Ref:   ref,
			Field: c.Field,
			Old:   c.Old,
			New:   c.New,
		})
	}
	d.pending = append(d.pending, batch{envs: envs, queued: time.Now()})
	if !d.delivering {
		d.delivering = true
		d.idle = make(chan struct{})
		go d.drain(d.idle)
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.Published.WithLabelValues(string(ref.Kind)).Add(float64(len(envs)))
	}
	return envs
}

// Flush blocks until every envelope published before the call has been
// delivered to all subscribers, or ctx is done.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	if !d.delivering {
		d.mu.Unlock()
		return nil
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of published envelopes not yet delivered.
// An envelope in flight counts as delivered.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.pending {
		n += len(b.envs)
	}
	return n
}

// drain delivers queued batches until the queue is empty.
func (d *Dispatcher) drain(idle chan struct{}) {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.delivering = false
			d.pending = nil
			close(idle)
			d.mu.Unlock()
			return
		}
		b := d.pending[0]
		d.pending[0] = batch{}
		d.pending = d.pending[1:]
		d.mu.Unlock()

		for _, env := range b.envs {
			for _, s := range *d.subs.Load() {
				if err := d.deliver(s, env); err != nil {
					d.reporter.SubscriberFault(s.name, env, err)
				}
			}
		}
		if d.metrics != nil {
			d.metrics.Duration.Observe(time.Since(b.queued).Seconds())
		}
	}
}

// deliver isolates a panicking subscriber.
func (d *Dispatcher) deliver(s subscription, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.sub.Handle(env)
}
