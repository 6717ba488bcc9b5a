package simpleuser

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/purerosefallen/simpleuser/internal/logging"
)

// auditDispatcher hands audit events to the sink on a single worker so
// request goroutines never wait on sink I/O. A nil dispatcher (audit
// disabled) accepts and drops everything.
type auditDispatcher struct {
	sink       AuditSink
	dropIfFull bool
	log        logging.Logger

	// mu guards closed; senders hold it shared so Close cannot close the
	// queue under them.
	mu      sync.RWMutex
	closed  bool
	queue   chan AuditEvent
	drained chan struct{}

	dropped atomic.Uint64
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, log logging.Logger) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if log == nil {
		log = logging.Nop()
	}

	d := &auditDispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		log:        log,
		queue:      make(chan AuditEvent, max(cfg.BufferSize, 1)),
		drained:    make(chan struct{}),
	}
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer close(d.drained)
	for event := range d.queue {
		d.deliver(event)
	}
}

// deliver isolates the worker from a panicking sink; the event counts as
// dropped.
func (d *auditDispatcher) deliver(event AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.dropped.Add(1)
			d.log.Error(context.Background(), "audit sink panicked", "event", event.EventType, "panic", r)
		}
	}()
	d.sink.Emit(context.Background(), event)
}

// Emit queues event. With DropIfFull a full queue drops the event;
// otherwise Emit waits for room or for ctx to end, and an event abandoned
// that way is also counted as dropped. Events emitted after Close are
// ignored.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops accepting events and waits until everything already queued
// reached the sink. It is safe to call more than once.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}

	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	<-d.drained
}

// Dropped returns the number of events lost to a full queue, a cancelled
// emitter or a panicking sink.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
