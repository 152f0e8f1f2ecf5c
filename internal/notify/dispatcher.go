package notify

import (
	"context"
	"sync"
	"time"

	"mirrorbot/internal/logger"
	"mirrorbot/internal/task"
)

// sendTimeout bounds one Notify call.
const sendTimeout = 10 * time.Second

// Dispatcher queues events from registry observers, which must not block, and
// delivers them to the sink in order. A progress event still waiting in the
// queue is replaced by a newer one for the same task.
type Dispatcher struct {
	sink Sink
	log  *logger.Logger

	mu       sync.Mutex
	pending  []Event
	progress map[string]int // task id -> index of its queued progress event
	wake     chan struct{}
}

func NewDispatcher(sink Sink, buffer int, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		sink:     sink,
		log:      log.Named("notify"),
		pending:  make([]Event, 0, max(buffer, 0)),
		progress: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// Observe is a task.Observer.
func (d *Dispatcher) Observe(c task.Change) {
	ev, ok := FromChange(c)
	if !ok {
		return
	}
	d.Enqueue(ev)
}

func (d *Dispatcher) Enqueue(ev Event) {
	d.mu.Lock()
	if ev.Kind == KindProgress {
		if i, ok := d.progress[ev.TaskID]; ok {
			d.pending[i] = ev
			d.mu.Unlock()
			return
		}
		d.progress[ev.TaskID] = len(d.pending)
	} else {
		delete(d.progress, ev.TaskID)
	}
	d.pending = append(d.pending, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of undelivered events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run delivers events until ctx is done, then flushes what is queued.
// Deliveries are not cut short by ctx, only by their own timeout.
func (d *Dispatcher) Run(ctx context.Context) {
	sendCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			d.drain(sendCtx)
			return
		case <-d.wake:
			d.drain(sendCtx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		clear(d.progress)
		d.mu.Unlock()

		for _, ev := range batch {
			d.send(ctx, ev)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, ev Event) {
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := d.sink.Notify(sctx, ev); err != nil {
		d.log.Warnw("failed to deliver event", "task", ev.TaskID, "status", ev.Status, "error", err)
	}
}
