package genqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"sitegen/internal/eventbus"
	logx "sitegen/pkg/logx"
)

// Queue coalesces rebuild requests and drives a single renderer.
//
// All admission, backlog and dispatch decisions happen on one loop goroutine
// (see worker.go); Submit, Enqueue and renderer completions only send it
// messages. At most one renderer call is in flight at any time.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	renderer Renderer

	debug   atomic.Bool
	verbose atomic.Bool
	dump    rate.Sometimes

	inbox    chan submission
	calls    chan func(*loop)
	stopCh   chan struct{}
	stopDone chan struct{}
	cancel   context.CancelFunc
	loopDone chan struct{}

	admitted   atomic.Uint64
	rejected   atomic.Uint64
	dispatched atomic.Uint64
	failed     atomic.Uint64
}

type submission struct {
	req   Request
	at    time.Time
	reply chan Decision // nil for Enqueue
}

func New(cfg Config, renderer Renderer, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		renderer: renderer,
		dump:     rate.Sometimes{Interval: time.Second},
	}
	q.debug.Store(cfg.Debug)
	q.verbose.Store(cfg.Verbose)
	return q
}

// Apply updates the runtime knobs. Inbox and history sizes take effect on the next Start.
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
	q.debug.Store(cfg.Debug)
	q.verbose.Store(cfg.Verbose)
}

// SetVerbose toggles per-submission logging.
func (q *Queue) SetVerbose(on bool) { q.verbose.Store(on) }

// Running reports whether the queue loop is accepting submissions.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inbox != nil && q.stopDone == nil
}

// Start launches the queue loop. It is idempotent.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh != nil {
		done := q.stopDone
		q.mu.Unlock()
		if done == nil {
			return
		}
		// Stopping: wait for it to finish before restarting.
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		q.mu.Lock()
		if q.stopCh != nil {
			q.mu.Unlock()
			return
		}
	}

	cfg := q.cfg
	runCtx, cancel := context.WithCancel(ctx)
	q.inbox = make(chan submission, cfg.InboxSize)
	q.calls = make(chan func(*loop))
	q.stopCh = make(chan struct{})
	q.stopDone = nil
	q.cancel = cancel
	q.loopDone = make(chan struct{})

	l := newLoop(q, cfg.HistorySize)
	inbox, calls, stopCh, loopDone := q.inbox, q.calls, q.stopCh, q.loopDone
	q.mu.Unlock()

	go func() {
		defer close(loopDone)
		l.run(runCtx, stopCh, inbox, calls)
		q.detach(loopDone)
	}()

	q.log.Info("generation queue started", logx.Int("inbox", cap(inbox)), logx.Bool("debug", q.debug.Load()))
}

// Stop stops accepting submissions and waits for the loop and any in-flight
// render to return, or for ctx to expire. Pending work is discarded.
func (q *Queue) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	q.stopDone = done
	close(q.stopCh)
	cancel := q.cancel
	loopDone := q.loopDone
	q.mu.Unlock()

	cancel()

	go func() {
		<-loopDone
		q.mu.Lock()
		q.inbox = nil
		q.calls = nil
		q.stopCh = nil
		q.stopDone = nil
		q.cancel = nil
		q.loopDone = nil
		q.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("generation queue stopped")
	case <-ctx.Done():
		q.log.Warn("generation queue stop timed out", logx.Err(ctx.Err()))
	}
}

// detach clears the run state when the loop ended because its context was
// canceled rather than through Stop. Later calls then fail with ErrStopped.
func (q *Queue) detach(loopDone chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loopDone != loopDone || q.stopDone != nil {
		return
	}
	q.cancel()
	q.inbox = nil
	q.calls = nil
	q.stopCh = nil
	q.cancel = nil
	q.loopDone = nil
	q.log.Warn("generation queue loop ended without Stop; pending rebuilds discarded")
}

// channels returns the loop's inputs and a channel closed once the loop has
// exited, for whatever reason.
func (q *Queue) channels() (chan submission, chan func(*loop), chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inbox == nil || q.stopDone != nil {
		return nil, nil, nil, false
	}
	return q.inbox, q.calls, q.loopDone, true
}

// Submit hands r to the queue and waits for the admission decision.
//
// Malformed requests fail with ErrInvalidRequest before reaching admission.
// A rejected request is not an error: the returned Decision says why the
// work is already covered. Submit never waits for rendering.
func (q *Queue) Submit(ctx context.Context, r Request) (Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.Validate(); err != nil {
		return 0, err
	}
	inbox, _, gone, ok := q.channels()
	if !ok {
		return 0, ErrStopped
	}

	reply := make(chan Decision, 1)
	select {
	case inbox <- submission{req: r, at: time.Now(), reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-gone:
		return 0, ErrStopped
	}

	select {
	case d := <-reply:
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-gone:
		return 0, ErrStopped
	}
}

// SubmitMessage converts m and submits the result.
func (q *Queue) SubmitMessage(ctx context.Context, m Message) (Request, Decision, error) {
	r, err := m.Request()
	if err != nil {
		return Request{}, 0, err
	}
	d, err := q.Submit(ctx, r)
	return r, d, err
}

// Enqueue hands r to the queue without waiting. If the inbox is full the
// request is dropped and ErrInboxFull is returned.
func (q *Queue) Enqueue(r Request) error {
	if err := r.Validate(); err != nil {
		return err
	}
	inbox, _, _, ok := q.channels()
	if !ok {
		return ErrStopped
	}
	select {
	case inbox <- submission{req: r, at: time.Now()}:
		return nil
	default:
		q.log.Warn("rebuild request dropped: inbox full", logx.String("request", r.String()), logx.Int("inbox", cap(inbox)))
		return ErrInboxFull
	}
}

// do runs fn on the queue loop and waits for it to finish.
func (q *Queue) do(ctx context.Context, fn func(*loop)) error {
	_, calls, gone, ok := q.channels()
	if !ok {
		return ErrStopped
	}
	done := make(chan struct{})
	select {
	case calls <- func(l *loop) { fn(l); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-gone:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-gone:
		return ErrStopped
	}
}

// Snapshot returns the current queue state. When the queue is not running
// only the counters are filled in.
func (q *Queue) Snapshot(ctx context.Context) (Snapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var snap Snapshot
	err := q.do(ctx, func(l *loop) { snap = l.snapshot() })
	if errors.Is(err, ErrStopped) {
		err = nil
	}
	snap.Admitted = q.admitted.Load()
	snap.Rejected = q.rejected.Load()
	snap.Dispatched = q.dispatched.Load()
	snap.Failed = q.failed.Load()
	return snap, err
}

// WaitIdle blocks until nothing is in flight or waiting, or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	idle := make(chan struct{})
	err := q.do(ctx, func(l *loop) {
		if l.idle() {
			close(idle)
			return
		}
		l.idleWaiters = append(l.idleWaiters, idle)
	})
	if err != nil {
		return err
	}
	_, _, gone, ok := q.channels()
	if !ok {
		return ErrStopped
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-gone:
		return ErrStopped
	}
}

func (q *Queue) publish(typ string, e Event) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: e})
}
