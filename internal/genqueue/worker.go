package genqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "sitegen/pkg/logx"
)

// loop owns the tracker and the backlog. Only the loop goroutine touches it.
type loop struct {
	q *Queue

	tracker *Tracker
	backlog []queued

	inflight *dispatch
	done     chan completion
	seq      uint64

	history     []HistoryItem
	historySize int

	idleWaiters []chan struct{}
}

type queued struct {
	req Request
	at  time.Time
}

type dispatch struct {
	id       uint64
	req      Request
	queuedAt time.Time
	started  time.Time
}

type completion struct {
	id  uint64
	req Request
	err error
	dur time.Duration
}

func newLoop(q *Queue, historySize int) *loop {
	return &loop{
		q:           q,
		tracker:     NewTracker(),
		done:        make(chan completion, 1), // one render in flight at most
		historySize: historySize,
	}
}

func (l *loop) run(ctx context.Context, stopCh <-chan struct{}, inbox <-chan submission, calls <-chan func(*loop)) {
	defer l.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case s := <-inbox:
			d := l.admit(ctx, s.req, s.at)
			if s.reply != nil {
				s.reply <- d
			}
		case c := <-l.done:
			l.complete(ctx, c)
		case fn := <-calls:
			fn(l)
		}
	}
}

func (l *loop) shutdown() {
	if l.inflight != nil {
		// The render context is already canceled; wait for the renderer to return.
		c := <-l.done
		l.q.log.Info("in-flight render finished during shutdown", logx.String("request", c.req.String()), logx.Err(c.err))
		l.inflight = nil
	}
	if n := len(l.backlog); n > 0 {
		l.q.log.Warn("discarding pending rebuilds", logx.Int("pending", n))
	}
	l.backlog = nil
	l.tracker = NewTracker()
}

func (l *loop) admit(ctx context.Context, r Request, at time.Time) Decision {
	q := l.q
	if q.verbose.Load() {
		q.log.Debug("queuing rebuild", logx.String("request", r.String()))
	}

	d := l.tracker.Admit(r)
	if d != Admitted {
		q.rejected.Add(1)
		q.publish(EventRejected, Event{Request: r, Decision: d.String()})
		q.log.Trace("rebuild rejected", logx.String("request", r.String()), logx.String("decision", d.String()))
		return d
	}

	l.backlog = append(l.backlog, queued{req: r, at: at})
	q.admitted.Add(1)
	q.publish(EventAdmitted, Event{Request: r, Decision: d.String()})

	if q.verbose.Load() {
		q.dump.Do(func() {
			snap := l.snapshot()
			q.log.Debug("queue state", logx.Any("tracker", snap.Tracker), logx.Any("backlog", snap.Backlog))
		})
	}

	if l.inflight == nil {
		l.dispatchNext(ctx)
	}
	return d
}

func (l *loop) dispatchNext(ctx context.Context) {
	q := l.q
	if len(l.backlog) == 0 {
		l.inflight = nil
		for _, w := range l.idleWaiters {
			close(w)
		}
		l.idleWaiters = nil
		q.log.Trace("generation queue idle")
		return
	}

	head := l.backlog[0]
	l.backlog[0] = queued{}
	l.backlog = l.backlog[1:]

	if q.debug.Load() {
		if rl, ok := q.renderer.(Reloader); ok {
			if err := rl.Reload(); err != nil {
				q.log.Warn("renderer reload failed", logx.Err(err))
			}
		}
	}

	l.seq++
	d := &dispatch{id: l.seq, req: head.req, queuedAt: head.at, started: time.Now()}
	l.inflight = d
	q.dispatched.Add(1)

	queueDelay := d.started.Sub(d.queuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	q.publish(EventDispatched, Event{ID: d.id, Request: d.req, QueueDelay: queueDelay})
	q.log.Debug("render.started", logx.String("request", d.req.String()), logx.Duration("queue_delay", queueDelay))

	done := l.done
	renderer := q.renderer
	go func() {
		var err error
		func() {
			// A panicking renderer must not take the queue down with it.
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
					q.log.Error("render.panic", logx.String("request", d.req.String()), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				}
			}()
			err = render(ctx, renderer, d.req)
		}()
		done <- completion{id: d.id, req: d.req, err: err, dur: time.Since(d.started)}
	}()
}

func (l *loop) complete(ctx context.Context, c completion) {
	q := l.q
	d := l.inflight
	if d == nil || d.id != c.id || d.req != c.req {
		l.invariant(fmt.Errorf("completion for %s (id %d) does not match the in-flight render", c.req, c.id))
		return
	}
	l.inflight = nil

	if err := l.tracker.Release(c.req); err != nil {
		l.invariant(err)
	}

	queueDelay := d.started.Sub(d.queuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	item := HistoryItem{ID: d.id, Request: d.req, Started: d.started, QueueDelay: queueDelay, Duration: c.dur}
	if c.err != nil {
		rerr := &RenderError{Request: c.req, Err: c.err}
		item.Error = rerr.Error()
		q.failed.Add(1)
		q.log.Warn("render.failed", logx.String("request", c.req.String()), logx.Err(rerr), logx.Duration("dur", c.dur))
		q.publish(EventFailed, Event{ID: d.id, Request: d.req, QueueDelay: queueDelay, Duration: c.dur, Error: rerr.Error()})
	} else {
		if c.dur >= 750*time.Millisecond {
			q.log.Info("render.completed", logx.String("request", c.req.String()), logx.Duration("dur", c.dur))
		} else {
			q.log.Debug("render.completed", logx.String("request", c.req.String()), logx.Duration("dur", c.dur))
		}
		q.publish(EventCompleted, Event{ID: d.id, Request: d.req, QueueDelay: queueDelay, Duration: c.dur})
	}
	l.record(item)

	l.dispatchNext(ctx)
}

// invariant reports a queue bug: fatal in debug mode, logged and ignored otherwise.
func (l *loop) invariant(err error) {
	q := l.q
	q.publish(EventInvariant, Event{Error: err.Error()})
	if q.debug.Load() {
		panic(fmt.Sprintf("genqueue: invariant violated: %v", err))
	}
	q.log.Error("generation queue invariant violated", logx.Err(err))
}

func (l *loop) record(item HistoryItem) {
	l.history = append(l.history, item)
	if len(l.history) > l.historySize {
		l.history = l.history[len(l.history)-l.historySize:]
	}
}

func (l *loop) idle() bool { return l.inflight == nil && len(l.backlog) == 0 }

func (l *loop) snapshot() Snapshot {
	snap := Snapshot{
		Running: true,
		Backlog: make([]Request, 0, len(l.backlog)),
		Tracker: l.tracker.Snapshot(),
		History: append([]HistoryItem(nil), l.history...),
	}
	if l.inflight != nil {
		r := l.inflight.req
		snap.InFlight = &r
		snap.InFlightSince = l.inflight.started
	}
	for _, it := range l.backlog {
		snap.Backlog = append(snap.Backlog, it.req)
	}
	return snap
}
