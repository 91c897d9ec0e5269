package genqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sitegen/internal/eventbus"
	logx "sitegen/pkg/logx"
)

// blockingRenderer reports every call on calls and blocks until the test
// sends the outcome on release.
type blockingRenderer struct {
	calls   chan Request
	release chan error

	active    atomic.Int32
	maxActive atomic.Int32
}

func newBlockingRenderer() *blockingRenderer {
	return &blockingRenderer{calls: make(chan Request, 128), release: make(chan error)}
}

func (b *blockingRenderer) handle(ctx context.Context, r Request) error {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		m := b.maxActive.Load()
		if n <= m || b.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	b.calls <- r
	select {
	case err := <-b.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingRenderer) funcs() RendererFuncs {
	return RendererFuncs{
		AllFunc:          func(ctx context.Context) error { return b.handle(ctx, Global()) },
		DefaultPagesFunc: func(ctx context.Context) error { return b.handle(ctx, DefaultPages()) },
		FrontPageFunc:    func(ctx context.Context) error { return b.handle(ctx, FrontPage()) },
		BoardFunc: func(ctx context.Context, board string, withThreads bool) error {
			if withThreads {
				return b.handle(ctx, BoardAll(board))
			}
			return b.handle(ctx, BoardPages(board))
		},
		PageFunc: func(ctx context.Context, board string, page int) error {
			return b.handle(ctx, Page(board, page))
		},
		ThreadFunc: func(ctx context.Context, board string, thread ThreadID) error {
			return b.handle(ctx, Thread(board, thread))
		},
	}
}

type queueHarness struct {
	t   testing.TB
	q   *Queue
	r   *blockingRenderer
	bus eventbus.Bus
	ctx context.Context
}

func startQueue(t testing.TB, cfg Config) *queueHarness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	r := newBlockingRenderer()
	bus := eventbus.New()
	q := New(cfg, r.funcs(), logx.Nop(), bus)
	q.Start(context.Background())
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		q.Stop(stopCtx)
		cancel()
	})
	return &queueHarness{t: t, q: q, r: r, bus: bus, ctx: ctx}
}

func (h *queueHarness) submit(r Request, want Decision) {
	h.t.Helper()
	got, err := h.q.Submit(h.ctx, r)
	if err != nil {
		h.t.Fatalf("Submit(%s) error = %v", r, err)
	}
	if got != want {
		h.t.Fatalf("Submit(%s) = %s, want %s", r, got, want)
	}
}

// expectCall waits for the renderer to start r.
func (h *queueHarness) expectCall(want Request) {
	h.t.Helper()
	select {
	case got := <-h.r.calls:
		if got != want {
			h.t.Fatalf("renderer called with %s, want %s", got, want)
		}
	case <-h.ctx.Done():
		h.t.Fatalf("timed out waiting for renderer call %s", want)
	}
}

func (h *queueHarness) finish(err error) {
	h.t.Helper()
	select {
	case h.r.release <- err:
	case <-h.ctx.Done():
		h.t.Fatal("timed out releasing the renderer")
	}
}

// settle waits until n renders have completed and the loop has moved on.
func (h *queueHarness) settle(n int) Snapshot {
	h.t.Helper()
	for {
		snap, err := h.q.Snapshot(h.ctx)
		if err != nil {
			h.t.Fatalf("Snapshot() error = %v", err)
		}
		if len(snap.History) >= n {
			return snap
		}
		select {
		case <-h.ctx.Done():
			h.t.Fatalf("timed out waiting for %d completions (have %d)", n, len(snap.History))
		case <-time.After(time.Millisecond):
		}
	}
}

func (h *queueHarness) waitIdle() {
	h.t.Helper()
	if err := h.q.WaitIdle(h.ctx); err != nil {
		h.t.Fatalf("WaitIdle() error = %v", err)
	}
}

func (h *queueHarness) assertNoCall() {
	h.t.Helper()
	select {
	case r := <-h.r.calls:
		h.t.Fatalf("unexpected renderer call %s", r)
	default:
	}
}

func TestQueueDuplicateThread(t *testing.T) {
	t.Parallel()
	h := startQueue(t, Config{})

	h.submit(Thread("a", 42), Admitted)
	h.expectCall(Thread("a", 42))
	h.submit(Thread("a", 42), RejectedDuplicate)
	h.finish(nil)
	h.waitIdle()

	h.submit(Thread("a", 42), Admitted)
	h.expectCall(Thread("a", 42))
	h.finish(nil)
	h.waitIdle()
	h.assertNoCall()
}

func TestQueueBoardPagesThenPage(t *testing.T) {
	t.Parallel()
	h := startQueue(t, Config{})

	h.submit(BoardPages("x"), Admitted)
	h.expectCall(BoardPages("x"))
	h.submit(Page("x", 1), Admitted)

	snap := h.settle(0)
	if len(snap.Backlog) != 1 || snap.Backlog[0] != Page("x", 1) {
		t.Fatalf("backlog = %v, want [page(x/1)]", snap.Backlog)
	}

	h.finish(nil)
	h.expectCall(Page("x", 1))
	snap = h.settle(1)
	if len(snap.Tracker.Boards) != 1 || snap.Tracker.Boards[0].BuildingPages {
		t.Fatalf("tracker after board pages = %+v, want only page 1 pending", snap.Tracker)
	}
	h.finish(nil)
	h.waitIdle()
}

func TestQueueEscalationToBoardAll(t *testing.T) {
	t.Parallel()
	h := startQueue(t, Config{})

	h.submit(Page("b", 3), Admitted)
	h.expectCall(Page("b", 3))
	h.submit(BoardAll("b"), Admitted)
	h.submit(Page("b", 3), RejectedBoard)
	h.finish(nil)

	h.expectCall(BoardAll("b"))
	h.submit(Page("b", 3), RejectedBoard)
	h.submit(Thread("b", 8), RejectedBoard)
	h.finish(nil)
	h.waitIdle()
	h.assertNoCall()

	snap := h.settle(2)
	if len(snap.Tracker.Boards) != 0 {
		t.Fatalf("board state left behind: %+v", snap.Tracker.Boards)
	}
}

func TestQueueGlobalDominance(t *testing.T) {
	t.Parallel()
	h := startQueue(t, Config{})

	h.submit(Global(), Admitted)
	h.expectCall(Global())
	for _, r := range []Request{Global(), DefaultPages(), FrontPage(), BoardAll("b"), Page("b", 1), Thread("c", 2)} {
		h.submit(r, RejectedGlobal)
	}
	h.finish(nil)
	h.waitIdle()

	snap := h.settle(1)
	if snap.Tracker.RebuildingAll || snap.Tracker.RebuildingDefaultPages || snap.Tracker.RebuildingFrontPage {
		t.Fatalf("latches still set after global rebuild: %+v", snap.Tracker)
	}
	h.submit(DefaultPages(), Admitted)
	h.expectCall(DefaultPages())
	h.finish(nil)
	h.waitIdle()
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	h := startQueue(t, Config{})

	order := []Request{Thread("a", 1), BoardPages("b"), FrontPage(), Page("c", 2)}
	for _, r := range order {
		h.submit(r, Admitted)
	}
	for _, r := range order {
		h.expectCall(r)
		h.finish(nil)
	}
	h.waitIdle()
	if m := h.r.maxActive.Load(); m != 1 {
		t.Fatalf("max concurrent renders = %d, want 1", m)
	}
}

func TestQueueFailureDoesNotBlock(t *testing.T) {
	t.Parallel()
	h := startQueue(t, Config{})
	events, unsub := h.bus.Subscribe(64, "gen.failed")
	defer unsub()

	h.submit(Thread("a", 1), Admitted)
	h.submit(Thread("a", 2), Admitted)
	h.expectCall(Thread("a", 1))
	h.finish(errors.New("disk full"))
	h.expectCall(Thread("a", 2))
	h.finish(nil)
	h.waitIdle()

	snap := h.settle(2)
	if snap.Failed != 1 || snap.Dispatched != 2 {
		t.Fatalf("counters = failed %d dispatched %d", snap.Failed, snap.Dispatched)
	}
	if got := snap.History[0].Error; !strings.Contains(got, "thread(a/1)") || !strings.Contains(got, "disk full") {
		t.Fatalf("history error = %q", got)
	}

	select {
	case e := <-events:
		ev, ok := e.Data.(Event)
		if !ok || ev.Request != Thread("a", 1) || ev.Error == "" {
			t.Fatalf("failed event = %+v", e.Data)
		}
	case <-h.ctx.Done():
		t.Fatal("no gen.failed event")
	}

	// The failed request's claim was released.
	h.submit(Thread("a", 1), Admitted)
	h.expectCall(Thread("a", 1))
	h.finish(nil)
	h.waitIdle()
}

func TestQueueRendererPanic(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	q := New(Config{}, RendererFuncs{
		PageFunc: func(context.Context, string, int) error {
			if calls.Add(1) == 1 {
				panic("template exploded")
			}
			return nil
		},
	}, logx.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Start(ctx)
	defer q.Stop(ctx)

	for _, r := range []Request{Page("b", 1), Page("b", 2)} {
		if _, err := q.Submit(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	snap, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Failed != 1 || len(snap.History) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !strings.Contains(snap.History[0].Error, "panic: template exploded") {
		t.Fatalf("history error = %q", snap.History[0].Error)
	}
}

func TestQueueLifecycle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := New(Config{}, RendererFuncs{}, logx.Nop(), nil)
	if _, err := q.Submit(ctx, Global()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit before Start = %v, want ErrStopped", err)
	}
	if err := q.Enqueue(Global()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue before Start = %v, want ErrStopped", err)
	}

	q.Start(ctx)
	q.Start(ctx)
	if !q.Running() {
		t.Fatal("queue not running after Start")
	}
	if _, err := q.Submit(ctx, Page("b", 0)); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Submit(invalid) = %v, want ErrInvalidRequest", err)
	}
	if _, _, err := q.SubmitMessage(ctx, Message{Board: "b", Page: 1, Thread: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("SubmitMessage(conflict) = %v, want ErrInvalidRequest", err)
	}
	r, d, err := q.SubmitMessage(ctx, Message{Board: "b"})
	if err != nil || r != BoardPages("b") || d != Admitted {
		t.Fatalf("SubmitMessage = %s %s %v", r, d, err)
	}
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}

	q.Stop(ctx)
	q.Stop(ctx)
	if q.Running() {
		t.Fatal("queue still running after Stop")
	}
	if _, err := q.Submit(ctx, Global()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrStopped", err)
	}
	snap, err := q.Snapshot(ctx)
	if err != nil || snap.Running || snap.Admitted != 1 {
		t.Fatalf("Snapshot after Stop = %+v, %v", snap, err)
	}

	// Restart starts from an empty tracker.
	q.Start(ctx)
	defer q.Stop(ctx)
	if d, err := q.Submit(ctx, BoardPages("b")); err != nil || d != Admitted {
		t.Fatalf("Submit after restart = %s, %v", d, err)
	}
}

func TestQueueParentCancelStopsQueue(t *testing.T) {
	t.Parallel()
	parent, cancelParent := context.WithCancel(context.Background())
	q := New(Config{}, RendererFuncs{}, logx.Nop(), nil)
	q.Start(parent)
	if !q.Running() {
		t.Fatal("queue not running after Start")
	}
	cancelParent()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for q.Running() {
		select {
		case <-ctx.Done():
			t.Fatal("queue still running after its context was canceled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := q.Enqueue(Thread("a", 1)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after cancel = %v, want ErrStopped", err)
	}
	start := time.Now()
	if _, err := q.Submit(context.Background(), Thread("a", 2)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after cancel = %v, want ErrStopped", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Submit after cancel took %v", took)
	}
	if err := q.WaitIdle(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("WaitIdle after cancel = %v, want ErrStopped", err)
	}
	q.Stop(ctx)

	// The queue can be started again with a live context.
	q.Start(ctx)
	defer q.Stop(ctx)
	if d, err := q.Submit(ctx, Thread("a", 3)); err != nil || d != Admitted {
		t.Fatalf("Submit after restart = %s, %v", d, err)
	}
}

func TestQueueStopCancelsInFlight(t *testing.T) {
	t.Parallel()
	h := startQueue(t, Config{})
	h.submit(BoardAll("b"), Admitted)
	h.submit(Page("c", 1), Admitted)
	h.expectCall(BoardAll("b"))

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.q.Stop(stopCtx)
	if h.q.Running() {
		t.Fatal("queue still running")
	}
	if got := h.r.active.Load(); got != 0 {
		t.Fatalf("%d renders still active after Stop", got)
	}
	h.assertNoCall()
}

func TestQueueEnqueueInboxFull(t *testing.T) {
	t.Parallel()
	h := startQueue(t, Config{InboxSize: 1})

	// Park the loop so nothing drains the inbox.
	parked := make(chan struct{})
	unpark := make(chan struct{})
	go func() {
		_ = h.q.do(h.ctx, func(*loop) {
			close(parked)
			<-unpark
		})
	}()
	<-parked

	if err := h.q.Enqueue(Thread("a", 1)); err != nil {
		t.Fatalf("first Enqueue = %v", err)
	}
	if err := h.q.Enqueue(Thread("a", 2)); !errors.Is(err, ErrInboxFull) {
		t.Fatalf("second Enqueue = %v, want ErrInboxFull", err)
	}
	close(unpark)

	h.expectCall(Thread("a", 1))
	h.finish(nil)
	h.waitIdle()
	h.assertNoCall()
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()
	var active, maxActive atomic.Int32
	var mu sync.Mutex
	rendered := map[Request]int{}
	track := func(r Request) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		rendered[r]++
		mu.Unlock()
		return nil
	}
	q := New(Config{}, RendererFuncs{
		PageFunc:   func(_ context.Context, b string, p int) error { return track(Page(b, p)) },
		ThreadFunc: func(_ context.Context, b string, id ThreadID) error { return track(Thread(b, id)) },
		BoardFunc: func(_ context.Context, b string, all bool) error {
			if all {
				return track(BoardAll(b))
			}
			return track(BoardPages(b))
		},
	}, logx.Nop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q.Start(ctx)
	defer q.Stop(ctx)

	reqs := []Request{Page("a", 1), Page("a", 2), Thread("a", 5), BoardPages("b"), BoardAll("c"), Thread("c", 1)}
	var wg sync.WaitGroup
	var submitted atomic.Int64
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r := reqs[(p+i)%len(reqs)]
				if _, err := q.Submit(ctx, r); err != nil {
					t.Errorf("Submit(%s) = %v", r, err)
					return
				}
				submitted.Add(1)
			}
		}(p)
	}
	wg.Wait()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}

	snap, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Admitted + snap.Rejected; got != uint64(submitted.Load()) {
		t.Fatalf("admitted+rejected = %d, submitted %d", got, submitted.Load())
	}
	if snap.Dispatched != snap.Admitted {
		t.Fatalf("dispatched %d != admitted %d", snap.Dispatched, snap.Admitted)
	}
	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent renders = %d", maxActive.Load())
	}
	if len(snap.Tracker.Boards) != 0 {
		t.Fatalf("tracker not drained: %+v", snap.Tracker)
	}
	mu.Lock()
	total := 0
	for _, n := range rendered {
		total += n
	}
	mu.Unlock()
	if uint64(total) != snap.Dispatched {
		t.Fatalf("renderer saw %d calls, dispatched %d", total, snap.Dispatched)
	}
}

type reloadingRenderer struct {
	RendererFuncs
	reloads atomic.Int32
}

func (r *reloadingRenderer) Reload() error {
	r.reloads.Add(1)
	return nil
}

func TestQueueDebugReloadsBeforeDispatch(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := &reloadingRenderer{}
	q := New(Config{Debug: true}, r, logx.Nop(), nil)
	q.Start(ctx)
	defer q.Stop(ctx)

	for _, req := range []Request{FrontPage(), Page("b", 1), Thread("b", 2)} {
		if _, err := q.Submit(ctx, req); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := r.reloads.Load(); got != 3 {
		t.Fatalf("reloads = %d, want 3", got)
	}

	q.Apply(Config{Debug: false})
	if _, err := q.Submit(ctx, FrontPage()); err != nil {
		t.Fatal(err)
	}
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if got := r.reloads.Load(); got != 3 {
		t.Fatalf("reloads after leaving debug mode = %d, want 3", got)
	}
}

func TestInvariantViolation(t *testing.T) {
	t.Parallel()

	t.Run("debug panics", func(t *testing.T) {
		t.Parallel()
		q := New(Config{Debug: true}, RendererFuncs{}, logx.Nop(), nil)
		l := newLoop(q, 10)
		defer func() {
			p := recover()
			if p == nil {
				t.Fatal("stray completion did not panic in debug mode")
			}
			if !strings.Contains(p.(string), "invariant violated") {
				t.Fatalf("panic = %v", p)
			}
		}()
		l.complete(context.Background(), completion{id: 7, req: Page("b", 1)})
	})

	t.Run("production ignores", func(t *testing.T) {
		t.Parallel()
		bus := eventbus.New()
		events, unsub := bus.Subscribe(4, EventInvariant)
		defer unsub()
		q := New(Config{}, RendererFuncs{}, logx.Nop(), bus)
		l := newLoop(q, 10)

		l.complete(context.Background(), completion{id: 7, req: Page("b", 1)})
		if !l.idle() || len(l.history) != 0 {
			t.Fatal("stray completion changed loop state")
		}
		select {
		case e := <-events:
			if ev := e.Data.(Event); !strings.Contains(ev.Error, "page(b/1)") {
				t.Fatalf("invariant event = %+v", ev)
			}
		default:
			t.Fatal("no gen.invariant event published")
		}
	})
}
