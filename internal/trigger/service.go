package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sitegen/internal/genqueue"
	logx "sitegen/pkg/logx"
)

var ErrUnknownTrigger = errors.New("unknown trigger")

// Trigger submits Message on Schedule.
type Trigger struct {
	Name     string
	Schedule string
	Message  genqueue.Message
}

// Submitter is the queue side a trigger talks to.
type Submitter interface {
	SubmitMessage(ctx context.Context, m genqueue.Message) (genqueue.Request, genqueue.Decision, error)
}

// Status is a trigger's schedule and last outcome.
type Status struct {
	Name         string    `json:"name"`
	Schedule     string    `json:"schedule"`
	Request      string    `json:"request"`
	Next         time.Time `json:"next,omitempty"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastDecision string    `json:"last_decision,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Fired        uint64    `json:"fired"`
}

type def struct {
	Trigger
	sched Schedule
	req   genqueue.Request
	entry cron.EntryID

	lastRun      time.Time
	lastDecision string
	lastError    string
	fired        uint64
}

type Service struct {
	queue   Submitter
	log     logx.Logger
	timeout time.Duration

	mu   sync.Mutex
	ctx  context.Context
	c    *cron.Cron
	defs map[string]*def
}

func New(queue Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		queue:   queue,
		log:     log.With(logx.String("comp", "trigger")),
		timeout: 5 * time.Second,
		defs:    map[string]*def{},
	}
}

// Apply replaces the trigger set. Nothing changes when any trigger is
// invalid. Counters of triggers that keep their name survive.
func (s *Service) Apply(triggers []Trigger) error {
	next := make(map[string]*def, len(triggers))
	var errs []error
	for i, t := range triggers {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("trigger %d: name required", i))
			continue
		}
		if _, dup := next[name]; dup {
			errs = append(errs, fmt.Errorf("trigger %s: duplicate name", name))
			continue
		}
		sched, err := ParseSchedule(t.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", name, err))
			continue
		}
		req, err := t.Message.Request()
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", name, err))
			continue
		}
		t.Name = name
		next[name] = &def{Trigger: t, sched: sched, req: req}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, d := range next {
		if old, ok := s.defs[name]; ok {
			d.lastRun, d.lastDecision, d.lastError, d.fired = old.lastRun, old.lastDecision, old.lastError, old.fired
		}
	}
	if s.c != nil {
		for _, d := range s.defs {
			s.c.Remove(d.entry)
		}
	}
	s.defs = next
	if s.c != nil {
		s.registerLocked(time.Now())
	}
	s.log.Debug("triggers applied", logx.Int("count", len(next)))
	return nil
}

// Start begins firing. ctx bounds the submissions triggers make.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cl := cronLogger{s.log}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	s.registerLocked(time.Now())
	s.c.Start()
	s.log.Info("service started", logx.Int("triggers", len(s.defs)))
}

func (s *Service) registerLocked(now time.Time) {
	for _, d := range s.defs {
		d := d
		job := cron.FuncJob(func() { s.fire(d) })
		switch d.sched.Kind {
		case KindInterval:
			sched, jitter := intervalSchedule(d.Name, d.sched.Every, now)
			d.entry = s.c.Schedule(sched, job)
			s.log.Debug("trigger registered", logx.String("name", d.Name), logx.String("schedule", d.sched.String()), logx.Duration("spread", jitter))
		default:
			id, err := s.c.AddJob(d.sched.Cron, job)
			if err != nil {
				// ParseSchedule already accepted the expression.
				s.log.Error("trigger register failed", logx.String("name", d.Name), logx.Err(err))
				continue
			}
			d.entry = id
			s.log.Debug("trigger registered", logx.String("name", d.Name), logx.String("schedule", d.sched.Cron))
		}
	}
}

// Stop halts firing and waits for a running submission, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Fire submits the named trigger's message now.
func (s *Service) Fire(ctx context.Context, name string) (genqueue.Decision, error) {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	return s.submit(ctx, d)
}

func (s *Service) fire(d *def) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, s.timeout)
	defer cancel()
	_, _ = s.submit(ctx, d)
}

func (s *Service) submit(ctx context.Context, d *def) (genqueue.Decision, error) {
	_, dec, err := s.queue.SubmitMessage(ctx, d.Message)

	s.mu.Lock()
	d.lastRun = time.Now()
	d.fired++
	d.lastError, d.lastDecision = "", ""
	if err != nil {
		d.lastError = err.Error()
	} else {
		d.lastDecision = dec.String()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("trigger submit failed", logx.String("name", d.Name), logx.String("request", d.req.String()), logx.Err(err))
		return dec, err
	}
	s.log.Debug("trigger fired", logx.String("name", d.Name), logx.String("request", d.req.String()), logx.String("decision", dec.String()))
	return dec, nil
}

// Statuses lists the triggers sorted by name.
func (s *Service) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.defs))
	for _, d := range s.defs {
		st := Status{
			Name:         d.Name,
			Schedule:     d.sched.String(),
			Request:      d.req.String(),
			LastRun:      d.lastRun,
			LastDecision: d.lastDecision,
			LastError:    d.lastError,
			Fired:        d.fired,
		}
		if s.c != nil && d.entry != 0 {
			st.Next = s.c.Entry(d.entry).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
