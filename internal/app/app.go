package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sitegen/internal/config"
	"sitegen/internal/eventbus"
	"sitegen/internal/genqueue"
	"sitegen/internal/intake"
	"sitegen/internal/overboard"
	"sitegen/internal/render"
	"sitegen/internal/runtime/supervisor"
	"sitegen/internal/storage"
	"sitegen/internal/trigger"
	logx "sitegen/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	site     *render.Site
	queue    *genqueue.Queue
	ob       *overboard.Service
	triggers *trigger.Service
	intake   *intake.Server

	sinkCancel context.CancelFunc
	sinkDone   chan struct{}
	stopped    atomic.Bool

	notify func(state string) (bool, error)
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := render.CheckTemplates(cfg.Render.TemplateDir); err != nil {
			return fmt.Errorf("render.template_dir: %w", err)
		}
		return nil
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	site, err := render.New(mapRenderConfig(cfg), store, log)
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	queue := genqueue.New(cfg.QueueSettings(), site, log.With(logx.String("comp", "genqueue")), bus)
	ob := overboard.New(mapOverboardConfig(cfg), store, queue, log)
	trig := trigger.New(queue, log)
	if err := trig.Apply(mapTriggers(cfg)); err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		site:     site,
		queue:    queue,
		ob:       ob,
		triggers: trig,
		notify:   systemdNotify,
	}
	if cfg.Intake.Enabled {
		a.intake = intake.New(mapIntakeConfig(cfg), intake.Deps{
			Queue:       queue,
			Overboard:   ob,
			Generations: store,
			Triggers:    trig,
			Ping:        store.Ping,
		}, log)
	}
	return a, nil
}

func (a *App) Queue() *genqueue.Queue        { return a.queue }
func (a *App) Store() *storage.Store         { return a.store }
func (a *App) Overboard() *overboard.Service { return a.ob }
func (a *App) Triggers() *trigger.Service    { return a.triggers }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.queue.Start(runCtx)

	// The generation log outlives the supervisor so completions of the last
	// render are still recorded during shutdown.
	events, unsub := a.bus.Subscribe(256, genqueue.EventCompleted, genqueue.EventFailed)
	sinkCtx, sinkCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.sinkCancel, a.sinkDone = sinkCancel, make(chan struct{})
	go func() {
		defer close(a.sinkDone)
		defer unsub()
		a.generationLog(sinkCtx, events)
	}()

	a.triggers.Start(runCtx)

	if a.intake != nil {
		if err := a.intake.Listen(); err != nil {
			return err
		}
		a.sup.Go("intake", a.intake.Run)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if a.cfgm.Get().Render.RebuildOnStart {
		d, err := a.queue.Submit(runCtx, genqueue.Global())
		if err != nil {
			return fmt.Errorf("initial rebuild: %w", err)
		}
		a.log.Info("initial rebuild queued", logx.String("decision", d.String()))
	}

	a.sdNotify(daemon.SdNotifyReady)
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || a.stopped.Swap(true) {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel the run context first: intake, the config loops and the
	// watchdog start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "genqueue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	a.step(ctx, "generation_log", 2*time.Second, func(c context.Context) error {
		a.sinkCancel()
		select {
		case <-a.sinkDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't stall
// the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
