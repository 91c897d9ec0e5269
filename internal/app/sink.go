package app

import (
	"context"
	"time"

	"sitegen/internal/eventbus"
	"sitegen/internal/genqueue"
	"sitegen/internal/storage"
	logx "sitegen/pkg/logx"
)

// generationLog writes finished renders to the store's generation log. It
// runs until ctx is done, then records whatever is still buffered.
func (a *App) generationLog(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			a.recordGeneration(e)
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					a.recordGeneration(e)
				default:
					return
				}
			}
		}
	}
}

func (a *App) recordGeneration(e eventbus.Event) {
	ev, ok := e.Data.(genqueue.Event)
	if !ok {
		return
	}
	g := storage.Generation{
		At:         e.Time,
		Request:    ev.Request.String(),
		Kind:       ev.Request.Kind.String(),
		Board:      ev.Request.Board,
		OK:         e.Type == genqueue.EventCompleted,
		Error:      ev.Error,
		QueueDelay: ev.QueueDelay,
		Took:       ev.Duration,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.AppendGeneration(ctx, g); err != nil {
		a.log.Warn("generation log write failed", logx.String("request", g.Request), logx.Err(err))
	}
}
