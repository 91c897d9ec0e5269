package app

import (
	"context"
	"strings"

	"sitegen/internal/config"
	logx "sitegen/pkg/logx"
)

// reloadLoop applies published configs to the running components.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	for _, section := range ch.Sections {
		switch section {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "queue":
			a.queue.Apply(newCfg.QueueSettings())
		case "render":
			if err := a.site.Apply(mapRenderConfig(newCfg)); err != nil {
				a.log.Warn("invalid render config; keeping previous", logx.Err(err))
			}
		case "overboard":
			a.ob.Apply(mapOverboardConfig(newCfg))
		case "intake":
			if a.intake != nil {
				a.intake.SetRate(newCfg.Intake.RatePerSec, newCfg.Intake.Burst)
			}
		case "triggers":
			if err := a.triggers.Apply(mapTriggers(newCfg)); err != nil {
				a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}
