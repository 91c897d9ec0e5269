package config

import (
	"reflect"

	logx "sitegen/pkg/logx"
)

// Change summarizes what a reload touched.
type Change struct {
	Sections []string
	Fields   []logx.Field
	// RestartRequired lists sections whose new values only apply after a restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs (defaults applied).
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		ch.Sections = append(ch.Sections, "queue")
		ch.Fields = append(ch.Fields,
			logx.Bool("queue.debug", newCfg.Queue.Debug),
			logx.Bool("queue.verbose", newCfg.Queue.Verbose),
		)
		if oldCfg.Queue.InboxSize != newCfg.Queue.InboxSize || oldCfg.Queue.HistorySize != newCfg.Queue.HistorySize {
			ch.RestartRequired = append(ch.RestartRequired, "queue")
		}
	}
	if oldCfg.Render != newCfg.Render {
		ch.Sections = append(ch.Sections, "render")
		ch.Fields = append(ch.Fields,
			logx.String("render.output_dir", newCfg.Render.OutputDir),
			logx.Int("render.page_size", newCfg.Render.PageSize),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.RestartRequired = append(ch.RestartRequired, "storage")
	}
	if oldCfg.Intake != newCfg.Intake {
		ch.Sections = append(ch.Sections, "intake")
		ch.Fields = append(ch.Fields,
			logx.Bool("intake.enabled", newCfg.Intake.Enabled),
			logx.String("intake.addr", newCfg.Intake.Addr),
			logx.Any("intake.rate_per_sec", newCfg.Intake.RatePerSec),
		)
		o, n := oldCfg.Intake, newCfg.Intake
		if o.Enabled != n.Enabled || o.Addr != n.Addr || o.Pprof != n.Pprof {
			ch.RestartRequired = append(ch.RestartRequired, "intake")
		}
	}
	if oldCfg.Overboard != newCfg.Overboard {
		ch.Sections = append(ch.Sections, "overboard")
		ch.Fields = append(ch.Fields,
			logx.Bool("overboard.enabled", newCfg.Overboard.Enabled),
			logx.Int("overboard.size", newCfg.Overboard.Size),
		)
	}
	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		ch.Sections = append(ch.Sections, "triggers")
		ch.Fields = append(ch.Fields, logx.Int("triggers.count", len(newCfg.Triggers)))
	}
	return ch
}
