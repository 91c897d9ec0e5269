package app

import (
	"time"

	"sitegen/internal/config"
	"sitegen/internal/intake"
	"sitegen/internal/overboard"
	"sitegen/internal/render"
	"sitegen/internal/storage"
	"sitegen/internal/trigger"
	logx "sitegen/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapRenderConfig(cfg *config.Config) render.Config {
	r := cfg.Render
	return render.Config{
		OutputDir:        r.OutputDir,
		TemplateDir:      r.TemplateDir,
		SiteName:         r.SiteName,
		PageSize:         r.PageSize,
		MaxPages:         r.MaxPages,
		FrontPagePosts:   r.FrontPagePosts,
		OverboardThreads: r.OverboardThreads,
	}
}

func mapOverboardConfig(cfg *config.Config) overboard.Config {
	return overboard.Config{Enabled: cfg.Overboard.Enabled, Size: cfg.Overboard.Size}
}

func mapIntakeConfig(cfg *config.Config) intake.Config {
	return intake.Config{
		Addr:       cfg.Intake.Addr,
		RatePerSec: cfg.Intake.RatePerSec,
		Burst:      cfg.Intake.Burst,
		Pprof:      cfg.Intake.Pprof,
	}
}

func mapTriggers(cfg *config.Config) []trigger.Trigger {
	out := make([]trigger.Trigger, 0, len(cfg.Triggers))
	for _, t := range cfg.Triggers {
		out = append(out, trigger.Trigger{Name: t.Name, Schedule: t.Schedule, Message: t.Message})
	}
	return out
}
