package config

import (
	"sitegen/internal/genqueue"
)

// Config is the sitegen daemon configuration (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Queue     QueueConfig     `json:"queue"`
	Render    RenderConfig    `json:"render"`
	Storage   StorageConfig   `json:"storage"`
	Intake    IntakeConfig    `json:"intake"`
	Overboard OverboardConfig `json:"overboard"`
	Triggers  []TriggerConfig `json:"triggers,omitempty" validate:"dive"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls the generation queue.
//
//   - debug: invariant violations crash the process; templates reload before every render
//   - verbose: log every submission and, throttled, the pending state
type QueueConfig struct {
	Debug       bool `json:"debug,omitempty"`
	Verbose     bool `json:"verbose,omitempty"`
	InboxSize   int  `json:"inbox_size,omitempty" validate:"gte=0,lte=65536"`
	HistorySize int  `json:"history_size,omitempty" validate:"gte=0,lte=100000"`
}

// RenderConfig controls the static output.
//
// Defaults: page_size 10, max_pages 10, front_page_posts 20, overboard_threads 100.
// template_dir is optional; the built-in templates are used when empty.
type RenderConfig struct {
	OutputDir        string `json:"output_dir" validate:"required"`
	TemplateDir      string `json:"template_dir,omitempty"`
	SiteName         string `json:"site_name,omitempty"`
	PageSize         int    `json:"page_size,omitempty" validate:"gte=0"`
	MaxPages         int    `json:"max_pages,omitempty" validate:"gte=0"`
	FrontPagePosts   int    `json:"front_page_posts,omitempty" validate:"gte=0"`
	OverboardThreads int    `json:"overboard_threads,omitempty" validate:"gte=0"`
	// RebuildOnStart queues a global rebuild once the daemon is up.
	RebuildOnStart bool `json:"rebuild_on_start,omitempty"`
}

// StorageConfig selects the data store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/sitegen.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// IntakeConfig controls the HTTP submission endpoint.
//
// Prefer binding to localhost; the endpoint has no authentication.
type IntakeConfig struct {
	Enabled    bool    `json:"enabled"`
	Addr       string  `json:"addr,omitempty" validate:"omitempty,hostname_port"` // default: "127.0.0.1:8087"
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`
	Pprof      bool    `json:"pprof,omitempty"`
}

// OverboardConfig controls the overboard producer. size bounds the number of
// threads kept on the overboard (default 100).
type OverboardConfig struct {
	Enabled bool `json:"enabled"`
	Size    int  `json:"size,omitempty" validate:"gte=0"`
}

// TriggerConfig submits Message on a schedule ("*/5 * * * *", "@every 1h", "@daily", "02:30").
type TriggerConfig struct {
	Name     string           `json:"name" validate:"required,max=64"`
	Schedule string           `json:"schedule" validate:"required"`
	Message  genqueue.Message `json:"message"`
}

const (
	DefaultIntakeAddr     = "127.0.0.1:8087"
	DefaultIntakeRate     = 20
	DefaultIntakeBurst    = 40
	DefaultStoragePath    = "./data/sitegen.db"
	DefaultBusyTimeout    = "5s"
	DefaultPageSize       = 10
	DefaultMaxPages       = 10
	DefaultFrontPagePosts = 20
	DefaultOverboardSize  = 100
)

// WithDefaults fills omitted fields. The receiver is not modified.
func (c Config) WithDefaults() Config {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Storage.BusyTimeout == "" {
		c.Storage.BusyTimeout = DefaultBusyTimeout
	}
	if c.Render.PageSize <= 0 {
		c.Render.PageSize = DefaultPageSize
	}
	if c.Render.MaxPages <= 0 {
		c.Render.MaxPages = DefaultMaxPages
	}
	if c.Render.FrontPagePosts <= 0 {
		c.Render.FrontPagePosts = DefaultFrontPagePosts
	}
	if c.Render.OverboardThreads <= 0 {
		c.Render.OverboardThreads = DefaultOverboardSize
	}
	if c.Intake.Addr == "" {
		c.Intake.Addr = DefaultIntakeAddr
	}
	if c.Intake.RatePerSec <= 0 {
		c.Intake.RatePerSec = DefaultIntakeRate
	}
	if c.Intake.Burst <= 0 {
		c.Intake.Burst = DefaultIntakeBurst
	}
	if c.Overboard.Size <= 0 {
		c.Overboard.Size = DefaultOverboardSize
	}
	c.Triggers = append([]TriggerConfig(nil), c.Triggers...)
	return c
}

// QueueSettings converts the queue section.
func (c Config) QueueSettings() genqueue.Config {
	return genqueue.Config{
		Debug:       c.Queue.Debug,
		Verbose:     c.Queue.Verbose,
		InboxSize:   c.Queue.InboxSize,
		HistorySize: c.Queue.HistorySize,
	}
}
