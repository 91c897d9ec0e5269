package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sitegen/internal/genqueue"
)

const sampleYAML = `
logging:
  level: debug
  console: true
queue:
  verbose: true
render:
  output_dir: ./public
  page_size: 15
storage:
  path: ./data/test.db
intake:
  enabled: true
  addr: "127.0.0.1:9000"
overboard:
  enabled: true
  size: 50
triggers:
  - name: nightly
    schedule: "@daily"
    message:
      globalRebuild: true
  - name: front
    schedule: "*/10 * * * *"
    message:
      frontPage: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "sitegen.yaml", sampleYAML))
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Render.PageSize != 15 || cfg.Render.MaxPages != DefaultMaxPages {
		t.Fatalf("render = %+v", cfg.Render)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != DefaultBusyTimeout {
		t.Fatalf("storage defaults not applied: %+v", cfg.Storage)
	}
	if cfg.Intake.RatePerSec != DefaultIntakeRate || cfg.Intake.Burst != DefaultIntakeBurst {
		t.Fatalf("intake defaults not applied: %+v", cfg.Intake)
	}
	if len(cfg.Triggers) != 2 {
		t.Fatalf("triggers = %+v", cfg.Triggers)
	}
	r, err := cfg.Triggers[1].Message.Request()
	if err != nil || r != genqueue.FrontPage() {
		t.Fatalf("trigger message = %s, %v", r, err)
	}
	if got := cfg.QueueSettings(); !got.Verbose || got.Debug {
		t.Fatalf("QueueSettings() = %+v", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get() does not return the committed config")
	}
}

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown key":        `{"render":{"output_dir":"x","colour":"blue"}}`,
		"unknown section":    `{"telegram":{}}`,
		"trailing data":      `{"render":{"output_dir":"x"}} {}`,
		"unknown msg key":    `{"triggers":[{"name":"a","schedule":"@daily","message":{"everything":true}}]}`,
		"wrong scalar types": `{"queue":{"inbox_size":"big"}}`,
	}
	for name, body := range cases {
		if _, err := Decode("sitegen.json", []byte(body)); err == nil {
			t.Errorf("%s: Decode() accepted %s", name, body)
		}
	}
	if _, err := Decode("sitegen.yml", []byte("render: [oops")); err == nil {
		t.Error("Decode() accepted broken YAML")
	}
	cfg, err := Decode("empty.yaml", nil)
	if err != nil || cfg == nil {
		t.Fatalf("empty YAML: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() Config {
		return Config{Render: RenderConfig{OutputDir: "./public"}}.WithDefaults()
	}

	ok := base()
	if err := Validate(&ok); err != nil {
		t.Fatalf("Validate(defaults) = %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing output dir", func(c *Config) { c.Render.OutputDir = "" }, "render.output_dir"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"bad busy timeout", func(c *Config) { c.Storage.BusyTimeout = "soon" }, "storage.busy_timeout"},
		{"bad addr", func(c *Config) { c.Intake.Addr = "nowhere" }, "intake.addr"},
		{"negative inbox", func(c *Config) { c.Queue.InboxSize = -1 }, "queue.inbox_size"},
		{"trigger without name", func(c *Config) {
			c.Triggers = []TriggerConfig{{Schedule: "@daily", Message: genqueue.Message{FrontPage: true}}}
		}, "triggers[0].name"},
		{"duplicate trigger", func(c *Config) {
			c.Triggers = []TriggerConfig{
				{Name: "a", Schedule: "@daily", Message: genqueue.Message{FrontPage: true}},
				{Name: "A", Schedule: "@hourly", Message: genqueue.Message{DefaultPages: true}},
			}
		}, "duplicate name"},
		{"bad trigger schedule", func(c *Config) {
			c.Triggers = []TriggerConfig{{Name: "a", Schedule: "whenever", Message: genqueue.Message{FrontPage: true}}}
		}, "triggers[0].schedule"},
		{"conflicting trigger message", func(c *Config) {
			c.Triggers = []TriggerConfig{{Name: "a", Schedule: "@daily", Message: genqueue.Message{Board: "b", Page: 1, Thread: 2}}}
		}, "triggers[0].message"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			err := Validate(&cfg)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty: %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms: %v, %v", d, err)
	}
	if _, err := ParseDurationField("storage.busy_timeout", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("storage.busy_timeout", "soon"); err == nil || !strings.Contains(err.Error(), "storage.busy_timeout") {
		t.Fatalf("error does not name the field: %v", err)
	}
}

func TestReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := writeFile(t, "sitegen.json", `{"render":{"output_dir":"./a"}}`)
	m := NewManager(path)
	if _, err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if published, err := m.Reload(ctx); err != nil || published {
		t.Fatalf("unchanged Reload() = %v, %v", published, err)
	}

	if err := os.WriteFile(path, []byte(`{"render":{"output_dir":"./b"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(ctx); err != nil || !published {
		t.Fatalf("changed Reload() = %v, %v", published, err)
	}
	if got := (<-sub).Render.OutputDir; got != "./b" {
		t.Fatalf("published output_dir = %q", got)
	}

	// Invalid content is rejected and the committed config stays.
	if err := os.WriteFile(path, []byte(`{"render":{"output_dir":""}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); !errors.Is(err, ErrInvalid) {
		t.Fatalf("invalid Reload() = %v", err)
	}
	if m.Get().Render.OutputDir != "./b" {
		t.Fatal("rejected config was committed")
	}

	m.SetValidator(func(context.Context, *Config) error { return errors.New("vetoed") })
	if err := os.WriteFile(path, []byte(`{"render":{"output_dir":"./c"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil || !strings.Contains(err.Error(), "vetoed") {
		t.Fatalf("validator hook not applied: %v", err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "sitegen.yaml", "render:\n  output_dir: ./a\n")
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Keep rewriting until the watcher is up and sees a change.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Render.OutputDir != "./b" {
				t.Fatalf("published output_dir = %q", cfg.Render.OutputDir)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch() = %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("render:\n  output_dir: ./b\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		case <-ctx.Done():
			t.Fatal("watcher never published the change")
		}
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a := Config{Render: RenderConfig{OutputDir: "./a"}}.WithDefaults()
	if ch := Diff(&a, &a); !ch.Empty() {
		t.Fatalf("Diff(a, a) = %+v", ch.Sections)
	}
	b := a
	b.Overboard.Size = 7
	b.Intake.Addr = "127.0.0.1:9999"
	b.Triggers = []TriggerConfig{{Name: "x", Schedule: "@daily"}}
	ch := Diff(&a, &b)
	if strings.Join(ch.Sections, ",") != "intake,overboard,triggers" {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if strings.Join(ch.RestartRequired, ",") != "intake" {
		t.Fatalf("restart required = %v", ch.RestartRequired)
	}

	c := a
	c.Intake.RatePerSec = 1
	if ch := Diff(&a, &c); len(ch.RestartRequired) != 0 || strings.Join(ch.Sections, ",") != "intake" {
		t.Fatalf("rate change = %+v", ch)
	}
}
