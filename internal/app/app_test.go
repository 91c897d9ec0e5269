package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitegen/internal/genqueue"
	"sitegen/internal/storage"
	logx "sitegen/pkg/logx"
)

const testConfig = `{
  "logging": {"level": "error", "console": false},
  "render": {"output_dir": %q, "page_size": 2, "rebuild_on_start": %t},
  "storage": {"path": %q},
  "intake": {"enabled": false},
  "overboard": {"enabled": %t, "size": 5},
  "triggers": [
    {"name": "front", "schedule": "@every 1h", "message": {"frontPage": true}}
  ]
}`

type testEnv struct {
	dir, out, db, cfg string
}

func newEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	return testEnv{
		dir: dir,
		out: filepath.Join(dir, "www"),
		db:  filepath.Join(dir, "data", "sitegen.db"),
		cfg: filepath.Join(dir, "sitegen.json"),
	}
}

func (e testEnv) write(t *testing.T, rebuildOnStart, overboard bool) {
	t.Helper()
	body := fmt.Sprintf(testConfig, e.out, rebuildOnStart, e.db, overboard)
	if err := os.WriteFile(e.cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startApp(t *testing.T, e testEnv) *App {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, e.cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.notify = func(string) (bool, error) { return false, nil }
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func exists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	return err == nil
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if err := os.WriteFile(e.cfg, []byte(`{"render": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), e.cfg); err == nil {
		t.Fatal("New() accepted a config without render.output_dir")
	}
	if _, err := New(context.Background(), filepath.Join(e.dir, "missing.json")); err == nil {
		t.Fatal("New() accepted a missing file")
	}
}

func TestRebuildWritesPagesAndGenerationLog(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.write(t, true, false)
	a := startApp(t, e)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Queue().WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
	if !exists(t, filepath.Join(e.out, "index.html")) {
		t.Fatal("initial rebuild did not write the front page")
	}

	st := a.Store()
	if err := st.PutBoard(ctx, storage.Board{URI: "b", Title: "Random"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutThread(ctx, storage.Thread{Board: "b", ID: 7, Subject: "hello", Message: "op"}); err != nil {
		t.Fatal(err)
	}

	d, err := a.Queue().Submit(ctx, genqueue.BoardAll("b"))
	if err != nil || d != genqueue.Admitted {
		t.Fatalf("Submit(board_all) = %v, %v", d, err)
	}
	if err := a.Queue().WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{"b/index.html", "b/1.json", "b/res/7.html", "b/res/7.json"} {
		if !exists(t, filepath.Join(e.out, rel)) {
			t.Fatalf("%s was not written", rel)
		}
	}
	if got := a.Triggers().Statuses(); len(got) != 1 || got[0].Name != "front" {
		t.Fatalf("Statuses() = %+v", got)
	}

	stopApp(t, a)

	reopened, err := storage.Open(context.Background(), storage.Config{Path: e.db}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	gens, err := reopened.RecentGenerations(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 2 || gens[0].Request != "board_all(b)" || !gens[0].OK || gens[1].Request != "global" {
		t.Fatalf("generation log = %+v", gens)
	}
}

func TestStoppedQueueRejects(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.write(t, false, false)
	a := startApp(t, e)
	stopApp(t, a)

	if _, err := a.Queue().Submit(context.Background(), genqueue.FrontPage()); err == nil {
		t.Fatal("Submit() after Stop succeeded")
	}
	// A second Stop is harmless.
	stopApp(t, a)
}

func TestConfigReloadAppliesOverboard(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.write(t, false, false)
	a := startApp(t, e)
	defer stopApp(t, a)

	if a.Overboard().Enabled() {
		t.Fatal("overboard enabled before reload")
	}
	e.write(t, false, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.cfgm.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	for !a.Overboard().Enabled() {
		select {
		case <-ctx.Done():
			t.Fatal("overboard was not enabled by the reload")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if a.Overboard().Size() != 5 {
		t.Fatalf("Size() = %d, want 5", a.Overboard().Size())
	}
}
