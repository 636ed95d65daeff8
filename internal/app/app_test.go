package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"newspipe/internal/config"
)

const testConfigYAML = `
logging:
  level: error
storage:
  backend: memory
schedule:
  every: 1h
sources:
  - id: idnes
    url: https://www.idnes.cz/
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := len(a.Dispatcher().Schedules()); got != 1 {
		t.Fatalf("schedules after start = %d, want the configured fetch-all", got)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartWithScheduleDisabled(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "logging:\n  level: error\nstorage:\n  backend: memory\nschedule:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	if got := len(a.Dispatcher().Schedules()); got != 0 {
		t.Fatalf("disabled schedule registered anyway: %d", got)
	}
}

func TestStartRacesConfigReload(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)

	reloaded, err := config.Parse([]byte(`
logging:
  level: error
storage:
  backend: memory
schedule:
  every: 30m
sources:
  - id: novinky
    url: https://www.novinky.cz/
  - id: idnes
    url: https://www.idnes.cz/
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hammer reloads while Start reads its config; the race detector flags
	// any unsynchronized read of a.cfg.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			a.applyConfig(reloaded)
		}
	}()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	wg.Wait()

	if got := len(a.Dispatcher().Schedules()); got != 1 {
		t.Fatalf("schedules = %d, want 1", got)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
