package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/deployops/deploy-control-plane/internal/config"
	"github.com/deployops/deploy-control-plane/internal/schedule"
)

func TestRefreshWorkerStart(t *testing.T) {
	upstream := initUpstream(t, "main")
	root := t.TempDir()

	if _, err := git.PlainClone(filepath.Join(root, "app-a"), false, &git.CloneOptions{URL: upstream}); err != nil {
		t.Fatalf("PlainClone: %v", err)
	}

	m := newManager(t, &config.Root{Directory: root})
	sched := schedule.New(1)

	w := NewRefreshWorker(m, sched, testLogger()).WithInterval(config.Duration(time.Hour))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Both the per-checkout job and the rescan job are registered.
	if err := sched.Trigger("app-a"); err != nil {
		t.Fatalf("Trigger app-a: %v", err)
	}
	if err := sched.Trigger("rescan"); err != nil {
		t.Fatalf("Trigger rescan: %v", err)
	}
	if err := sched.Trigger("ghost"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestRefreshWorkerExecute(t *testing.T) {
	upstream := initUpstream(t, "main")
	root := t.TempDir()

	if _, err := git.PlainClone(filepath.Join(root, "app-a"), false, &git.CloneOptions{URL: upstream}); err != nil {
		t.Fatalf("PlainClone: %v", err)
	}

	m := newManager(t, &config.Root{Directory: root})
	w := NewRefreshWorker(m, schedule.New(0), testLogger()).WithInterval(config.Duration(time.Hour))

	// Healthy checkout: next run is one interval out.
	due := w.execute(context.Background(), "app-a")
	if until := time.Until(due); until < 50*time.Minute {
		t.Fatalf("expected the regular interval, next run in %v", until)
	}

	// Unknown checkout: the job retires.
	if due := w.execute(context.Background(), "gone"); !due.IsZero() {
		t.Fatalf("expected retirement, got due time %v", due)
	}
}
