package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []FileEvent
}

func (r *eventRecorder) record(ev FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []FileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FileEvent, len(r.events))
	copy(out, r.events)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return cond()
}

func TestWatcherDebouncesRapidSaves(t *testing.T) {
	root := t.TempDir()
	rec := &eventRecorder{}

	w, err := NewWatcher(root, NewScanner(root, nil), 100, rec.record)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Rapid saves to the same file within the debounce window.
	path := filepath.Join(root, "main.go")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("package main\n"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !waitFor(t, 3*time.Second, func() bool { return len(rec.snapshot()) >= 1 }) {
		t.Fatal("No settled event delivered")
	}
	// Allow any straggler drains, then confirm collapse.
	time.Sleep(300 * time.Millisecond)
	events := rec.snapshot()
	if len(events) != 1 {
		t.Errorf("Expected 1 collapsed event, got %d", len(events))
	}
	if events[0].RelPath != "main.go" || events[0].Removed {
		t.Errorf("Unexpected event: %+v", events[0])
	}
}

func TestWatcherIgnoresNonIndexable(t *testing.T) {
	root := t.TempDir()
	rec := &eventRecorder{}

	w, err := NewWatcher(root, NewScanner(root, nil), 50, rec.record)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(root, "image.png"), []byte{1, 2, 3}, 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	if len(rec.snapshot()) != 0 {
		t.Errorf("Non-indexable file produced events: %+v", rec.snapshot())
	}
}

func TestWatcherDeliversRemove(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.go")
	if err := os.WriteFile(path, []byte("package gone\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := &eventRecorder{}
	w, err := NewWatcher(root, NewScanner(root, nil), 50, rec.record)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 3*time.Second, func() bool {
		for _, ev := range rec.snapshot() {
			if ev.RelPath == "gone.go" && ev.Removed {
				return true
			}
		}
		return false
	}) {
		t.Errorf("Remove event not delivered: %+v", rec.snapshot())
	}
}

func TestWatcherResetClearsPending(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, NewScanner(root, nil), 60_000, func(FileEvent) {})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	// Inject pending state directly; the long debounce keeps it queued.
	w.mu.Lock()
	w.debounceMap["a.go"] = fileState{lastSeen: time.Now()}
	w.mu.Unlock()

	if w.Pending() != 1 {
		t.Fatalf("Expected 1 pending, got %d", w.Pending())
	}
	w.Reset()
	if w.Pending() != 0 {
		t.Errorf("Reset did not clear pending state")
	}
}
