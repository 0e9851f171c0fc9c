package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vibedev/vibedev/internal/common/config"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/relay"
	"github.com/vibedev/vibedev/pkg/events"
)

func newTestWatcher(t *testing.T, debounce time.Duration) (*Watcher, *relay.Relay, string) {
	t.Helper()
	log := logger.NewNop()
	dir := t.TempDir()
	r := relay.NewRelay(config.RelayConfig{RingSize: 100, SubscriberQueue: 64}, log)

	w, err := New(config.WatcherConfig{Debounce: debounce}, "proj-1", dir, r, log)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, r, dir
}

func nextFileChange(t *testing.T, sub *relay.Subscription) *events.StructuredEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatal("subscription closed before file change arrived")
			}
			if ev.Type == events.TypeFileChange {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for file change event")
		}
	}
}

func TestBurstCoalescedIntoOneBatch(t *testing.T) {
	_, r, dir := newTestWatcher(t, 200*time.Millisecond)

	sub := r.SubscribeLive("proj-1")
	defer r.Unsubscribe(sub)

	// Write several files well within one debounce window
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	ev := nextFileChange(t, sub)
	paths, _ := ev.Payload["paths"].([]interface{})
	if len(paths) < 3 {
		t.Errorf("expected at least 3 coalesced paths, got %v", paths)
	}

	// No second batch should follow for the same burst
	select {
	case extra, ok := <-sub.C:
		if ok && extra.Type == events.TypeFileChange {
			t.Errorf("burst produced a second batch: %v", extra.Payload)
		}
	case <-time.After(400 * time.Millisecond):
	}
}

func TestNewSubdirectoryIsWatched(t *testing.T) {
	_, r, dir := newTestWatcher(t, 100*time.Millisecond)

	sub := r.SubscribeLive("proj-1")
	defer r.Unsubscribe(sub)

	subdir := filepath.Join(dir, "src")
	if err := os.Mkdir(subdir, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	nextFileChange(t, sub) // batch for the mkdir itself

	// Give the watcher a moment to register the new directory
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(subdir, "main.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ev := nextFileChange(t, sub)
	paths, _ := ev.Payload["paths"].([]interface{})
	found := false
	for _, p := range paths {
		if p == filepath.Join("src", "main.js") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected src/main.js in batch, got %v", paths)
	}
}

func TestIgnoredDirectoriesProduceNoEvents(t *testing.T) {
	w, r, dir := newTestWatcher(t, 100*time.Millisecond)
	_ = w

	modules := filepath.Join(dir, "node_modules")
	if err := os.Mkdir(modules, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	sub := r.SubscribeLive("proj-1")
	defer r.Unsubscribe(sub)

	// Writes under node_modules are filtered even though the mkdir event
	// itself may have been seen
	if err := os.WriteFile(filepath.Join(modules, "pkg.json"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case ev, ok := <-sub.C:
		if ok && ev.Type == events.TypeFileChange {
			paths, _ := ev.Payload["paths"].([]interface{})
			for _, p := range paths {
				if s, _ := p.(string); strings.Contains(s, "node_modules") {
					t.Errorf("ignored directory leaked into batch: %v", paths)
				}
			}
		}
	case <-time.After(400 * time.Millisecond):
	}
}
