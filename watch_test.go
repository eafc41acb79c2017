package hypermangle

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func startWatcher(t *testing.T, path string, onChange func(ctx context.Context) error) {
	t.Helper()
	fw := NewFileWatcher(path, onChange)
	fw.Debounce = 20 * time.Millisecond
	fw.Logger = discardLogger()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	// Give fsnotify time to register the directory.
	time.Sleep(50 * time.Millisecond)
}

func TestFileWatcherWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.toml", "hosts = []")

	var calls atomic.Int32
	startWatcher(t, path, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	writeFile(t, dir, "rules.toml", `hosts = ["a.test"]`)
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })
}

func TestFileWatcherAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.toml", "hosts = []")

	var calls atomic.Int32
	startWatcher(t, path, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := writeFileAtomic(path, []byte(`hosts = ["b.test"]`), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 1 })
}

func TestFileWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.toml", "hosts = []")

	var calls atomic.Int32
	fw := NewFileWatcher(path, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	fw.Debounce = 200 * time.Millisecond
	fw.Logger = discardLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fw.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	for i := range 5 {
		writeFile(t, dir, "rules.toml", "# edit "+string(rune('a'+i)))
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 1 })
	time.Sleep(300 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("expected one coalesced reload, got %d", n)
	}
}

func TestFileWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.toml", "hosts = []")

	var calls atomic.Int32
	startWatcher(t, path, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	writeFile(t, dir, "other.toml", "x = 1")
	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("sibling file triggered %d reloads", calls.Load())
	}
}

func TestFileWatcherSurvivesCallbackError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.toml", "hosts = []")

	var calls atomic.Int32
	startWatcher(t, path, func(context.Context) error {
		calls.Add(1)
		return errors.New("invalid rules")
	})

	writeFile(t, dir, "rules.toml", "one")
	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 1 })
	first := calls.Load()
	writeFile(t, dir, "rules.toml", "two")
	waitFor(t, 2*time.Second, func() bool { return calls.Load() > first })
}

func TestFileWatcherMissingDirectory(t *testing.T) {
	fw := NewFileWatcher(filepath.Join(t.TempDir(), "gone", "rules.toml"), func(context.Context) error { return nil })
	fw.Logger = discardLogger()

	if err := fw.Run(context.Background()); err == nil {
		t.Error("expected error watching a missing directory")
	}
}
