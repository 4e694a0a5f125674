package campaign

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchStateFileFiresOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	err := WatchStateFile(ctx, path, 20*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	// Saves land via tmp write plus rename, mirror that here.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(`{"characters":[]}`), 0o644); err != nil {
		t.Fatalf("tmp write failed: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename failed: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not fire after rewrite")
	}
}

func TestWatchStateFileIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	err := WatchStateFile(ctx, path, 20*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("sibling write failed: %v", err)
	}

	select {
	case <-fired:
		t.Fatalf("watcher must ignore sibling files")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchStateFileRequiresPathAndCallback(t *testing.T) {
	ctx := context.Background()
	if err := WatchStateFile(ctx, "", 0, func() {}, nil); err == nil {
		t.Fatalf("empty path must be rejected")
	}
	if err := WatchStateFile(ctx, "state.json", 0, nil, nil); err == nil {
		t.Fatalf("nil callback must be rejected")
	}
}
