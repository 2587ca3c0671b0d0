package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bvscope/bvscope/agent/internal/config"
)

func TestRun_HandlesSettledExport(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 4)
	w := New(config.WatchConfig{Dir: dir, Pattern: "*.csv", Settle: 100 * time.Millisecond},
		func(_ context.Context, path string) { got <- path })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	target := filepath.Join(dir, "session.csv")
	for i := 0; i < 3; i++ {
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = f.WriteString("chunk\n")
		f.Close()
		time.Sleep(20 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case path := <-got:
		if path != target {
			t.Errorf("handled %q, want %q", path, target)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for settled export")
	}

	select {
	case path := <-got:
		t.Errorf("unexpected second callback for %q", path)
	case <-time.After(400 * time.Millisecond):
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestRun_MissingDir(t *testing.T) {
	w := New(config.WatchConfig{Dir: filepath.Join(t.TempDir(), "nope")}, func(context.Context, string) {})
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestMatches(t *testing.T) {
	w := New(config.WatchConfig{Pattern: "BV_*.csv"}, nil)
	tests := map[string]bool{
		"/in/BV_0001.csv": true,
		"/in/bv_0001.csv": false,
		"/in/BV_0001.tmp": false,
	}
	for path, want := range tests {
		if got := w.matches(path); got != want {
			t.Errorf("matches(%q) = %v, want %v", path, got, want)
		}
	}
}
