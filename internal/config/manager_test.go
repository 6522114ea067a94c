package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerCurrent(t *testing.T) {
	path := writeConfig(t, `{"providers":[{"name":"p","models":["m"],"base_url":"u"}],"router":{"default":"p,m"}}`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Current() == nil || m.Current().FindProvider("p") == nil {
		t.Fatal("initial snapshot missing provider")
	}
}

func TestManagerRejectsBrokenConfig(t *testing.T) {
	if _, err := NewManager(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `{"providers":[{"name":"old","models":[],"base_url":"u"}]}`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	next := `{"providers":[{"name":"new","models":[],"base_url":"u"}]}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for m.Current().FindProvider("new") == nil {
		select {
		case <-deadline:
			t.Fatal("reload never observed")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatchKeepsSnapshotOnBadWrite(t *testing.T) {
	path := writeConfig(t, `{"providers":[{"name":"good","models":[],"base_url":"u"}]}`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{broken`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)

	if m.Current().FindProvider("good") == nil {
		t.Fatal("bad write clobbered the active snapshot")
	}
}
