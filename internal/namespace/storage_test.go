package namespace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStorage_LoadMissingReturnsEmpty(t *testing.T) {
	s := NewFileStorage(t.TempDir())
	ns, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if ns != "" {
		t.Errorf("Load = %q, want empty", ns)
	}
}

func TestFileStorage_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested")
	s := NewFileStorage(dir)

	if err := s.Save(ctx, "ns-42"); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	ns, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if ns != "ns-42" {
		t.Errorf("Load = %q, want ns-42", ns)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("state dir has %d entries, want 1", len(entries))
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Errorf("namespace file still exists after Clear")
	}
	// Clearing twice is fine.
	if err := s.Clear(ctx); err != nil {
		t.Errorf("second Clear error: %v", err)
	}
}

func TestFileStorage_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStorage(dir)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(context.Background()); err == nil {
		t.Error("expected error for corrupt file")
	}
}

func TestFileStorage_DefaultDirUsesXDG(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_STATE_HOME", base)
	s := NewFileStorage("")
	want := filepath.Join(base, "rtsync", "namespace.json")
	if s.Path() != want {
		t.Errorf("Path = %q, want %q", s.Path(), want)
	}
}

func TestFileStorage_ChangesFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewFileStorage(t.TempDir())

	ch, err := s.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes error: %v", err)
	}
	if err := s.Save(ctx, "ns-a"); err != nil {
		t.Fatal(err)
	}
	select {
	case ns := <-ch:
		if ns != "ns-a" {
			t.Errorf("change = %q, want ns-a", ns)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification after Save")
	}
}

func TestMemoryStorage_DropIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStorage()
	ch, _ := s.Changes(ctx)

	if err := s.Save(ctx, "ns-1"); err != nil {
		t.Fatal(err)
	}
	<-ch

	s.Drop()
	if ns, _ := s.Load(ctx); ns != "" {
		t.Errorf("Load after Drop = %q, want empty", ns)
	}
	select {
	case ns := <-ch:
		t.Errorf("Drop produced change notification %q", ns)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeed_KeepsLatestForSlowReader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var f feed
	ch := f.subscribe(ctx)

	f.publish("a")
	f.publish("b")
	f.publish("c")

	if got := <-ch; got != "c" {
		t.Errorf("got %q, want latest value c", got)
	}
}

func TestFeed_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var f feed
	ch := f.subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
