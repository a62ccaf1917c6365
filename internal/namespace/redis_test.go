package namespace

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStorage(client, "rtsync:namespace"), mr
}

func TestRedisStorage_SaveLoadClear(t *testing.T) {
	s, mr := setupRedisStorage(t)
	ctx := context.Background()

	if ns, err := s.Load(ctx); err != nil || ns != "" {
		t.Fatalf("Load on empty = %q, %v", ns, err)
	}
	if err := s.Save(ctx, "ns-42"); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	got, err := mr.Get("rtsync:namespace")
	if err != nil || got != "ns-42" {
		t.Errorf("redis key = %q, %v; want ns-42", got, err)
	}
	if ns, _ := s.Load(ctx); ns != "ns-42" {
		t.Errorf("Load = %q, want ns-42", ns)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if mr.Exists("rtsync:namespace") {
		t.Error("key still exists after Clear")
	}
}

func TestRedisStorage_ChangesSeeOtherWriters(t *testing.T) {
	s, mr := setupRedisStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes error: %v", err)
	}

	// A second console sharing the key.
	other := NewRedisStorage(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "rtsync:namespace")
	if err := other.Save(ctx, "ns-7"); err != nil {
		t.Fatal(err)
	}

	select {
	case ns := <-ch:
		if ns != "ns-7" {
			t.Errorf("change = %q, want ns-7", ns)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification from other writer")
	}
}

func TestRedisStorage_LoadError(t *testing.T) {
	s, mr := setupRedisStorage(t)
	mr.Close()
	if _, err := s.Load(context.Background()); err == nil {
		t.Error("expected error with redis down")
	}
}
