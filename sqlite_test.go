package mobilebridge

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteKV(t *testing.T) *SQLiteKV {
	t.Helper()
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestSQLiteKV(t *testing.T) {
	ctx := context.Background()

	t.Run("set get delete", func(t *testing.T) {
		kv := newTestSQLiteKV(t)

		if err := kv.Set(ctx, "cache:a", []byte("v1")); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, err := kv.Get(ctx, "cache:a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got) != "v1" {
			t.Fatalf("expected v1, got %s", got)
		}

		if err := kv.Delete(ctx, "cache:a"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		got, err = kv.Get(ctx, "cache:a")
		if err != nil || got != nil {
			t.Fatalf("expected miss after delete, got %s / %v", got, err)
		}
	})

	t.Run("missing key is nil nil", func(t *testing.T) {
		kv := newTestSQLiteKV(t)
		got, err := kv.Get(ctx, "nope")
		if err != nil || got != nil {
			t.Fatalf("expected (nil, nil), got %s / %v", got, err)
		}
	})

	t.Run("set overwrites", func(t *testing.T) {
		kv := newTestSQLiteKV(t)
		kv.Set(ctx, "k", []byte("first"))
		kv.Set(ctx, "k", []byte("second"))
		got, _ := kv.Get(ctx, "k")
		if string(got) != "second" {
			t.Fatalf("expected second, got %s", got)
		}
	})

	t.Run("keys filters and sorts", func(t *testing.T) {
		kv := newTestSQLiteKV(t)
		kv.Set(ctx, "action:002", []byte("b"))
		kv.Set(ctx, "cache:x", []byte("x"))
		kv.Set(ctx, "action:001", []byte("a"))

		keys, err := kv.Keys(ctx, "action:")
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		if len(keys) != 2 || keys[0] != "action:001" || keys[1] != "action:002" {
			t.Fatalf("unexpected keys: %v", keys)
		}
	})

	t.Run("persists across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "persist.db")
		kv, err := NewSQLiteKV(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		kv.Set(ctx, "action:1", []byte("queued"))
		kv.Close()

		reopened, err := NewSQLiteKV(path)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer reopened.Close()
		got, _ := reopened.Get(ctx, "action:1")
		if string(got) != "queued" {
			t.Fatalf("expected queued, got %s", got)
		}
	})

	t.Run("empty path rejected", func(t *testing.T) {
		if _, err := NewSQLiteKV(""); err == nil {
			t.Fatal("expected error for empty path")
		}
	})
}

func TestOfflineStoreOnSQLite(t *testing.T) {
	ctx := context.Background()
	kv := newTestSQLiteKV(t)
	store := NewOfflineStore(kv)

	if err := store.CacheData(ctx, "user", map[string]string{"name": "alice"}, 0); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if store.GetCachedData(ctx, "user") == nil {
		t.Fatal("expected cache hit")
	}

	for _, n := range []string{"a", "b"} {
		if _, err := store.QueueAction(ctx, n, nil); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}
	actions, err := store.GetPendingActions(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(actions) != 2 || actions[0].Type != "a" || actions[1].Type != "b" {
		t.Fatalf("unexpected actions: %v", actions)
	}
}
