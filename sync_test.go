package mobilebridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type syncFixture struct {
	store   *OfflineStore
	bridge  *Bridge
	monitor *NetworkMonitor
	obs     *fakeObserver
	sec     *Security
}

func newSyncFixture(t *testing.T, online bool, opts ...SyncOption) (*SyncManager, *syncFixture) {
	t.Helper()
	clock := newFakeClock()
	sec := NewSecurity(testSecret, WithSecurityClock(clock.Now))
	store := NewOfflineStore(NewMemoryKV(), WithStoreClock(clock.Now))
	bridge := NewBridge(sec)
	obs := newFakeObserver(online)
	monitor := NewNetworkMonitor(obs)
	monitor.Start(context.Background())

	m := NewSyncManager(store, bridge, monitor, append([]SyncOption{WithAutoSync(false)}, opts...)...)
	return m, &syncFixture{store: store, bridge: bridge, monitor: monitor, obs: obs, sec: sec}
}

// ============================================================================
// ExecuteWithOffline
// ============================================================================

func TestExecuteWithOffline(t *testing.T) {
	ctx := context.Background()

	t.Run("online executes and caches", func(t *testing.T) {
		m, fx := newSyncFixture(t, true)
		result, err := m.ExecuteWithOffline(ctx, "fetch_profile", nil,
			func(context.Context) (any, error) {
				return map[string]string{"name": "alice"}, nil
			},
			&ExecOptions{CacheKey: "profile"},
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var data map[string]string
		json.Unmarshal(result, &data)
		if data["name"] != "alice" {
			t.Fatalf("unexpected result: %s", result)
		}
		if fx.store.GetCachedData(ctx, "profile") == nil {
			t.Fatal("result must be cached")
		}
	})

	t.Run("fresh cache short-circuits the executor", func(t *testing.T) {
		m, fx := newSyncFixture(t, true)
		fx.store.CacheData(ctx, "profile", map[string]string{"name": "cached"}, time.Hour)

		executed := false
		result, err := m.ExecuteWithOffline(ctx, "fetch_profile", nil,
			func(context.Context) (any, error) {
				executed = true
				return nil, nil
			},
			&ExecOptions{CacheKey: "profile", UseCache: true},
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if executed {
			t.Fatal("executor must not run on a fresh cache hit")
		}
		var data map[string]string
		json.Unmarshal(result, &data)
		if data["name"] != "cached" {
			t.Fatalf("unexpected result: %s", result)
		}
	})

	t.Run("offline queues instead of executing", func(t *testing.T) {
		m, fx := newSyncFixture(t, false)

		executed := false
		_, err := m.ExecuteWithOffline(ctx, "create_post", map[string]string{"title": "hi"},
			func(context.Context) (any, error) {
				executed = true
				return nil, nil
			},
			nil,
		)
		if !errors.Is(err, ErrQueued) {
			t.Fatalf("expected ErrQueued, got %v", err)
		}
		if executed {
			t.Fatal("executor must never run while offline")
		}
		actions, _ := fx.store.GetPendingActions(ctx)
		if len(actions) != 1 || actions[0].Type != "create_post" {
			t.Fatalf("unexpected queue: %v", actions)
		}
		var payload map[string]string
		json.Unmarshal(actions[0].Payload, &payload)
		if payload["title"] != "hi" {
			t.Fatalf("payload not preserved: %s", actions[0].Payload)
		}
	})

	t.Run("offline serves cached value after queueing", func(t *testing.T) {
		m, fx := newSyncFixture(t, false)
		fx.store.CacheData(ctx, "profile", map[string]string{"name": "cached"}, time.Hour)

		executed := false
		result, err := m.ExecuteWithOffline(ctx, "fetch_profile", nil,
			func(context.Context) (any, error) {
				executed = true
				return nil, nil
			},
			&ExecOptions{CacheKey: "profile"},
		)
		if err != nil {
			t.Fatalf("cached value must be served offline, got %v", err)
		}
		if executed {
			t.Fatal("executor must never run while offline")
		}
		var data map[string]string
		json.Unmarshal(result, &data)
		if data["name"] != "cached" {
			t.Fatalf("unexpected result: %s", result)
		}
		actions, _ := fx.store.GetPendingActions(ctx)
		if len(actions) != 1 || actions[0].Type != "fetch_profile" {
			t.Fatalf("action must still be queued, got %v", actions)
		}
	})

	t.Run("failure falls back to stale cache", func(t *testing.T) {
		m, fx := newSyncFixture(t, true)
		fx.store.CacheData(ctx, "profile", map[string]string{"name": "stale"}, time.Hour)

		result, err := m.ExecuteWithOffline(ctx, "fetch_profile", nil,
			func(context.Context) (any, error) {
				return nil, errors.New("backend down")
			},
			&ExecOptions{CacheKey: "profile"},
		)
		if err != nil {
			t.Fatalf("cached fallback must swallow the error, got %v", err)
		}
		var data map[string]string
		json.Unmarshal(result, &data)
		if data["name"] != "stale" {
			t.Fatalf("unexpected result: %s", result)
		}
	})

	t.Run("failure without cache surfaces error", func(t *testing.T) {
		m, _ := newSyncFixture(t, true)
		_, err := m.ExecuteWithOffline(ctx, "fetch_profile", nil,
			func(context.Context) (any, error) {
				return nil, errors.New("backend down")
			},
			&ExecOptions{CacheKey: "missing"},
		)
		if err == nil || err.Error() != "backend down" {
			t.Fatalf("expected the executor error, got %v", err)
		}
	})
}

// ============================================================================
// SyncPendingActions
// ============================================================================

func TestSyncPendingActions(t *testing.T) {
	ctx := context.Background()

	t.Run("replays in order and drains the queue", func(t *testing.T) {
		m, fx := newSyncFixture(t, true)

		var handled []string
		fx.bridge.RegisterHandler("create_post", func(_ context.Context, payload json.RawMessage) (any, error) {
			var p map[string]string
			json.Unmarshal(payload, &p)
			handled = append(handled, p["n"])
			return nil, nil
		})

		for _, n := range []string{"1", "2", "3"} {
			raw, _ := json.Marshal(map[string]string{"n": n})
			fx.store.QueueAction(ctx, "create_post", raw)
		}

		res, err := m.SyncPendingActions(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Synced != 3 || res.Failed != 0 || res.Remaining != 0 {
			t.Fatalf("unexpected result: %+v", res)
		}
		if len(handled) != 3 || handled[0] != "1" || handled[2] != "3" {
			t.Fatalf("unexpected replay order: %v", handled)
		}
		actions, _ := fx.store.GetPendingActions(ctx)
		if len(actions) != 0 {
			t.Fatalf("queue must be drained, got %d", len(actions))
		}
	})

	t.Run("failed action stays queued with bumped retry count", func(t *testing.T) {
		m, fx := newSyncFixture(t, true)
		fx.bridge.RegisterHandler("flaky", func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("still broken")
		})
		fx.store.QueueAction(ctx, "flaky", nil)

		res, err := m.SyncPendingActions(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Synced != 0 || res.Failed != 1 || res.Remaining != 1 {
			t.Fatalf("unexpected result: %+v", res)
		}
		actions, _ := fx.store.GetPendingActions(ctx)
		if actions[0].RetryCount != 1 {
			t.Fatalf("expected retry count 1, got %d", actions[0].RetryCount)
		}
	})

	t.Run("exhausted action dropped without dispatch", func(t *testing.T) {
		m, fx := newSyncFixture(t, true, WithMaxRetries(2))

		dispatched := false
		fx.bridge.RegisterHandler("doomed", func(context.Context, json.RawMessage) (any, error) {
			dispatched = true
			return nil, nil
		})
		id, _ := fx.store.QueueAction(ctx, "doomed", nil)
		fx.store.IncrementRetryCount(ctx, id)
		fx.store.IncrementRetryCount(ctx, id)

		res, _ := m.SyncPendingActions(ctx)
		if dispatched {
			t.Fatal("exhausted action must not be dispatched")
		}
		if res.Dropped != 1 || res.Remaining != 0 {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("no-op while offline", func(t *testing.T) {
		m, fx := newSyncFixture(t, false)
		fx.store.QueueAction(ctx, "x", nil)
		res, err := m.SyncPendingActions(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Synced != 0 {
			t.Fatalf("must not replay offline: %+v", res)
		}
		actions, _ := fx.store.GetPendingActions(ctx)
		if len(actions) != 1 {
			t.Fatal("queue must be untouched while offline")
		}
	})

	t.Run("concurrent replay is a no-op", func(t *testing.T) {
		m, fx := newSyncFixture(t, true)

		entered := make(chan struct{})
		release := make(chan struct{})
		var calls atomic.Int32
		fx.bridge.RegisterHandler("slow", func(context.Context, json.RawMessage) (any, error) {
			if calls.Add(1) == 1 {
				close(entered)
				<-release
			}
			return nil, nil
		})
		fx.store.QueueAction(ctx, "slow", nil)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.SyncPendingActions(ctx)
		}()

		<-entered
		if !m.IsSyncing() {
			t.Fatal("expected syncing flag set")
		}
		res, err := m.SyncPendingActions(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res != (SyncResult{}) {
			t.Fatalf("second pass must be empty, got %+v", res)
		}
		close(release)
		wg.Wait()

		if m.IsSyncing() {
			t.Fatal("syncing flag must clear after the pass")
		}
	})

	t.Run("callbacks fire with the result", func(t *testing.T) {
		m, fx := newSyncFixture(t, true)
		fx.bridge.RegisterHandler("a", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
		fx.store.QueueAction(ctx, "a", nil)

		var got SyncResult
		remove := m.OnSync(func(res SyncResult) { got = res })
		defer remove()

		m.SyncPendingActions(ctx)
		if got.Synced != 1 {
			t.Fatalf("callback saw %+v", got)
		}
	})

	t.Run("callbacks learn about a listing failure", func(t *testing.T) {
		clock := newFakeClock()
		sec := NewSecurity(testSecret, WithSecurityClock(clock.Now))
		store := NewOfflineStore(&brokenListKV{NewMemoryKV()}, WithStoreClock(clock.Now))
		monitor := NewNetworkMonitor(newFakeObserver(true))
		monitor.Start(context.Background())
		m := NewSyncManager(store, NewBridge(sec), monitor, WithAutoSync(false))

		var got SyncResult
		fired := false
		remove := m.OnSync(func(res SyncResult) {
			fired = true
			got = res
		})
		defer remove()

		_, err := m.SyncPendingActions(ctx)
		if err == nil {
			t.Fatal("expected a listing error")
		}
		if !fired {
			t.Fatal("callback must fire when the queue cannot be listed")
		}
		if got.Err == nil {
			t.Fatalf("callback must carry the failure, saw %+v", got)
		}
		if got.Synced != 0 || got.Failed != 0 || got.Dropped != 0 {
			t.Fatalf("failure result must carry no counts, saw %+v", got)
		}
	})
}

// brokenListKV fails every key listing while the rest of the store works.
type brokenListKV struct {
	*MemoryKV
}

func (k *brokenListKV) Keys(context.Context, string) ([]string, error) {
	return nil, errors.New("listing unavailable")
}

// ============================================================================
// Auto sync
// ============================================================================

func TestAutoSyncOnReconnect(t *testing.T) {
	ctx := context.Background()
	m, fx := newSyncFixture(t, false, WithAutoSync(true))

	var synced atomic.Int32
	fx.bridge.RegisterHandler("queued_op", func(context.Context, json.RawMessage) (any, error) {
		synced.Add(1)
		return nil, nil
	})
	fx.store.QueueAction(ctx, "queued_op", nil)

	m.Start(ctx)
	defer m.Stop()

	fx.obs.SetOnline(true)

	waitFor(t, func() bool { return synced.Load() == 1 })
	actions, _ := fx.store.GetPendingActions(ctx)
	if len(actions) != 0 {
		t.Fatal("queue must drain after reconnect")
	}
}

func TestStopDetachesFromMonitor(t *testing.T) {
	ctx := context.Background()
	m, fx := newSyncFixture(t, false, WithAutoSync(true))

	var synced atomic.Int32
	fx.bridge.RegisterHandler("queued_op", func(context.Context, json.RawMessage) (any, error) {
		synced.Add(1)
		return nil, nil
	})
	fx.store.QueueAction(ctx, "queued_op", nil)

	m.Start(ctx)
	m.Stop()

	fx.obs.SetOnline(true)
	time.Sleep(50 * time.Millisecond)
	if synced.Load() != 0 {
		t.Fatal("stopped manager must not replay")
	}
}
