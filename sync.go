package mobilebridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueued reports that an action could not run right now and was stored
// for replay. Callers can treat it as a deferred success.
var ErrQueued = errors.New("action queued for sync")

// DefaultMaxRetries is how many replay attempts an action gets before it
// is dropped from the queue.
const DefaultMaxRetries = 3

// Executor performs one action against its real backend. It is only ever
// invoked while online.
type Executor func(ctx context.Context) (any, error)

// ExecOptions tune a single ExecuteWithOffline call.
type ExecOptions struct {
	// CacheKey enables read-through caching of the executor result.
	CacheKey string
	// UseCache serves a fresh cached value without running the executor.
	UseCache bool
	// CacheDuration bounds the cached value's validity. Zero means the
	// store's default max age applies.
	CacheDuration time.Duration
}

// SyncManager coordinates offline execution: it caches reads, queues
// writes made while offline, and replays the queue when connectivity
// returns.
type SyncManager struct {
	store   *OfflineStore
	bridge  *Bridge
	monitor *NetworkMonitor
	log     *logrus.Entry

	mu         sync.Mutex
	isSyncing  bool
	maxRetries int
	autoSync   bool

	cbMu      sync.Mutex
	cbNext    int
	callbacks map[int]func(SyncResult)

	removeListener func()
}

// SyncResult summarizes one queue replay pass. Err is non-nil when the
// pass could not run at all because the queue could not be listed.
type SyncResult struct {
	Synced    int
	Failed    int
	Dropped   int
	Remaining int
	Err       error
}

// SyncOption configures a SyncManager.
type SyncOption func(*SyncManager)

// WithMaxRetries overrides the per-action replay budget.
func WithMaxRetries(n int) SyncOption {
	return func(m *SyncManager) { m.maxRetries = n }
}

// WithAutoSync controls whether reconnection triggers a background replay.
func WithAutoSync(enabled bool) SyncOption {
	return func(m *SyncManager) { m.autoSync = enabled }
}

// WithSyncLogger overrides the manager's logger.
func WithSyncLogger(log *logrus.Entry) SyncOption {
	return func(m *SyncManager) { m.log = log }
}

// NewSyncManager wires the offline store, bridge and connectivity monitor
// together. Call Start to begin reacting to connectivity changes.
func NewSyncManager(store *OfflineStore, bridge *Bridge, monitor *NetworkMonitor, opts ...SyncOption) *SyncManager {
	m := &SyncManager{
		store:      store,
		bridge:     bridge,
		monitor:    monitor,
		maxRetries: DefaultMaxRetries,
		autoSync:   true,
		callbacks:  make(map[int]func(SyncResult)),
		log:        logrus.StandardLogger().WithField("component", "sync"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to connectivity changes and, when already online, kicks
// an initial replay so a restart drains anything queued by the previous
// run.
func (m *SyncManager) Start(ctx context.Context) {
	m.removeListener = m.monitor.AddListener(func(online bool) {
		if online && m.autoSyncEnabled() {
			go func() {
				if _, err := m.SyncPendingActions(ctx); err != nil {
					m.log.WithError(err).Warn("auto sync failed")
				}
			}()
		}
	})

	if m.monitor.IsConnected() && m.autoSyncEnabled() {
		go func() {
			if _, err := m.SyncPendingActions(ctx); err != nil {
				m.log.WithError(err).Warn("initial sync failed")
			}
		}()
	}
}

// Stop detaches from the connectivity monitor.
func (m *SyncManager) Stop() {
	if m.removeListener != nil {
		m.removeListener()
		m.removeListener = nil
	}
}

// SetAutoSync toggles replay-on-reconnect at runtime.
func (m *SyncManager) SetAutoSync(enabled bool) {
	m.mu.Lock()
	m.autoSync = enabled
	m.mu.Unlock()
}

func (m *SyncManager) autoSyncEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoSync
}

// SetMaxRetries overrides the replay budget at runtime.
func (m *SyncManager) SetMaxRetries(n int) {
	m.mu.Lock()
	m.maxRetries = n
	m.mu.Unlock()
}

func (m *SyncManager) retryBudget() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxRetries
}

// Status reports whether a replay is running and whether the monitor sees
// the bridge online.
func (m *SyncManager) Status() (syncing, online bool) {
	m.mu.Lock()
	syncing = m.isSyncing
	m.mu.Unlock()
	return syncing, m.monitor.IsConnected()
}

// ClearPendingActions drops the whole queue without dispatching anything.
func (m *SyncManager) ClearPendingActions(ctx context.Context) {
	m.store.ClearQueue(ctx)
}

// ClearCache drops every cached value. Queued actions are untouched.
func (m *SyncManager) ClearCache(ctx context.Context) {
	m.store.ClearCache(ctx)
}

// OnSync registers a callback fired after every replay pass. The returned
// function removes it.
func (m *SyncManager) OnSync(fn func(SyncResult)) func() {
	m.cbMu.Lock()
	id := m.cbNext
	m.cbNext++
	m.callbacks[id] = fn
	m.cbMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.cbMu.Lock()
			delete(m.callbacks, id)
			m.cbMu.Unlock()
		})
	}
}

func (m *SyncManager) emit(res SyncResult) {
	m.cbMu.Lock()
	fns := make([]func(SyncResult), 0, len(m.callbacks))
	for _, fn := range m.callbacks {
		fns = append(fns, fn)
	}
	m.cbMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.WithField("panic", r).Error("sync callback panicked")
				}
			}()
			fn(res)
		}()
	}
}

// ============================================================================
// Offline-first execution
// ============================================================================

// ExecuteWithOffline runs exec with the full offline policy. The order is
// fixed: a fresh cached value wins outright when UseCache is set; while
// offline the action is queued, then any cached value is served, else
// ErrQueued is returned; online execution that succeeds refreshes the
// cache; online execution that fails falls back to any cached value, even
// a stale one, before surfacing the error.
func (m *SyncManager) ExecuteWithOffline(ctx context.Context, actionType string, payload any, exec Executor, opts *ExecOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &ExecOptions{}
	}

	if opts.UseCache && opts.CacheKey != "" {
		if data := m.store.GetCachedData(ctx, opts.CacheKey); data != nil {
			return data, nil
		}
	}

	if !m.monitor.IsConnected() {
		var raw json.RawMessage
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("serialize queued payload: %w", err)
			}
			raw = data
		}
		id, err := m.store.QueueAction(ctx, actionType, raw)
		if err != nil {
			return nil, fmt.Errorf("queue action: %w", err)
		}
		m.log.WithFields(logrus.Fields{"action": actionType, "id": id}).Info("queued while offline")

		// A cached value still beats nothing while offline, stale or not.
		if opts.CacheKey != "" {
			if data := m.store.GetCachedData(ctx, opts.CacheKey); data != nil {
				m.log.WithField("key", opts.CacheKey).Debug("serving cached value while offline")
				return data, nil
			}
		}
		return nil, ErrQueued
	}

	result, err := exec(ctx)
	if err != nil {
		if opts.CacheKey != "" {
			if data := m.store.GetCachedData(ctx, opts.CacheKey); data != nil {
				m.log.WithField("key", opts.CacheKey).WithError(err).
					Debug("serving cached value after execution failure")
				return data, nil
			}
		}
		return nil, err
	}

	var raw json.RawMessage
	if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			return nil, fmt.Errorf("serialize result: %w", merr)
		}
		raw = data
	}

	if opts.CacheKey != "" && raw != nil {
		if cerr := m.store.CacheData(ctx, opts.CacheKey, raw, opts.CacheDuration); cerr != nil {
			m.log.WithField("key", opts.CacheKey).WithError(cerr).Warn("result caching failed")
		}
	}
	return raw, nil
}

// ============================================================================
// Queue replay
// ============================================================================

// SyncPendingActions replays the queue in insertion order. Actions that
// fail have their retry count bumped and stay queued; actions at the retry
// budget are dropped without dispatch. Only one replay runs at a time; a
// concurrent call returns immediately with an empty result.
func (m *SyncManager) SyncPendingActions(ctx context.Context) (SyncResult, error) {
	m.mu.Lock()
	if m.isSyncing {
		m.mu.Unlock()
		return SyncResult{}, nil
	}
	m.isSyncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isSyncing = false
		m.mu.Unlock()
	}()

	if !m.monitor.IsConnected() {
		return SyncResult{}, nil
	}

	actions, err := m.store.GetPendingActions(ctx)
	if err != nil {
		res := SyncResult{Err: fmt.Errorf("list pending actions: %w", err)}
		m.emit(res)
		return res, res.Err
	}
	if len(actions) == 0 {
		return SyncResult{}, nil
	}

	m.log.WithField("count", len(actions)).Info("replaying pending actions")

	budget := m.retryBudget()
	var res SyncResult
	for _, action := range actions {
		if ctx.Err() != nil {
			break
		}

		if action.RetryCount >= budget {
			if rerr := m.store.RemoveAction(ctx, action.ID); rerr != nil {
				m.log.WithField("id", action.ID).WithError(rerr).Warn("dropping exhausted action failed")
			} else {
				m.log.WithFields(logrus.Fields{"id": action.ID, "type": action.Type}).
					Warn("action dropped after retry budget exhausted")
				res.Dropped++
			}
			continue
		}

		if m.replayAction(ctx, action) {
			if rerr := m.store.RemoveAction(ctx, action.ID); rerr != nil {
				m.log.WithField("id", action.ID).WithError(rerr).Warn("removing synced action failed")
			}
			res.Synced++
		} else {
			if ierr := m.store.IncrementRetryCount(ctx, action.ID); ierr != nil {
				m.log.WithField("id", action.ID).WithError(ierr).Warn("retry bump failed")
			}
			res.Failed++
		}
	}

	if remaining, err := m.store.GetPendingActions(ctx); err == nil {
		res.Remaining = len(remaining)
	}

	m.emit(res)
	return res, nil
}

// replayAction re-dispatches one queued action through the bridge with its
// original id, type and payload, so handlers see the identical request it
// originally was.
func (m *SyncManager) replayAction(ctx context.Context, action QueuedAction) bool {
	msg := m.bridge.security.CreateSecureMessage(action.ID, action.Type, action.Payload)
	resp := m.bridge.HandleMessage(ctx, &msg)
	if !resp.Success {
		m.log.WithFields(logrus.Fields{"id": action.ID, "type": action.Type, "error": resp.Error}).
			Debug("action replay failed")
	}
	return resp.Success
}

// IsSyncing reports whether a replay pass is currently running.
func (m *SyncManager) IsSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSyncing
}
