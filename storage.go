package mobilebridge

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	cachePrefix  = "cache:"
	actionPrefix = "action:"

	// DefaultMaxCacheAge is the hard ceiling on cache entry age, applied on
	// top of any per-entry expiry.
	DefaultMaxCacheAge = 24 * time.Hour
)

// ============================================================================
// OfflineStore
// ============================================================================

// OfflineStore is the durable cache and action queue shared by the sync
// orchestrator. Cache entries live under the "cache:" namespace and queued
// actions under "action:", so clearing one never disturbs the other.
//
// Queue entries are individually keyed rather than packed into one JSON
// blob: removing an action or bumping its retry counter touches a single
// key, and insertion order is preserved by the zero-padded timestamp in the
// key itself.
//
// The store is advisory. Every read path treats corruption or absence as
// "not present"; nothing in the system depends on it as a source of truth.
type OfflineStore struct {
	kv          KVStore
	maxCacheAge time.Duration
	now         func() time.Time
	seq         atomic.Uint64
	log         *logrus.Entry
}

// StoreOption configures an OfflineStore.
type StoreOption func(*OfflineStore)

// WithMaxCacheAge overrides the cache age ceiling.
func WithMaxCacheAge(d time.Duration) StoreOption {
	return func(o *OfflineStore) { o.maxCacheAge = d }
}

// WithStoreClock overrides the time source for expiry checks and action ids.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(o *OfflineStore) { o.now = now }
}

// WithStoreLogger overrides the store's logger.
func WithStoreLogger(log *logrus.Entry) StoreOption {
	return func(o *OfflineStore) { o.log = log }
}

// NewOfflineStore wraps kv with cache and queue semantics.
func NewOfflineStore(kv KVStore, opts ...StoreOption) *OfflineStore {
	o := &OfflineStore{
		kv:          kv,
		maxCacheAge: DefaultMaxCacheAge,
		now:         time.Now,
		log:         logrus.StandardLogger().WithField("component", "store"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Close releases the underlying store.
func (o *OfflineStore) Close() error {
	return o.kv.Close()
}

// ============================================================================
// Cache
// ============================================================================

// CacheData writes data under key, optionally expiring after expiresIn.
// Write errors propagate; direct cache-write callers must handle them.
func (o *OfflineStore) CacheData(ctx context.Context, key string, data any, expiresIn time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("serialize cache entry: %w", err)
	}
	entry := cachedEntry{
		Data:      raw,
		Timestamp: o.now().UnixMilli(),
	}
	if expiresIn > 0 {
		entry.ExpiresAt = entry.Timestamp + expiresIn.Milliseconds()
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("serialize cache entry: %w", err)
	}
	if err := o.kv.Set(ctx, cachePrefix+key, value); err != nil {
		return fmt.Errorf("write cache entry %q: %w", key, err)
	}
	return nil
}

// GetCachedData returns the cached value for key, or nil on a miss. Expired
// entries are lazily deleted and reported as misses, as are corrupt ones.
func (o *OfflineStore) GetCachedData(ctx context.Context, key string) json.RawMessage {
	raw, err := o.kv.Get(ctx, cachePrefix+key)
	if err != nil || raw == nil {
		if err != nil {
			o.log.WithError(err).WithField("key", key).Debug("cache read failed, treating as miss")
		}
		return nil
	}

	var entry cachedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		o.log.WithField("key", key).Debug("corrupt cache entry, treating as miss")
		return nil
	}

	if o.entryExpired(&entry) {
		o.RemoveCachedData(ctx, key)
		return nil
	}
	return entry.Data
}

func (o *OfflineStore) entryExpired(entry *cachedEntry) bool {
	now := o.now().UnixMilli()
	if entry.ExpiresAt != 0 && now > entry.ExpiresAt {
		return true
	}
	return now-entry.Timestamp > o.maxCacheAge.Milliseconds()
}

// RemoveCachedData deletes a cache entry, best effort.
func (o *OfflineStore) RemoveCachedData(ctx context.Context, key string) {
	if err := o.kv.Delete(ctx, cachePrefix+key); err != nil {
		o.log.WithError(err).WithField("key", key).Debug("cache delete failed")
	}
}

// ClearCache deletes every cache entry, best effort. Queue entries are
// untouched.
func (o *OfflineStore) ClearCache(ctx context.Context) {
	keys, err := o.kv.Keys(ctx, cachePrefix)
	if err != nil {
		o.log.WithError(err).Debug("cache clear: listing failed")
		return
	}
	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, o.kv.Delete(ctx, k))
	}
	if errs != nil {
		o.log.WithError(errs).Debug("cache clear: some deletes failed")
	}
}

// CleanExpiredCache evicts every entry the age policy would reject and
// returns how many were removed.
func (o *OfflineStore) CleanExpiredCache(ctx context.Context) (int, error) {
	keys, err := o.kv.Keys(ctx, cachePrefix)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}

	removed := 0
	var errs error
	for _, k := range keys {
		raw, err := o.kv.Get(ctx, k)
		if err != nil || raw == nil {
			continue
		}
		var entry cachedEntry
		if json.Unmarshal(raw, &entry) != nil || o.entryExpired(&entry) {
			if err := o.kv.Delete(ctx, k); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errs
}

// CacheStats scans the cache namespace without evicting anything;
// ExpiredItems counts entries CleanExpiredCache would remove.
func (o *OfflineStore) CacheStats(ctx context.Context) CacheStats {
	var stats CacheStats
	keys, err := o.kv.Keys(ctx, cachePrefix)
	if err != nil {
		o.log.WithError(err).Debug("cache stats: listing failed")
		return stats
	}

	now := o.now().UnixMilli()
	var totalAge int64
	for _, k := range keys {
		raw, err := o.kv.Get(ctx, k)
		if err != nil || raw == nil {
			continue
		}
		var entry cachedEntry
		if json.Unmarshal(raw, &entry) != nil {
			continue
		}
		stats.TotalItems++
		stats.TotalSize += int64(len(raw))
		if stats.OldestItem == 0 || entry.Timestamp < stats.OldestItem {
			stats.OldestItem = entry.Timestamp
		}
		if entry.Timestamp > stats.NewestItem {
			stats.NewestItem = entry.Timestamp
		}
		if o.entryExpired(&entry) {
			stats.ExpiredItems++
		}
		totalAge += now - entry.Timestamp
	}
	if stats.TotalItems > 0 {
		stats.AverageAge = totalAge / int64(stats.TotalItems)
	}
	return stats
}

// ============================================================================
// Action queue
// ============================================================================

// QueueAction appends a new pending action and returns its generated id.
// The id embeds the enqueue time plus randomness; collisions are negligible
// but not cryptographically guaranteed.
func (o *OfflineStore) QueueAction(ctx context.Context, actionType string, payload json.RawMessage) (string, error) {
	now := o.now().UnixMilli()
	action := QueuedAction{
		ID:        o.newActionID(now),
		Type:      actionType,
		Payload:   payload,
		Timestamp: now,
	}
	value, err := json.Marshal(action)
	if err != nil {
		return "", fmt.Errorf("serialize action: %w", err)
	}
	if err := o.kv.Set(ctx, actionPrefix+action.ID, value); err != nil {
		return "", fmt.Errorf("queue action %q: %w", actionType, err)
	}
	return action.ID, nil
}

// newActionID yields keys that sort in insertion order: zero-padded enqueue
// time, a process-local sequence for same-millisecond ties, random suffix.
func (o *OfflineStore) newActionID(nowMillis int64) string {
	var buf [4]byte
	rand.Read(buf[:])
	return fmt.Sprintf("action_%013d_%06d_%08x",
		nowMillis, o.seq.Add(1)%1_000_000, binary.BigEndian.Uint32(buf[:]))
}

// GetPendingActions returns the queue in insertion order. The slice is empty
// on a missing queue; the error reports only a listing failure of the
// underlying store, and the slice is still usable when it is non-nil.
func (o *OfflineStore) GetPendingActions(ctx context.Context) ([]QueuedAction, error) {
	keys, err := o.kv.Keys(ctx, actionPrefix)
	if err != nil {
		return []QueuedAction{}, fmt.Errorf("list pending actions: %w", err)
	}

	actions := make([]QueuedAction, 0, len(keys))
	for _, k := range keys {
		raw, err := o.kv.Get(ctx, k)
		if err != nil || raw == nil {
			continue
		}
		var action QueuedAction
		if json.Unmarshal(raw, &action) != nil {
			o.log.WithField("key", k).Debug("corrupt queued action, skipping")
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// RemoveAction deletes one queued action. The error matters to the retry
// path; other callers may ignore it.
func (o *OfflineStore) RemoveAction(ctx context.Context, id string) error {
	if err := o.kv.Delete(ctx, actionPrefix+id); err != nil {
		return fmt.Errorf("remove action %q: %w", id, err)
	}
	return nil
}

// IncrementRetryCount bumps one action's retry counter in place. A missing
// or corrupt entry is a no-op; write errors propagate.
func (o *OfflineStore) IncrementRetryCount(ctx context.Context, id string) error {
	key := actionPrefix + id
	raw, err := o.kv.Get(ctx, key)
	if err != nil || raw == nil {
		return nil
	}
	var action QueuedAction
	if json.Unmarshal(raw, &action) != nil {
		return nil
	}
	action.RetryCount++
	value, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("serialize action %q: %w", id, err)
	}
	if err := o.kv.Set(ctx, key, value); err != nil {
		return fmt.Errorf("update retry count for %q: %w", id, err)
	}
	return nil
}

// ClearQueue drops every pending action, best effort.
func (o *OfflineStore) ClearQueue(ctx context.Context) {
	keys, err := o.kv.Keys(ctx, actionPrefix)
	if err != nil {
		o.log.WithError(err).Debug("queue clear: listing failed")
		return
	}
	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, o.kv.Delete(ctx, k))
	}
	if errs != nil {
		o.log.WithError(errs).Debug("queue clear: some deletes failed")
	}
}

// QueueStats aggregates the pending queue; FailedActions counts entries
// that have already been retried at least once.
func (o *OfflineStore) QueueStats(ctx context.Context) QueueStats {
	stats := QueueStats{ActionsByType: make(map[string]int)}
	actions, err := o.GetPendingActions(ctx)
	if err != nil {
		o.log.WithError(err).Debug("queue stats: listing failed")
		return stats
	}
	for _, a := range actions {
		stats.TotalActions++
		stats.ActionsByType[a.Type]++
		if stats.OldestAction == 0 || a.Timestamp < stats.OldestAction {
			stats.OldestAction = a.Timestamp
		}
		if a.Timestamp > stats.NewestAction {
			stats.NewestAction = a.Timestamp
		}
		if a.RetryCount > 0 {
			stats.FailedActions++
		}
	}
	return stats
}
