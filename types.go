// Package mobilebridge is a bidirectional message bridge between an embedded
// web content sandbox and a native host environment that can only exchange
// serialized JSON text.
//
// The bridge correlates native-initiated requests to their responses over a
// one-way injection channel, validates and rate-limits inbound traffic, and
// layers an offline-first execution policy (cache, durable action queue,
// resync on reconnect) on top of arbitrary business handlers.
//
// Example:
//
//	sec := mobilebridge.NewSecurity("shared-secret")
//	bridge := mobilebridge.NewBridge(sec)
//	bridge.RegisterHandler("getDeviceInfo", deviceInfoHandler)
//
//	store := mobilebridge.NewOfflineStore(mobilebridge.NewMemoryKV())
//	monitor := mobilebridge.NewNetworkMonitor(observer)
//	syncer := mobilebridge.NewSyncManager(store, bridge, monitor)
//	syncer.Start(ctx)
package mobilebridge

import (
	"context"
	"encoding/json"
)

// ============================================================================
// Wire Envelopes
// ============================================================================

// Message is the request envelope, in either direction. id and type are
// mandatory for dispatch; timestamp and signature are present only on
// security-wrapped messages.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Response is the reply envelope. ID echoes the originating request's id;
// Data is set iff Success, Error iff not.
type Response struct {
	ID        string          `json:"id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Handler executes the business logic for one message type. The returned
// value is JSON-marshaled into the response envelope; a returned error
// becomes a failure response, never a bridge failure.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// NotificationHandler receives fire-and-forget message types that bypass the
// handler table and never get a correlated response.
type NotificationHandler func(ctx context.Context, msgType string, payload json.RawMessage)

// notificationTypes are routed to the NotificationHandler instead of the
// type-lookup table.
var notificationTypes = map[string]bool{
	"test":            true,
	"cartUpdated":     true,
	"wishlistUpdated": true,
	"imageError":      true,
}

// IsNotificationType reports whether msgType is a fire-and-forget
// notification rather than a request/response call.
func IsNotificationType(msgType string) bool {
	return notificationTypes[msgType]
}

// ============================================================================
// Queue / Cache Records
// ============================================================================

// QueuedAction is one durably queued offline operation.
type QueuedAction struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
}

// cachedEntry is the persisted cache record. ExpiresAt of zero means no
// per-entry expiry; the store-wide max age still applies.
type cachedEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
}

// CacheStats aggregates the cache namespace. Timestamps are unix
// milliseconds; zero means the cache is empty.
type CacheStats struct {
	TotalItems   int   `json:"totalItems"`
	TotalSize    int64 `json:"totalSize"`
	OldestItem   int64 `json:"oldestItem"`
	NewestItem   int64 `json:"newestItem"`
	ExpiredItems int   `json:"expiredItems"`
	AverageAge   int64 `json:"averageAge"`
}

// QueueStats aggregates the pending action queue.
type QueueStats struct {
	TotalActions  int            `json:"totalActions"`
	ActionsByType map[string]int `json:"actionsByType"`
	OldestAction  int64          `json:"oldestAction"`
	NewestAction  int64          `json:"newestAction"`
	FailedActions int            `json:"failedActions"`
}
