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

var (
	// ErrTimeout means no response arrived for a native-initiated call
	// within the message timeout.
	ErrTimeout = errors.New("message timeout")

	// ErrTransportUnavailable means the injection channel was missing or
	// reported unavailable at send time.
	ErrTransportUnavailable = errors.New("transport not available")

	// ErrBridgeClosed means the bridge was cleared while a call was in
	// flight.
	ErrBridgeClosed = errors.New("bridge closed")
)

// DefaultMessageTimeout bounds how long a native-initiated call waits for
// its correlated response.
const DefaultMessageTimeout = 30 * time.Second

// counter wraps after this to bound id growth; in-flight call counts are
// always far smaller, so reuse is safe.
const messageIDWrap = 1_000_000

// ============================================================================
// Bridge
// ============================================================================

// Bridge routes typed messages to registered handlers and correlates
// native-initiated requests to their responses by generated id. Construct
// one per webview; it is not a process singleton.
type Bridge struct {
	security *Security
	log      *logrus.Entry
	timeout  time.Duration
	notify   NotificationHandler

	mu       sync.RWMutex
	handlers map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]chan Response
	counter   int
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithMessageTimeout overrides the native-call response timeout.
func WithMessageTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.timeout = d }
}

// WithNotificationHandler routes the reserved notification types.
func WithNotificationHandler(fn NotificationHandler) BridgeOption {
	return func(b *Bridge) { b.notify = fn }
}

// WithBridgeLogger overrides the bridge's logger.
func WithBridgeLogger(log *logrus.Entry) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// NewBridge creates a bridge validating traffic with sec.
func NewBridge(sec *Security, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		security: sec,
		timeout:  DefaultMessageTimeout,
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan Response),
		log:      logrus.StandardLogger().WithField("component", "bridge"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterHandler maps a message type to its handler. Re-registration
// overwrites.
func (b *Bridge) RegisterHandler(msgType string, h Handler) {
	b.mu.Lock()
	b.handlers[msgType] = h
	b.mu.Unlock()
}

// UnregisterHandler removes one handler.
func (b *Bridge) UnregisterHandler(msgType string) {
	b.mu.Lock()
	delete(b.handlers, msgType)
	b.mu.Unlock()
}

func (b *Bridge) handler(msgType string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[msgType]
	return h, ok
}

// ============================================================================
// Inbound dispatch
// ============================================================================

// HandleMessage dispatches one inbound envelope and always produces a
// response; every failure path is a failure response, never a panic or an
// error return, so the transport layer cannot be crashed by a message.
func (b *Bridge) HandleMessage(ctx context.Context, msg *Message) Response {
	now := b.security.now().UnixMilli()

	if msg == nil {
		return Response{ID: "unknown", Error: "Invalid message structure", Timestamp: now}
	}
	if msg.ID == "" || msg.Type == "" {
		id := msg.ID
		if id == "" {
			id = "unknown"
		}
		return Response{ID: id, Error: ErrMissingFields.Error(), Timestamp: now}
	}

	if err := b.security.Validate(msg); err != nil {
		b.log.WithFields(logrus.Fields{"id": msg.ID, "type": msg.Type}).
			WithError(err).Warn("message rejected by security validation")
		return Response{
			ID:        msg.ID,
			Error:     fmt.Sprintf("Security validation failed: %v", err),
			Timestamp: now,
		}
	}

	if !b.security.CheckRateLimit(msg.Type) {
		b.log.WithField("type", msg.Type).Warn("rate limit exceeded")
		return Response{ID: msg.ID, Error: "Rate limit exceeded", Timestamp: now}
	}

	if IsNotificationType(msg.Type) {
		b.dispatchNotification(ctx, msg)
		return Response{ID: msg.ID, Success: true, Timestamp: now}
	}

	h, ok := b.handler(msg.Type)
	if !ok {
		return Response{
			ID:        msg.ID,
			Error:     fmt.Sprintf("No handler registered for message type: %s", msg.Type),
			Timestamp: now,
		}
	}

	data, err := b.invokeHandler(ctx, h, msg.Payload)
	if err != nil {
		b.log.WithFields(logrus.Fields{"id": msg.ID, "type": msg.Type}).
			WithError(err).Debug("handler failed")
		return Response{ID: msg.ID, Error: err.Error(), Timestamp: b.security.now().UnixMilli()}
	}
	return Response{ID: msg.ID, Success: true, Data: data, Timestamp: b.security.now().UnixMilli()}
}

// invokeHandler runs business logic behind a recover so a panicking handler
// degrades to a failure response.
func (b *Bridge) invokeHandler(ctx context.Context, h Handler, payload json.RawMessage) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	result, err := h(ctx, payload)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("serialize handler result: %w", err)
	}
	return raw, nil
}

func (b *Bridge) dispatchNotification(ctx context.Context, msg *Message) {
	if b.notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Error("notification handler panicked")
		}
	}()
	b.notify(ctx, msg.Type, msg.Payload)
}

// HandleRaw decodes one inbound frame from the web side and routes it:
// envelopes with a type are requests/notifications, the rest are responses
// to native-initiated calls. Request responses are injected back through t;
// notifications never get a correlated reply.
func (b *Bridge) HandleRaw(ctx context.Context, raw []byte, t Transport) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		b.log.WithError(err).Debug("discarding undecodable inbound frame")
		return
	}

	if probe.Type == "" {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			b.log.WithError(err).Debug("discarding undecodable response frame")
			return
		}
		b.HandleResponse(resp)
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.log.WithError(err).Debug("discarding undecodable message frame")
		return
	}

	resp := b.HandleMessage(ctx, &msg)
	if IsNotificationType(msg.Type) || t == nil {
		return
	}
	if err := b.deliverResponse(ctx, t, resp); err != nil {
		b.log.WithField("id", resp.ID).WithError(err).Warn("response delivery failed")
	}
}

func (b *Bridge) deliverResponse(ctx context.Context, t Transport, resp Response) error {
	sanitized, err := b.security.SanitizeForInjection(resp)
	if err != nil {
		return err
	}
	return t.Deliver(ctx, ResponseScript(sanitized))
}

// ============================================================================
// Outbound calls
// ============================================================================

func (b *Bridge) nextID() string {
	b.pendingMu.Lock()
	b.counter++
	if b.counter > messageIDWrap {
		b.counter = 0
	}
	id := fmt.Sprintf("native_%d", b.counter)
	b.pendingMu.Unlock()
	return id
}

// SendToWeb sends a native-initiated, security-wrapped call into the web
// context and blocks until the correlated response, the message timeout, or
// ctx cancellation. Payload may be nil.
func (b *Bridge) SendToWeb(ctx context.Context, t Transport, msgType string, payload any) (json.RawMessage, error) {
	if t == nil || !t.Available() {
		return nil, ErrTransportUnavailable
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("serialize payload: %w", err)
		}
		raw = data
	}

	id := b.nextID()
	msg := b.security.CreateSecureMessage(id, msgType, raw)

	sanitized, err := b.security.SanitizeForInjection(msg)
	if err != nil {
		return nil, err
	}

	ch := make(chan Response, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()

	if err := t.Deliver(ctx, MessageScript(sanitized)); err != nil {
		b.removePending(id)
		return nil, fmt.Errorf("deliver to web: %w", err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrBridgeClosed
		}
		if !resp.Success {
			if resp.Error == "" {
				return nil, errors.New("unknown error")
			}
			return nil, errors.New(resp.Error)
		}
		return resp.Data, nil
	case <-timer.C:
		b.removePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		b.removePending(id)
		return nil, ctx.Err()
	}
}

// HandleResponse resolves the pending call matching resp.ID. Late or
// spurious responses are discarded without effect.
func (b *Bridge) HandleResponse(resp Response) {
	b.pendingMu.Lock()
	ch, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.pendingMu.Unlock()

	if ok {
		ch <- resp
	}
}

func (b *Bridge) removePending(id string) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// PendingCalls reports the number of in-flight native-initiated calls.
func (b *Bridge) PendingCalls() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// Clear rejects every in-flight call, then empties the handler and pending
// maps. Used at teardown to prevent leaks across remounts.
func (b *Bridge) Clear() {
	b.pendingMu.Lock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	b.mu.Lock()
	b.handlers = make(map[string]Handler)
	b.mu.Unlock()
}
