package mobilebridge

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// TransportState represents the websocket connection state.
type TransportState string

const (
	TransportDisconnected TransportState = "disconnected"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportReconnecting TransportState = "reconnecting"
)

// WSConfig configures a WSTransport.
type WSConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ============================================================================
// Redial backoff
// ============================================================================

// backoffResetAfter is how long a connection must hold before the failure
// streak is forgiven and the redial schedule starts over.
const backoffResetAfter = 60 * time.Second

// backoff tracks the redial schedule: delays double per consecutive
// failure, carry up to half the base delay of random jitter, and never
// exceed the cap.
type backoff struct {
	base     time.Duration
	cap      time.Duration
	limit    int
	failures int
	lastUp   time.Time
}

func (b *backoff) connected() {
	b.lastUp = time.Now()
}

// next returns the delay before the following redial, or false once the
// attempt budget is spent. A zero limit means unlimited attempts.
func (b *backoff) next() (time.Duration, bool) {
	if !b.lastUp.IsZero() && time.Since(b.lastUp) > backoffResetAfter {
		b.failures = 0
	}
	if b.limit > 0 && b.failures >= b.limit {
		return 0, false
	}
	d := b.base
	for i := 0; i < b.failures && d < b.cap; i++ {
		d *= 2
	}
	d += time.Duration(rand.Float64() * float64(b.base) * 0.5)
	if d > b.cap {
		d = b.cap
	}
	b.failures++
	return d, true
}

// ============================================================================
// WSTransport
// ============================================================================

// FrameHandler receives raw frames read from the web side.
type FrameHandler func(ctx context.Context, raw []byte)

// WSTransport carries injected scripts to the web context over a websocket
// and feeds inbound frames to a handler. It doubles as the connectivity
// source: connection state transitions are reported to subscribers, so a
// NetworkMonitor can be built directly on top of it.
//
// It implements both Transport and ConnectivityObserver.
type WSTransport struct {
	url     string
	config  *WSConfig
	onFrame FrameHandler
	log     *logrus.Entry

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	cancelFn         context.CancelFunc

	subMu   sync.Mutex
	subNext int
	subs    map[int]func(bool)

	redial backoff
}

// NewWSTransport creates a transport for url. onFrame receives every
// inbound frame; pass the bridge's HandleRaw wrapped with the transport
// itself. Call Connect to establish the link.
func NewWSTransport(url string, config *WSConfig, onFrame FrameHandler) *WSTransport {
	if config == nil {
		config = &WSConfig{AutoReconnect: true}
	}
	config.defaults()
	return &WSTransport{
		url:     url,
		config:  config,
		onFrame: onFrame,
		state:   TransportDisconnected,
		subs:    make(map[int]func(bool)),
		redial: backoff{
			base:  config.ReconnectBaseDelay,
			cap:   config.ReconnectMaxDelay,
			limit: config.MaxReconnectAttempts,
		},
		log: logrus.StandardLogger().WithField("component", "transport"),
	}
}

// State returns the current connection state.
func (t *WSTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Available reports whether scripts can be delivered right now.
func (t *WSTransport) Available() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TransportConnected && t.conn != nil
}

// Deliver writes one script as a text frame.
func (t *WSTransport) Deliver(ctx context.Context, script string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrTransportUnavailable
	}
	return conn.Write(ctx, websocket.MessageText, []byte(script))
}

// Connect establishes the websocket connection and starts the read loop.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == TransportConnected || t.state == TransportConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = TransportConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	wsURL := strings.Replace(t.url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.mu.Lock()
		t.state = TransportDisconnected
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.conn = conn
	t.state = TransportConnected
	t.cancelFn = cancel
	t.mu.Unlock()
	t.redial.connected()

	t.notify(true)
	go t.readLoop(connCtx)

	return nil
}

// Disconnect closes the connection without triggering reconnect.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = TransportDisconnected
	t.mu.Unlock()

	t.notify(false)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *WSTransport) readLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			t.mu.Unlock()
			if intentional {
				return
			}

			t.mu.Lock()
			t.state = TransportDisconnected
			t.conn = nil
			t.mu.Unlock()

			t.log.WithError(err).Warn("websocket read failed")
			t.notify(false)

			if t.config.AutoReconnect {
				t.redialLoop()
			}
			return
		}

		if t.onFrame != nil {
			t.onFrame(ctx, data)
		}
	}
}

// redialLoop keeps dialing until a connection sticks, an intentional close
// happens, or the attempt budget runs out.
func (t *WSTransport) redialLoop() {
	for {
		delay, ok := t.redial.next()
		if !ok {
			t.mu.Lock()
			t.state = TransportDisconnected
			t.mu.Unlock()
			t.log.Warn("reconnect attempts exhausted")
			return
		}

		t.mu.Lock()
		t.state = TransportReconnecting
		intentional := t.intentionalClose
		t.mu.Unlock()
		if intentional {
			return
		}

		t.log.WithFields(logrus.Fields{"attempt": t.redial.failures, "delay": delay}).
			Info("reconnecting")
		time.Sleep(delay)

		// The dead connection's context is gone with it.
		if err := t.Connect(context.Background()); err == nil {
			return
		}
	}
}

// ============================================================================
// ConnectivityObserver
// ============================================================================

// Subscribe registers a callback for connection state transitions.
func (t *WSTransport) Subscribe(fn func(online bool)) (cancel func()) {
	t.subMu.Lock()
	id := t.subNext
	t.subNext++
	t.subs[id] = fn
	t.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
		})
	}
}

// Fetch reports the current connection state.
func (t *WSTransport) Fetch(ctx context.Context) (bool, error) {
	return t.Available(), nil
}

func (t *WSTransport) notify(online bool) {
	t.subMu.Lock()
	fns := make([]func(bool), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
