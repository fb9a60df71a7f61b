package mobilebridge

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectivityObserver is the push/pull source of online/offline state.
// Subscribe registers a callback for transitions and returns its
// unsubscribe; Fetch probes the current state once.
type ConnectivityObserver interface {
	Subscribe(fn func(online bool)) (cancel func())
	Fetch(ctx context.Context) (bool, error)
}

// NetworkMonitor tracks a single process-wide connectivity boolean and fans
// out edge-triggered transitions. Same-state observations are dropped so a
// flapping observer cannot cause redundant resync storms.
type NetworkMonitor struct {
	obs ConnectivityObserver
	log *logrus.Entry

	mu        sync.Mutex
	online    bool
	listeners map[int]func(online bool)
	nextID    int
	unsub     func()
}

// MonitorOption configures a NetworkMonitor.
type MonitorOption func(*NetworkMonitor)

// WithMonitorLogger overrides the monitor's logger.
func WithMonitorLogger(log *logrus.Entry) MonitorOption {
	return func(m *NetworkMonitor) { m.log = log }
}

// NewNetworkMonitor creates a monitor over obs. The state is assumed online
// until the first observation arrives.
func NewNetworkMonitor(obs ConnectivityObserver, opts ...MonitorOption) *NetworkMonitor {
	m := &NetworkMonitor{
		obs:       obs,
		online:    true,
		listeners: make(map[int]func(bool)),
		log:       logrus.StandardLogger().WithField("component", "network"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the observer and probes the current state immediately
// so the monitor does not wait for the next natural transition.
func (m *NetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.unsub == nil {
		m.unsub = m.obs.Subscribe(m.handleChange)
	}
	m.mu.Unlock()

	if online, err := m.obs.Fetch(ctx); err == nil {
		m.handleChange(online)
	} else {
		m.log.WithError(err).Warn("initial connectivity probe failed")
	}
}

// Stop unsubscribes from the observer and drops all listeners.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.listeners = make(map[int]func(bool))
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (m *NetworkMonitor) handleChange(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	snapshot := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		snapshot = append(snapshot, fn)
	}
	m.mu.Unlock()

	m.log.WithField("online", online).Info("connectivity changed")
	for _, fn := range snapshot {
		m.invoke(fn, online)
	}
}

// invoke isolates one listener so a panicking callback cannot starve the
// rest of the fan-out.
func (m *NetworkMonitor) invoke(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("connectivity listener panicked")
		}
	}()
	fn(online)
}

// IsConnected returns the current connectivity state.
func (m *NetworkMonitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Refresh probes the observer once, applies the result, and returns it.
func (m *NetworkMonitor) Refresh(ctx context.Context) (bool, error) {
	online, err := m.obs.Fetch(ctx)
	if err != nil {
		return m.IsConnected(), err
	}
	m.handleChange(online)
	return online, nil
}

// AddListener registers fn for connectivity transitions and returns its
// remover. Go functions are not comparable, so removal is handle-based; the
// remover is idempotent.
func (m *NetworkMonitor) AddListener(fn func(online bool)) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// WaitForConnection blocks until the next online transition, the timeout, or
// ctx cancellation, and reports whether the monitor ended up connected.
// Exactly one outcome fires; the transient listener is removed on all paths.
func (m *NetworkMonitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.IsConnected() {
		return true
	}

	connected := make(chan struct{})
	var once sync.Once
	remove := m.AddListener(func(online bool) {
		if online {
			once.Do(func() { close(connected) })
		}
	})
	defer remove()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-connected:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
