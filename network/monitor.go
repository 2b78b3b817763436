// Package network provides connectivity detection for the sync engine. The
// monitor's signal is advisory: a remote call can still fail after a probe
// succeeded, so callers treat it as a hint, not a guarantee.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vitalsync/vitalsync"
	"github.com/vitalsync/vitalsync/logging"
)

// Prober performs a single point-in-time reachability check.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber checks reachability with a HEAD request against a known endpoint.
type HTTPProber struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber creates a prober against the given URL. A zero timeout
// defaults to 3 seconds.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Probe reports whether the endpoint answered at all. Any HTTP status counts
// as reachable; only transport failures count as offline.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// PollingMonitor probes connectivity on a fixed interval and notifies
// subscribers only on transitions. Duplicate probe results are debounced.
type PollingMonitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	available   bool
	initialized bool
	subscribers []func(online bool)
	cancel      context.CancelFunc
	done        chan struct{}
	running     bool
}

// Compile-time check that PollingMonitor satisfies the monitor contract
var _ vitalsync.NetworkMonitor = (*PollingMonitor)(nil)

// NewPollingMonitor creates a monitor over the given prober. A zero interval
// defaults to 15 seconds.
func NewPollingMonitor(prober Prober, interval time.Duration) *PollingMonitor {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &PollingMonitor{
		prober:   prober,
		interval: interval,
		logger:   logging.WithComponent(logging.Component("network-monitor")).Logger,
	}
}

// Available performs a synchronous probe and records the result as the
// current state.
func (m *PollingMonitor) Available(ctx context.Context) bool {
	online := m.prober.Probe(ctx)
	m.record(online)
	return online
}

// Subscribe registers a callback invoked on every connectivity transition.
func (m *PollingMonitor) Subscribe(handler func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, handler)
}

// Start begins background probing. Calling Start on a running monitor is an
// error.
func (m *PollingMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go m.loop(ctx)
	m.logger.Info("network monitor started", "interval", m.interval)
	return nil
}

// Stop halts background probing and waits for the probe loop to exit.
func (m *PollingMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("network monitor stopped")
	return nil
}

func (m *PollingMonitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Probe once immediately to establish the baseline without waiting a
	// full interval. This is not a transition, so it does not notify.
	m.record(m.prober.Probe(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.record(m.prober.Probe(ctx))
		}
	}
}

// record stores a probe result and notifies subscribers if it differs from
// the previous one. The first recorded result is the baseline, not a
// transition, and does not notify.
func (m *PollingMonitor) record(online bool) {
	m.mu.Lock()
	changed := m.initialized && m.available != online
	m.initialized = true
	m.available = online
	subscribers := make([]func(online bool), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("connectivity transition", "online", online)
	for _, handler := range subscribers {
		go func(h func(online bool)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("monitor subscriber panic recovered", "panic", r)
				}
			}()
			h(online)
		}(handler)
	}
}
