package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeProber returns a scripted sequence of probe results, repeating the last
// one once the script runs out.
type fakeProber struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (p *fakeProber) Probe(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	p.calls++
	return p.results[idx]
}

func TestPollingMonitor_Available(t *testing.T) {
	prober := &fakeProber{results: []bool{true, false}}
	monitor := NewPollingMonitor(prober, time.Minute)

	if !monitor.Available(context.Background()) {
		t.Error("expected first probe to report online")
	}
	if monitor.Available(context.Background()) {
		t.Error("expected second probe to report offline")
	}
}

func TestPollingMonitor_NotifiesOnTransition(t *testing.T) {
	prober := &fakeProber{results: []bool{true}}
	monitor := NewPollingMonitor(prober, time.Minute)

	transitions := make(chan bool, 8)
	monitor.Subscribe(func(online bool) {
		transitions <- online
	})

	// The first probe establishes the baseline; no transition happened.
	monitor.Available(context.Background())
	select {
	case <-transitions:
		t.Fatal("the baseline probe must not notify")
	case <-time.After(50 * time.Millisecond):
	}

	// Same result again must not notify
	monitor.Available(context.Background())
	select {
	case <-transitions:
		t.Fatal("duplicate probe result should be debounced")
	case <-time.After(50 * time.Millisecond):
	}

	// Flip to offline
	prober.mu.Lock()
	prober.results = []bool{false}
	prober.calls = 0
	prober.mu.Unlock()

	monitor.Available(context.Background())
	select {
	case online := <-transitions:
		if online {
			t.Error("expected transition to offline")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for offline transition")
	}

	// And back online
	prober.mu.Lock()
	prober.results = []bool{true}
	prober.calls = 0
	prober.mu.Unlock()

	monitor.Available(context.Background())
	select {
	case online := <-transitions:
		if !online {
			t.Error("expected transition to online")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for online transition")
	}
}

func TestPollingMonitor_StartStop(t *testing.T) {
	prober := &fakeProber{results: []bool{false, true}}
	monitor := NewPollingMonitor(prober, 10*time.Millisecond)

	// Establish an offline baseline so the background probes produce a
	// transition.
	monitor.Available(context.Background())

	transitions := make(chan bool, 8)
	monitor.Subscribe(func(online bool) {
		transitions <- online
	})

	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := monitor.Start(context.Background()); err == nil {
		t.Error("expected error starting an already running monitor")
	}

	select {
	case <-transitions:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for background probe")
	}

	if err := monitor.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := monitor.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestHTTPProber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	prober := NewHTTPProber(server.URL, time.Second)
	if !prober.Probe(context.Background()) {
		t.Error("expected probe against live server to succeed")
	}

	server.Close()
	if prober.Probe(context.Background()) {
		t.Error("expected probe against closed server to fail")
	}
}
