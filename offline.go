package vitalsync

import (
	"context"
	"log/slog"
	"sync"

	syncErrors "github.com/vitalsync/vitalsync/errors"
)

// manualOfflineKey is the settings key under which the persisted manual
// override lives.
const manualOfflineKey = "manual_offline"

// OfflineState combines the persisted manual override with detected
// connectivity into a single effective-offline flag consulted before every
// operation. Manual override always wins: a user-requested "work offline"
// is never silently undone by a network blip.
type OfflineState struct {
	settings SettingsStore
	logger   *slog.Logger

	mu               sync.RWMutex
	manualOverride   bool
	networkAvailable bool
	subscribers      []func(offline bool)
}

// NewOfflineState initializes the state from the persisted manual override
// and a synchronous connectivity probe against the monitor.
func NewOfflineState(ctx context.Context, settings SettingsStore, monitor NetworkMonitor, logger *slog.Logger) (*OfflineState, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &OfflineState{
		settings: settings,
		logger:   logger.With("component", "offline-state"),
	}

	override, found, err := settings.GetBool(ctx, manualOfflineKey)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpGet, err)
	}
	if found {
		s.manualOverride = override
	}

	s.networkAvailable = monitor.Available(ctx)

	s.logger.Info("offline state initialized",
		"manual_override", s.manualOverride,
		"network_available", s.networkAvailable)
	return s, nil
}

// EffectiveOffline reports whether mutations should be queued locally.
func (s *OfflineState) EffectiveOffline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualOverride || !s.networkAvailable
}

// ManualOverride reports the persisted user choice.
func (s *OfflineState) ManualOverride() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manualOverride
}

// SetManualOverride persists the user's explicit offline choice and notifies
// subscribers if the effective value changed. Persisting happens under the
// same lock as the in-memory flag so concurrent calls cannot leave the two
// disagreeing about which write won; the settings store is local, so holding
// the lock across it is fine.
func (s *OfflineState) SetManualOverride(ctx context.Context, offline bool) error {
	s.mu.Lock()
	if err := s.settings.SetBool(ctx, manualOfflineKey, offline); err != nil {
		s.mu.Unlock()
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}
	before := s.manualOverride || !s.networkAvailable
	s.manualOverride = offline
	after := s.manualOverride || !s.networkAvailable
	subscribers := s.snapshotSubscribersLocked()
	s.mu.Unlock()

	s.logger.Info("manual offline override changed", "offline", offline)
	if before != after {
		s.notify(subscribers, after)
	}
	return nil
}

// SetNetworkAvailable feeds a connectivity transition from the network
// monitor and notifies subscribers if the effective value changed.
func (s *OfflineState) SetNetworkAvailable(available bool) {
	s.mu.Lock()
	before := s.manualOverride || !s.networkAvailable
	s.networkAvailable = available
	after := s.manualOverride || !s.networkAvailable
	subscribers := s.snapshotSubscribersLocked()
	s.mu.Unlock()

	s.logger.Debug("network availability changed", "available", available)
	if before != after {
		s.notify(subscribers, after)
	}
}

// Subscribe registers a callback invoked whenever the effective-offline value
// changes. Callbacks run on their own goroutine and must not assume any lock.
func (s *OfflineState) Subscribe(handler func(offline bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, handler)
}

func (s *OfflineState) snapshotSubscribersLocked() []func(offline bool) {
	out := make([]func(offline bool), len(s.subscribers))
	copy(out, s.subscribers)
	return out
}

func (s *OfflineState) notify(subscribers []func(offline bool), offline bool) {
	for _, handler := range subscribers {
		go func(h func(offline bool)) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("offline-state subscriber panic recovered", "panic", r)
				}
			}()
			h(offline)
		}(handler)
	}
}
