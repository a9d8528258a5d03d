package settings

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type Store interface {
	Load() (Settings, error)
	Save(Settings) error
}

// Manager hands out immutable snapshots and notifies subscribers after a
// successful update.
type Manager struct {
	store   Store
	current atomic.Pointer[Settings]

	mu        sync.Mutex
	listeners []func(Settings)
}

// NewManager loads the initial settings from store. A load error is
// returned alongside a usable manager holding the defaults.
func NewManager(store Store) (*Manager, error) {
	m := &Manager{store: store}
	s, err := store.Load()
	if err == nil {
		if verr := s.Validate(); verr != nil {
			err = fmt.Errorf("invalid settings, using defaults: %w", verr)
			s = Defaults()
		}
	}
	m.current.Store(&s)
	return m, err
}

// Snapshot returns a copy the caller may keep for the duration of a request.
func (m *Manager) Snapshot() Settings {
	return m.current.Load().Clone()
}

// OnChange registers fn to run after every successful Update.
func (m *Manager) OnChange(fn func(Settings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Update validates, persists and publishes s.
func (m *Manager) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(s); err != nil {
		return err
	}
	snap := s.Clone()
	m.current.Store(&snap)

	for _, fn := range m.listeners {
		fn(snap.Clone())
	}
	return nil
}
