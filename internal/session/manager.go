package session

import (
	"context"
	"sync"
)

// Manager owns one Controller per user.
type Manager struct {
	deps Deps
	opts Options

	mu          sync.Mutex
	controllers map[string]*Controller
	listeners   []Listener
}

// NewManager creates an empty manager.
func NewManager(deps Deps, opts Options) *Manager {
	return &Manager{
		deps:        deps,
		opts:        opts.withDefaults(),
		controllers: make(map[string]*Controller),
	}
}

// OnChange registers l on every current and future controller.
func (m *Manager) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
	for _, c := range m.controllers {
		c.OnChange(l)
	}
}

// Get returns the user's controller, creating it on first use.
func (m *Manager) Get(userID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[userID]; ok {
		return c
	}
	c := NewController(userID, m.deps, m.opts)
	for _, l := range m.listeners {
		c.OnChange(l)
	}
	m.controllers[userID] = c
	return c
}

// Lookup returns the user's controller without creating one.
func (m *Manager) Lookup(userID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[userID]
	return c, ok
}

// IsLive reports whether sessionID is owned by some controller, either as its
// active handle or as a terminated session it still has to persist.
func (m *Manager) IsLive(sessionID string) bool {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.mu.Unlock()

	for _, c := range controllers {
		if c.Owns(sessionID) {
			return true
		}
	}
	return false
}

// Count returns the number of controllers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.controllers)
}

// Teardown ends the user's session, if any, and forgets the controller.
// It is called on sign-out.
func (m *Manager) Teardown(ctx context.Context, userID string) {
	m.mu.Lock()
	c, ok := m.controllers[userID]
	delete(m.controllers, userID)
	m.mu.Unlock()

	if !ok {
		return
	}
	c.mu.Lock()
	c.terminateLocked(ctx, EndReasonTeardown, false, nil)
	c.mu.Unlock()
	c.shutdown()
}

// Close stops every controller's background work. Open sessions are left
// in the store to be resumed after a restart.
func (m *Manager) Close() {
	m.mu.Lock()
	controllers := m.controllers
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		c.shutdown()
	}
}
