// Package events pushes session snapshots to every open tab of a user over
// WebSocket and accepts session commands from them.
package events

import (
	"log/slog"
	"sync"

	"github.com/ashureev/hearthly/internal/session"
)

const sendBuffer = 16

// client is one WebSocket connection.
type client struct {
	userID string
	tabID  string
	send   chan Message
	done   chan struct{}
	once   sync.Once
}

func newClient(userID, tabID string) *client {
	return &client{
		userID: userID,
		tabID:  tabID,
		send:   make(chan Message, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// offer queues msg without blocking. A full buffer drops the message.
func (c *client) offer(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub tracks connections per user and tab.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*client
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[string]*client),
		logger: logger,
	}
}

// register adds c, replacing any previous connection of the same tab.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[c.userID]; !ok {
		h.active[c.userID] = make(map[string]*client)
	}
	if existing, ok := h.active[c.userID][c.tabID]; ok && existing != c {
		existing.close()
	}
	h.active[c.userID][c.tabID] = c
	h.logger.Info("session stream registered", "user_id", c.userID, "tab_id", c.tabID)
}

// unregister removes c unless it was already replaced.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if tabs, ok := h.active[c.userID]; ok {
		if current, exists := tabs[c.tabID]; exists && current == c {
			delete(tabs, c.tabID)
			if len(tabs) == 0 {
				delete(h.active, c.userID)
			}
			h.logger.Info("session stream unregistered", "user_id", c.userID, "tab_id", c.tabID)
		}
	}
	c.close()
}

// Publish sends snap to every tab of its user. It never blocks, so it is
// safe to use as a session.Listener.
func (h *Hub) Publish(snap session.Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for tabID, c := range h.active[snap.UserID] {
		if !c.offer(snapshotMessage(snap)) {
			h.logger.Warn("dropping snapshot for slow client", "user_id", snap.UserID, "tab_id", tabID)
		}
	}
}

// Connections returns the number of open tabs for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}

// CloseUser disconnects every tab of userID.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.active[userID] {
		c.close()
	}
	delete(h.active, userID)
}
