package session

import (
	"sort"

	"github.com/adwski/proximity-chat/model"
)

// User returns the local identity, if connected.
func (m *Manager) User() (model.Peer, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.user == nil {
		return model.Peer{}, false
	}
	return *m.user, true
}

// Endpoint returns the connection endpoint, if connected.
func (m *Manager) Endpoint() (model.ConnectionEndpoint, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.endpoint == nil {
		return model.ConnectionEndpoint{}, false
	}
	return *m.endpoint, true
}

// Degraded reports whether the durable relay is unavailable and only the
// live channel can be used.
func (m *Manager) Degraded() bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.degraded
}

// Contacts lists the latest known values of all roster peers, ordered by
// id.
func (m *Manager) Contacts() []model.Peer {
	m.mx.Lock()
	defer m.mx.Unlock()

	out := make([]model.Peer, 0, len(m.conversations))
	for _, conv := range m.conversations {
		out = append(out, conv.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Conversation returns a copy of the history with the given peer. An
// unknown peer yields an empty history.
func (m *Manager) Conversation(peerID string) []model.ChatMessage {
	m.mx.Lock()
	defer m.mx.Unlock()

	conv, ok := m.conversations[peerID]
	if !ok {
		return nil
	}
	return append([]model.ChatMessage(nil), conv.history...)
}

// CurrentContact returns the peer of the open conversation, if any.
func (m *Manager) CurrentContact() (model.Peer, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.currentID == "" {
		return model.Peer{}, false
	}
	return m.currentPeer, true
}

// CurrentMessages returns the visible snapshot of the open conversation.
func (m *Manager) CurrentMessages() []model.ChatMessage {
	m.mx.Lock()
	defer m.mx.Unlock()

	return append([]model.ChatMessage(nil), m.visible...)
}
