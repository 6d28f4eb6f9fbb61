package session

import (
	"github.com/adwski/proximity-chat/client/live"
	"github.com/adwski/proximity-chat/model"
)

func (m *Manager) callbacks() live.Callbacks {
	return live.Callbacks{
		OnChatMessage:     m.onChatMessage,
		OnUserJoined:      m.onUserJoined,
		OnUserLeft:        m.onUserLeft,
		OnUsersUpdated:    m.onUsersUpdated,
		OnUserInfoUpdated: m.onUserInfoUpdated,
	}
}

// onChatMessage reconciles live-channel chat into conversation state.
func (m *Manager) onChatMessage(senderID, body string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.reconcileLocked(senderID, body)
}

// onRelayMessage reconciles relay chat like live chat while the local
// identity is online; while offline it is queued in the offline cache
// until the next online transition.
func (m *Manager) onRelayMessage(senderID, body string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.user != nil && m.user.IsOnline {
		m.reconcileLocked(senderID, body)
		return
	}
	m.offline[senderID] = append(m.offline[senderID], body)
	m.logger.Debug().Str("sender", senderID).Msg("message cached while offline")
}

// onUserJoined seeds an empty history for the new peer. The registry also
// echoes the local peer's own join back as a welcome; that one is ignored.
func (m *Manager) onUserJoined(peer model.Peer) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.isSelfLocked(peer.ID) {
		m.logger.Debug().Msg("registered with registry")
		return
	}
	if _, ok := m.conversations[peer.ID]; !ok {
		m.conversations[peer.ID] = &conversation{peer: peer}
	}
	m.logger.Debug().Str("peer", peer.ID).Msg("peer joined")
}

// onUserLeft drops the peer's roster entry entirely, history included.
func (m *Manager) onUserLeft(peer model.Peer) {
	m.mx.Lock()
	defer m.mx.Unlock()

	delete(m.conversations, peer.ID)
	m.logger.Debug().Str("peer", peer.ID).Msg("peer left")
}

// onUsersUpdated applies a full roster broadcast: every listed peer gets
// a history entry (seeded empty if missing) and its stored value is
// refreshed. Entries for peers not in the list are kept.
func (m *Manager) onUsersUpdated(peers []model.Peer) {
	m.mx.Lock()
	defer m.mx.Unlock()

	for _, peer := range peers {
		if m.isSelfLocked(peer.ID) {
			continue
		}
		if conv, ok := m.conversations[peer.ID]; ok {
			conv.peer = peer
		} else {
			m.conversations[peer.ID] = &conversation{peer: peer}
		}
	}
}

// onUserInfoUpdated re-keys the peer's history under the updated value,
// so a position move never loses the conversation. An open conversation
// is refreshed to point at the updated peer.
func (m *Manager) onUserInfoUpdated(peer model.Peer) {
	m.mx.Lock()
	defer m.mx.Unlock()

	conv, ok := m.conversations[peer.ID]
	if !ok {
		return
	}
	conv.peer = peer
	if m.currentID == peer.ID {
		m.currentPeer = peer
	}
}

// reconcileLocked appends an incoming message to the sender's history.
// A sender that is not in the roster cannot be attributed and is dropped.
func (m *Manager) reconcileLocked(senderID, body string) {
	conv, ok := m.conversations[senderID]
	if !ok {
		m.logger.Debug().Str("sender", senderID).Msg("message from unknown sender dropped")
		return
	}
	conv.history = append(conv.history, model.ChatMessage{
		Sender: senderID,
		Body:   body,
		Origin: model.OriginPeer,
	})
	if m.currentID == senderID {
		m.visible = append([]model.ChatMessage(nil), conv.history...)
	}
}

func (m *Manager) isSelfLocked(id string) bool {
	return m.user != nil && m.user.ID == id
}
