package model

import (
	"encoding/json"
	"fmt"
)

// Server-pushed events of the live callback channel.
const (
	EventChatMessage     = "chat_message"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventUsersUpdated    = "users_updated"
	EventUserInfoUpdated = "user_info_updated"
)

// Client-initiated operations of the live callback channel.
const (
	OpRegister       = "register"
	OpUnregister     = "unregister"
	OpSendChat       = "send_chat"
	OpUpdateUserInfo = "update_user_info"
)

// PayloadKind discriminates the payload union. The wire tags are fixed
// for compatibility between independently deployed registry and clients.
type PayloadKind string

const (
	KindChatMessage  PayloadKind = "CHAT_MESSAGE"
	KindUser         PayloadKind = "USER"
	KindUsersUpdated PayloadKind = "USERS_UPDATED"
	KindCommand      PayloadKind = "COMMAND"
)

// Payload is a closed tagged union. Exactly the fields of the active kind
// are populated; consumers switch exhaustively on Kind.
type Payload struct {
	Kind PayloadKind

	Message string // CHAT_MESSAGE
	User    Peer   // USER

	Users []Peer // USERS_UPDATED

	Command string   // COMMAND
	Args    []string // COMMAND
}

func ChatPayload(message string) Payload {
	return Payload{Kind: KindChatMessage, Message: message}
}

func UserPayload(user Peer) Payload {
	return Payload{Kind: KindUser, User: user}
}

func UsersUpdatedPayload(users []Peer) Payload {
	return Payload{Kind: KindUsersUpdated, Users: users}
}

func CommandPayload(command string, args ...string) Payload {
	return Payload{Kind: KindCommand, Command: command, Args: args}
}

type chatMessageWire struct {
	Type    PayloadKind `json:"type"`
	Message string      `json:"message"`
}

type userWire struct {
	Type PayloadKind `json:"type"`
	User Peer        `json:"user"`
}

type usersUpdatedWire struct {
	Type  PayloadKind `json:"type"`
	Users []Peer      `json:"users"`
}

type commandWire struct {
	Type    PayloadKind `json:"type"`
	Command string      `json:"command"`
	Args    []string    `json:"args"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindChatMessage:
		return json.Marshal(chatMessageWire{Type: p.Kind, Message: p.Message})
	case KindUser:
		return json.Marshal(userWire{Type: p.Kind, User: p.User})
	case KindUsersUpdated:
		return json.Marshal(usersUpdatedWire{Type: p.Kind, Users: p.Users})
	case KindCommand:
		return json.Marshal(commandWire{Type: p.Kind, Command: p.Command, Args: p.Args})
	default:
		return nil, fmt.Errorf("unknown payload kind %q", p.Kind)
	}
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var probe struct {
		Type PayloadKind `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}

	switch probe.Type {
	case KindChatMessage:
		var w chatMessageWire
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		*p = Payload{Kind: w.Type, Message: w.Message}
	case KindUser:
		var w userWire
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		*p = Payload{Kind: w.Type, User: w.User}
	case KindUsersUpdated:
		var w usersUpdatedWire
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		*p = Payload{Kind: w.Type, Users: w.Users}
	case KindCommand:
		var w commandWire
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		*p = Payload{Kind: w.Type, Command: w.Command, Args: w.Args}
	default:
		return fmt.Errorf("unknown payload kind %q", probe.Type)
	}
	return nil
}

// Envelope is the unit of exchange on the live callback channel.
type Envelope struct {
	SenderID      string  `json:"senderId"`
	DestinationID string  `json:"destinationId"`
	Payload       Payload `json:"payload"`
}

// Frame wraps an envelope with the event (server to client) or operation
// (client to server) it belongs to.
type Frame struct {
	Event    string   `json:"event"`
	Envelope Envelope `json:"envelope"`
}

// Wire connects the registry to a single client's websocket session.
// The registry pushes frames into TX; the session's writer drains it.
type Wire struct {
	TX chan Frame
}

func NewWire() Wire {
	return Wire{
		TX: make(chan Frame),
	}
}

// PeerRecord is the registry's view of a registered client: the last
// published peer value plus the live callback handle.
type PeerRecord struct {
	Peer Peer
	Wire Wire
}
