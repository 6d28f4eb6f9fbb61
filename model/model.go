package model

import (
	"fmt"
	"math"
)

const (
	// DefaultReachRadius is assigned to freshly created peers.
	DefaultReachRadius = 1.0

	// DefaultServiceName is the well-known path the registry is reachable under.
	DefaultServiceName = "KommRmiServer"

	DefaultBrokerPort = 61616
	DefaultLivePort   = 12345
)

// Peer is a chat participant. Values are immutable: updates are published
// as replacement values, identity for keying is ID alone.
type Peer struct {
	ID          string  `json:"id"`
	PosX        float64 `json:"posX"`
	PosY        float64 `json:"posY"`
	ReachRadius float64 `json:"reachRadius"`
	IsOnline    bool    `json:"isOnline"`
}

// WithinReach reports whether two peers can talk over the live channel.
// Strictly: distance(a,b) < a.ReachRadius + b.ReachRadius. A peer with a
// positive radius is always within reach of itself; callers exclude self
// where that matters.
func WithinReach(a, b Peer) bool {
	dx := a.PosX - b.PosX
	dy := a.PosY - b.PosY
	return math.Sqrt(dx*dx+dy*dy) < a.ReachRadius+b.ReachRadius
}

// UseLiveTransport is the single routing decision for outgoing chat:
// live channel iff the destination is online and within reach, durable
// relay otherwise.
func UseLiveTransport(local, dst Peer) bool {
	return dst.IsOnline && WithinReach(local, dst)
}

// Origin tags who produced a conversation entry.
type Origin string

const (
	OriginSystem Origin = "SYSTEM"
	OriginSelf   Origin = "SELF"
	OriginPeer   Origin = "PEER"
)

// ChatMessage is a single conversation entry. Conversations are append-only
// sequences of these, one per known peer.
type ChatMessage struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
	Origin Origin `json:"origin"`
}

// ConnectionEndpoint holds the two service addresses a client needs:
// the durable-relay broker and the live-callback registry.
type ConnectionEndpoint struct {
	BrokerHost  string
	BrokerPort  int
	LiveHost    string
	LivePort    int
	ServiceName string
}

// NewConnectionEndpoint fills in the well-known service name.
func NewConnectionEndpoint(brokerHost string, brokerPort int, liveHost string, livePort int) ConnectionEndpoint {
	return ConnectionEndpoint{
		BrokerHost:  brokerHost,
		BrokerPort:  brokerPort,
		LiveHost:    liveHost,
		LivePort:    livePort,
		ServiceName: DefaultServiceName,
	}
}

// BrokerURL is the AMQP dial address of the durable relay broker.
func (e ConnectionEndpoint) BrokerURL() string {
	return fmt.Sprintf("amqp://guest:guest@%s:%d/", e.BrokerHost, e.BrokerPort)
}

// LiveAddr is the host:port of the live callback registry.
func (e ConnectionEndpoint) LiveAddr() string {
	return fmt.Sprintf("%s:%d", e.LiveHost, e.LivePort)
}

// LiveURL is the websocket dial address of the live callback registry.
func (e ConnectionEndpoint) LiveURL() string {
	return fmt.Sprintf("ws://%s:%d/%s", e.LiveHost, e.LivePort, e.ServiceName)
}
