package live

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second
)

var (
	ErrClosed = errors.New("live channel is closed")
)

// Callbacks receive the five registry-pushed events. Nil handlers are
// skipped.
type Callbacks struct {
	OnChatMessage     func(senderID, body string)
	OnUserJoined      func(model.Peer)
	OnUserLeft        func(model.Peer)
	OnUsersUpdated    func([]model.Peer)
	OnUserInfoUpdated func(model.Peer)
}

// Client is the client end of the live callback channel: it registers a
// peer with the registry and dispatches pushed events until closed.
type Client struct {
	logger zerolog.Logger
	conn   *websocket.Conn
	userID string
	cb     Callbacks

	writeMx   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the registry, registers the peer and starts event
// dispatch. The returned client is ready for sends.
func Dial(endpoint model.ConnectionEndpoint, peer model.Peer, cb Callbacks, logger *zerolog.Logger) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, _, err := dialer.Dial(endpoint.LiveURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial registry at %s: %w", endpoint.LiveURL(), err)
	}

	c := &Client{
		logger: logger.With().Str("component", "live-client").Str("peer", peer.ID).Logger(),
		conn:   conn,
		userID: peer.ID,
		cb:     cb,
		closed: make(chan struct{}),
	}

	register := model.Frame{
		Event: model.OpRegister,
		Envelope: model.Envelope{
			SenderID: peer.ID,
			Payload:  model.UserPayload(peer),
		},
	}
	if err = c.writeFrame(register); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register with registry: %w", err)
	}

	go c.receive()
	return c, nil
}

// SendChatMessage pushes a direct message through the registry. Delivery
// is best-effort; the durable relay is the guaranteed path.
func (c *Client) SendChatMessage(destinationID, body string) error {
	return c.writeFrame(model.Frame{
		Event: model.OpSendChat,
		Envelope: model.Envelope{
			SenderID:      c.userID,
			DestinationID: destinationID,
			Payload:       model.ChatPayload(body),
		},
	})
}

// UpdateUserInfo publishes an updated local peer value to the registry.
func (c *Client) UpdateUserInfo(peer model.Peer) error {
	return c.writeFrame(model.Frame{
		Event: model.OpUpdateUserInfo,
		Envelope: model.Envelope{
			SenderID: peer.ID,
			Payload:  model.UserPayload(peer),
		},
	})
}

// Close unregisters from the registry before releasing the connection.
// Closing an already-closed client is a non-error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		// best-effort: the registry also detects the dropped connection
		if err := c.writeFrame(model.Frame{
			Event:    model.OpUnregister,
			Envelope: model.Envelope{SenderID: c.userID},
		}); err != nil {
			c.logger.Debug().Err(err).Msg("unregister frame not sent")
		}
		close(c.closed)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("websocket close")
		}
		c.logger.Debug().Msg("live channel closed")
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) writeFrame(frame model.Frame) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteJSON(&frame)
}

func (c *Client) receive() {
	for {
		var frame model.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if !c.isClosed() {
				c.logger.Warn().Err(err).Msg("live channel receive failed")
			}
			return
		}
		c.dispatch(frame)
	}
}

// dispatch fans a pushed frame out to the matching callback. Payload
// kinds are matched exhaustively; a frame whose payload does not fit its
// event is dropped.
func (c *Client) dispatch(frame model.Frame) {
	env := frame.Envelope
	switch frame.Event {
	case model.EventChatMessage:
		if env.Payload.Kind != model.KindChatMessage {
			c.logger.Warn().Str("kind", string(env.Payload.Kind)).Msg("chat event with unexpected payload")
			return
		}
		if c.cb.OnChatMessage != nil {
			c.cb.OnChatMessage(env.SenderID, env.Payload.Message)
		}
	case model.EventUserJoined:
		if env.Payload.Kind != model.KindUser {
			c.logger.Warn().Str("kind", string(env.Payload.Kind)).Msg("join event with unexpected payload")
			return
		}
		if c.cb.OnUserJoined != nil {
			c.cb.OnUserJoined(env.Payload.User)
		}
	case model.EventUserLeft:
		if env.Payload.Kind != model.KindUser {
			c.logger.Warn().Str("kind", string(env.Payload.Kind)).Msg("leave event with unexpected payload")
			return
		}
		if c.cb.OnUserLeft != nil {
			c.cb.OnUserLeft(env.Payload.User)
		}
	case model.EventUsersUpdated:
		if env.Payload.Kind != model.KindUsersUpdated {
			c.logger.Warn().Str("kind", string(env.Payload.Kind)).Msg("roster event with unexpected payload")
			return
		}
		if c.cb.OnUsersUpdated != nil {
			c.cb.OnUsersUpdated(env.Payload.Users)
		}
	case model.EventUserInfoUpdated:
		if env.Payload.Kind != model.KindUser {
			c.logger.Warn().Str("kind", string(env.Payload.Kind)).Msg("info event with unexpected payload")
			return
		}
		if c.cb.OnUserInfoUpdated != nil {
			c.cb.OnUserInfoUpdated(env.Payload.User)
		}
	default:
		c.logger.Warn().Str("event", frame.Event).Msg("unknown event frame")
	}
}
