package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/client/live"
	"github.com/adwski/proximity-chat/client/relay"
	"github.com/adwski/proximity-chat/model"
	"github.com/adwski/proximity-chat/registry"
	websocketServer "github.com/adwski/proximity-chat/server/websocket"
	"github.com/rs/zerolog"
)

const (
	registryStartupTimeout = 3 * time.Second
	registryProbeInterval  = 50 * time.Millisecond
)

var (
	ErrAlreadyConnected = errors.New("session is already connected")
	ErrNotConnected     = errors.New("session is not connected")
	ErrInvalidClientID  = errors.New("client id must not be empty")
	ErrInvalidPosition  = errors.New("position must be two comma-separated numbers")
	ErrInvalidRadius    = errors.New("reach radius must be positive")
)

type (
	// LiveChannel is the registry-mediated best-effort push transport.
	LiveChannel interface {
		SendChatMessage(destinationID, body string) error
		UpdateUserInfo(peer model.Peer) error
		Close() error
	}

	// RelayChannel is the queue-based store-and-forward transport.
	RelayChannel interface {
		SendDirectMessage(destinationID, body string) error
		Close() error
	}

	liveDialFunc  func(endpoint model.ConnectionEndpoint, peer model.Peer, cb live.Callbacks) (LiveChannel, error)
	relayDialFunc func(url, userID string, handler relay.MessageHandler) (RelayChannel, error)
	startRegFunc  func(endpoint model.ConnectionEndpoint) (func(), error)

	// conversation pairs the latest known peer value with its append-only
	// message history.
	conversation struct {
		peer    model.Peer
		history []model.ChatMessage
	}

	// Manager holds the local identity, the roster of known peers with
	// their conversation histories, the currently open conversation and
	// the offline cache, and decides per outgoing message which of the
	// two transports carries it.
	//
	// Mutations arrive from local calls and from both channels'
	// asynchronous pushes; a single mutex serializes all of them.
	Manager struct {
		logger     zerolog.Logger
		rootLogger zerolog.Logger

		mx            sync.Mutex
		user          *model.Peer
		endpoint      *model.ConnectionEndpoint
		conversations map[string]*conversation
		currentID     string
		currentPeer   model.Peer
		visible       []model.ChatMessage
		offline       map[string][]string

		liveCh   LiveChannel
		relayCh  RelayChannel
		stopOwn  func()
		degraded bool

		// split out for testing
		dialLive      liveDialFunc
		dialRelay     relayDialFunc
		startRegistry startRegFunc
	}
)

func NewManager(logger *zerolog.Logger) *Manager {
	m := &Manager{
		logger:        logger.With().Str("component", "session").Logger(),
		rootLogger:    *logger,
		conversations: make(map[string]*conversation),
		offline:       make(map[string][]string),
	}
	m.dialLive = func(endpoint model.ConnectionEndpoint, peer model.Peer, cb live.Callbacks) (LiveChannel, error) {
		return live.Dial(endpoint, peer, cb, &m.rootLogger)
	}
	m.dialRelay = func(url, userID string, handler relay.MessageHandler) (RelayChannel, error) {
		return relay.Dial(url, userID, handler, &m.rootLogger)
	}
	m.startRegistry = m.startEmbeddedRegistry
	return m
}

// Connect creates the local identity and brings up both channels. The
// first client connecting to a live address also stands up the registry
// there. A broker failure is tolerated: the session then runs degraded,
// with only the live channel available.
func (m *Manager) Connect(id, brokerHost string, brokerPort int, liveHost string, livePort int) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidClientID
	}

	m.mx.Lock()
	if m.user != nil {
		m.mx.Unlock()
		return ErrAlreadyConnected
	}
	user := model.Peer{
		ID:          id,
		ReachRadius: model.DefaultReachRadius,
		IsOnline:    true,
	}
	endpoint := model.NewConnectionEndpoint(brokerHost, brokerPort, liveHost, livePort)
	m.user = &user
	m.endpoint = &endpoint
	m.mx.Unlock()

	liveCh, stopOwn, err := m.connectLive(endpoint, user)
	if err != nil {
		m.reset()
		return err
	}

	relayCh, err := m.dialRelay(endpoint.BrokerURL(), id, m.onRelayMessage)
	if err != nil {
		// degraded mode: store-and-forward unavailable
		m.logger.Warn().Err(err).Msg("relay channel unavailable, live channel only")
		relayCh = nil
	}

	m.mx.Lock()
	m.liveCh = liveCh
	m.relayCh = relayCh
	m.stopOwn = stopOwn
	m.degraded = relayCh == nil
	m.mx.Unlock()

	m.logger.Info().
		Str("peer", id).
		Str("live", endpoint.LiveAddr()).
		Str("broker", endpoint.BrokerURL()).
		Bool("degraded", relayCh == nil).
		Msg("session connected")
	return nil
}

// connectLive dials the registry, standing it up first if nothing is
// listening at the live address yet.
func (m *Manager) connectLive(endpoint model.ConnectionEndpoint, user model.Peer) (LiveChannel, func(), error) {
	liveCh, err := m.dialLive(endpoint, user, m.callbacks())
	if err == nil {
		return liveCh, nil, nil
	}

	m.logger.Debug().Err(err).Msg("no registry reachable, starting one")
	stopOwn, startErr := m.startRegistry(endpoint)
	if startErr != nil {
		return nil, nil, fmt.Errorf("start registry: %w", startErr)
	}

	liveCh, err = m.dialLive(endpoint, user, m.callbacks())
	if err != nil {
		stopOwn()
		return nil, nil, fmt.Errorf("connect to own registry: %w", err)
	}
	return liveCh, stopOwn, nil
}

func (m *Manager) startEmbeddedRegistry(endpoint model.ConnectionEndpoint) (func(), error) {
	svc := registry.NewService(registry.Config{
		Logger:            &m.rootLogger,
		ShutdownWhenEmpty: true,
	})
	srv := websocketServer.NewServer(websocketServer.Config{
		Logger:      &m.rootLogger,
		Registry:    svc,
		ListenAddr:  endpoint.LiveAddr(),
		ServiceName: endpoint.ServiceName,
	})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	errc := make(chan error, 1)
	go srv.Run(ctx, wg, errc)
	go func() {
		select {
		case <-svc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	stop := func() {
		cancel()
		wg.Wait()
	}

	// wait for the listener to come up, or for a bind failure
	deadline := time.Now().Add(registryStartupTimeout)
	for {
		select {
		case err := <-errc:
			stop()
			return nil, err
		default:
		}
		conn, err := net.DialTimeout("tcp", endpoint.LiveAddr(), registryProbeInterval)
		if err == nil {
			_ = conn.Close()
			return stop, nil
		}
		if time.Now().After(deadline) {
			stop()
			return nil, fmt.Errorf("registry did not come up at %s", endpoint.LiveAddr())
		}
		time.Sleep(registryProbeInterval)
	}
}

// ToggleOnlineStatus flips the local online flag and publishes it.
// Going online drains the offline cache through the normal incoming
// reconciliation path, in peer-id order, FIFO per sender.
func (m *Manager) ToggleOnlineStatus(isOnline bool) error {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.user == nil || m.liveCh == nil {
		return ErrNotConnected
	}
	updated := *m.user
	updated.IsOnline = isOnline
	m.user = &updated

	if err := m.liveCh.UpdateUserInfo(updated); err != nil {
		m.logger.Warn().Err(err).Msg("failed to publish online status")
	}

	if isOnline {
		ids := make([]string, 0, len(m.offline))
		for id := range m.offline {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			for _, body := range m.offline[id] {
				m.reconcileLocked(id, body)
			}
		}
		m.offline = make(map[string][]string)
	}
	return nil
}

// UpdatePosition parses an "x, y" position string and a reach radius,
// updates the local peer and publishes it. A malformed position or a
// non-positive radius is rejected with no state change.
func (m *Manager) UpdatePosition(position string, radius float64) error {
	x, y, err := parsePosition(position)
	if err != nil {
		return err
	}
	if radius <= 0 {
		return ErrInvalidRadius
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	if m.user == nil || m.liveCh == nil {
		return ErrNotConnected
	}
	updated := *m.user
	updated.PosX = x
	updated.PosY = y
	updated.ReachRadius = radius
	m.user = &updated

	if err = m.liveCh.UpdateUserInfo(updated); err != nil {
		m.logger.Warn().Err(err).Msg("failed to publish position update")
	}
	return nil
}

func parsePosition(position string) (float64, float64, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(position), " ", "")
	parts := strings.Split(clean, ",")
	if len(parts) != 2 {
		return 0, 0, ErrInvalidPosition
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidPosition, position)
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidPosition, position)
	}
	return x, y, nil
}

// OpenConversation selects a peer's conversation and exposes a snapshot
// of its history.
func (m *Manager) OpenConversation(peer model.Peer) {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.currentID = peer.ID
	m.currentPeer = peer
	if conv, ok := m.conversations[peer.ID]; ok {
		m.currentPeer = conv.peer
		m.visible = append([]model.ChatMessage(nil), conv.history...)
	} else {
		m.visible = nil
	}
}

func (m *Manager) CloseConversation() {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.currentID = ""
	m.currentPeer = model.Peer{}
	m.visible = nil
}

// SendMessage routes one outgoing message: live channel iff the
// destination is online and within reach, durable relay otherwise. The
// SELF entry is appended once the message is handed to a transport,
// regardless of that transport's later fate.
func (m *Manager) SendMessage(body string) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.user == nil || m.liveCh == nil || m.currentID == "" {
		return
	}
	// resolve the latest known value, the open reference may be stale
	conv, ok := m.conversations[m.currentID]
	if !ok {
		return
	}
	local, dst := *m.user, conv.peer

	var err error
	switch {
	case model.UseLiveTransport(local, dst):
		err = m.liveCh.SendChatMessage(dst.ID, body)
	case m.relayCh != nil:
		err = m.relayCh.SendDirectMessage(dst.ID, body)
	default:
		// degraded mode, no durable fallback available
		m.logger.Warn().Str("dst", dst.ID).Msg("relay unavailable, sending best-effort over live channel")
		err = m.liveCh.SendChatMessage(dst.ID, body)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("dst", dst.ID).Msg("transport send failed")
	}

	conv.history = append(conv.history, model.ChatMessage{
		Sender: local.ID,
		Body:   body,
		Origin: model.OriginSelf,
	})
	if m.currentID == dst.ID {
		m.visible = append([]model.ChatMessage(nil), conv.history...)
	}
}

// Disconnect clears all session state and closes both channels.
// Remote cleanup is single-attempt, best-effort.
func (m *Manager) Disconnect() {
	m.mx.Lock()
	liveCh, relayCh, stopOwn := m.liveCh, m.relayCh, m.stopOwn
	m.mx.Unlock()

	if liveCh != nil {
		_ = liveCh.Close()
	}
	if relayCh != nil {
		_ = relayCh.Close()
	}
	if stopOwn != nil {
		stopOwn()
	}
	m.reset()
	m.logger.Info().Msg("session disconnected")
}

func (m *Manager) reset() {
	m.mx.Lock()
	defer m.mx.Unlock()

	m.user = nil
	m.endpoint = nil
	m.conversations = make(map[string]*conversation)
	m.currentID = ""
	m.currentPeer = model.Peer{}
	m.visible = nil
	m.offline = make(map[string][]string)
	m.liveCh = nil
	m.relayCh = nil
	m.stopOwn = nil
	m.degraded = false
}
