package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/model"
	"github.com/adwski/proximity-chat/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultCallbackTimeout = time.Second
)

var (
	ErrEmptyPeerID    = errors.New("peer id must not be empty")
	ErrCallbackFailed = errors.New("callback delivery failed")
)

// PeerStore is the registry's directory of connected peers. Each single
// operation must be atomic with respect to the directory's consistency.
type PeerStore interface {
	Register(rec model.PeerRecord) bool
	Unregister(id string) (model.PeerRecord, bool)
	Lookup(id string) (model.PeerRecord, bool)
	Snapshot() []model.PeerRecord
	Len() int
}

// Service is the authoritative peer registry. It owns registration,
// unregistration, direct-message relay and broadcast fan-out over the
// live callback channel.
//
// A failed delivery to any peer's callback marks that peer disconnected:
// it is removed from the directory and announced as left, and the
// broadcast continues to the remaining peers.
type Service struct {
	logger            zerolog.Logger
	store             PeerStore
	metrics           *Metrics
	callbackTimeout   time.Duration
	shutdownWhenEmpty bool

	done     chan struct{}
	downOnce sync.Once
}

type Config struct {
	Logger            *zerolog.Logger
	Store             PeerStore
	Metrics           *Metrics
	CallbackTimeout   time.Duration
	ShutdownWhenEmpty bool
}

func NewService(cfg Config) *Service {
	store := cfg.Store
	if store == nil {
		store = memory.NewMemStore()
	}
	timeout := cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	return &Service{
		logger:            cfg.Logger.With().Str("component", "registry").Logger(),
		store:             store,
		metrics:           cfg.Metrics,
		callbackTimeout:   timeout,
		shutdownWhenEmpty: cfg.ShutdownWhenEmpty,
		done:              make(chan struct{}),
	}
}

// Done is closed once the registry has self-terminated after its last
// client left. Only fires when the shutdown-when-empty policy is enabled.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Register adds a peer to the directory and announces it. A duplicate id
// is silently ignored: the first registration wins and the original
// callback stays in place. If the welcome notification to the new peer
// fails, the registration is rolled back rather than left half-done.
func (s *Service) Register(peer model.Peer, wire model.Wire) error {
	if peer.ID == "" {
		return ErrEmptyPeerID
	}
	rec := model.PeerRecord{Peer: peer, Wire: wire}
	if !s.store.Register(rec) {
		s.logger.Debug().Str("peer", peer.ID).Msg("duplicate registration ignored")
		return nil
	}
	s.metrics.recordRegistration()
	s.metrics.setPeers(s.store.Len())
	s.logger.Info().Str("peer", peer.ID).Msg("peer registered")

	welcome := model.Frame{
		Event: model.EventUserJoined,
		Envelope: model.Envelope{
			SenderID:      peer.ID,
			DestinationID: peer.ID,
			Payload:       model.UserPayload(peer),
		},
	}
	if !s.deliver(rec, welcome) {
		s.store.Unregister(peer.ID)
		s.metrics.setPeers(s.store.Len())
		s.logger.Warn().Str("peer", peer.ID).Msg("welcome delivery failed, registration rolled back")
		return ErrCallbackFailed
	}

	joined := model.Frame{
		Event:    model.EventUserJoined,
		Envelope: model.Envelope{SenderID: peer.ID, Payload: model.UserPayload(peer)},
	}
	dead := s.fanOut(joined, peer.ID)
	dead = append(dead, s.fanOut(s.rosterFrame(), "")...)
	s.evict(dead)
	return nil
}

// Unregister removes a peer and announces its departure to the remaining
// peers. Unknown ids are a no-op. When the last peer leaves and the
// shutdown-when-empty policy is set, the registry terminates itself.
func (s *Service) Unregister(id string) {
	if id == "" {
		return
	}
	rec, ok := s.store.Unregister(id)
	if !ok {
		return
	}
	s.metrics.setPeers(s.store.Len())
	s.logger.Info().Str("peer", id).Msg("peer unregistered")

	left := model.Frame{
		Event:    model.EventUserLeft,
		Envelope: model.Envelope{SenderID: id, Payload: model.UserPayload(rec.Peer)},
	}
	dead := s.fanOut(left, "")
	dead = append(dead, s.fanOut(s.rosterFrame(), "")...)
	s.evict(dead)
	s.maybeShutdown()
}

// Disconnect handles a transport-detected failure: the peer is
// unregistered only if it is still bound to the given wire, so a closing
// duplicate connection cannot tear down the original registration.
func (s *Service) Disconnect(id string, wire model.Wire) {
	rec, ok := s.store.Lookup(id)
	if !ok || rec.Wire.TX != wire.TX {
		return
	}
	s.Unregister(id)
}

// SendChatMessage relays a direct message to the destination's callback.
// Unknown destinations are dropped: this channel is best-effort only, the
// durable relay covers guaranteed delivery.
func (s *Service) SendChatMessage(env model.Envelope) {
	rec, ok := s.store.Lookup(env.DestinationID)
	if !ok {
		s.logger.Debug().
			Str("dst", env.DestinationID).
			Str("src", env.SenderID).
			Msg("cannot relay, dst not registered")
		return
	}
	frame := model.Frame{Event: model.EventChatMessage, Envelope: env}
	if !s.deliver(rec, frame) {
		s.evict([]model.PeerRecord{rec})
	}
}

// UpdateUserInfo re-broadcasts an updated peer value to every peer except
// the one it originated from.
func (s *Service) UpdateUserInfo(id string, env model.Envelope) {
	frame := model.Frame{Event: model.EventUserInfoUpdated, Envelope: env}
	s.evict(s.fanOut(frame, id))
}

// Peers returns the current full peer list.
func (s *Service) Peers() []model.Peer {
	recs := s.store.Snapshot()
	peers := make([]model.Peer, 0, len(recs))
	for _, rec := range recs {
		peers = append(peers, rec.Peer)
	}
	return peers
}

func (s *Service) rosterFrame() model.Frame {
	return model.Frame{
		Event:    model.EventUsersUpdated,
		Envelope: model.Envelope{Payload: model.UsersUpdatedPayload(s.Peers())},
	}
}

// fanOut pushes a frame to every registered peer except excludeID and
// returns the records whose delivery failed. One bad callback never
// aborts delivery to the others.
func (s *Service) fanOut(frame model.Frame, excludeID string) []model.PeerRecord {
	var dead []model.PeerRecord
	for _, rec := range s.store.Snapshot() {
		if rec.Peer.ID == excludeID {
			continue
		}
		if !s.deliver(rec, frame) {
			dead = append(dead, rec)
		}
	}
	return dead
}

// deliver pushes one frame into a peer's wire, bounded by the callback
// timeout so an unresponsive peer cannot hang a broadcast.
func (s *Service) deliver(rec model.PeerRecord, frame model.Frame) bool {
	start := time.Now()
	tCh := time.NewTimer(s.callbackTimeout)
	defer tCh.Stop()
	select {
	case rec.Wire.TX <- frame:
		s.metrics.observeDelivery(frame.Event, start, true)
		return true
	case <-tCh.C:
		s.logger.Warn().
			Str("peer", rec.Peer.ID).
			Str("event", frame.Event).
			Msg("dead callback endpoint")
		s.metrics.observeDelivery(frame.Event, start, false)
		return false
	}
}

// evict removes peers whose callbacks failed and announces each removal.
// Announcing can surface further dead endpoints, so it keeps going until
// the directory is stable.
func (s *Service) evict(dead []model.PeerRecord) {
	for len(dead) > 0 {
		rec := dead[0]
		dead = dead[1:]
		if _, ok := s.store.Unregister(rec.Peer.ID); !ok {
			continue
		}
		s.metrics.recordEviction()
		s.metrics.setPeers(s.store.Len())
		s.logger.Warn().Str("peer", rec.Peer.ID).Msg("peer evicted, assuming disconnected")

		left := model.Frame{
			Event:    model.EventUserLeft,
			Envelope: model.Envelope{SenderID: rec.Peer.ID, Payload: model.UserPayload(rec.Peer)},
		}
		dead = append(dead, s.fanOut(left, "")...)
		dead = append(dead, s.fanOut(s.rosterFrame(), "")...)
	}
	s.maybeShutdown()
}

func (s *Service) maybeShutdown() {
	if !s.shutdownWhenEmpty || s.store.Len() > 0 {
		return
	}
	s.downOnce.Do(func() {
		s.logger.Info().Msg("last peer left, registry shutting down")
		close(s.done)
	})
}
