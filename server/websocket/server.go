package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/proximity-chat/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 65536
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultRegisterDeadline            = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// Registry is the server-side peer directory the websocket transport
	// feeds into.
	Registry interface {
		Register(peer model.Peer, wire model.Wire) error
		Unregister(id string)
		Disconnect(id string, wire model.Wire)
		SendChatMessage(env model.Envelope)
		UpdateUserInfo(id string, env model.Envelope)
	}

	Config struct {
		Logger      *zerolog.Logger
		Registry    Registry
		ListenAddr  string
		ServiceName string
	}

	// Server terminates client websocket connections and bridges them to
	// the registry: inbound frames become registry operations, the
	// connection's wire carries registry events back out.
	Server struct {
		svc Registry
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.Registry,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = model.DefaultServiceName
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/"+serviceName, srv.serve)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// serve upgrades the connection and performs the registration handshake:
// the first frame must be a register operation carrying the client's peer
// record.
func (srv *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	peer, ok := srv.readRegisterFrame(conn)
	if !ok {
		webSocketCloser(conn, &srv.logger)
		return
	}

	wire := model.NewWire()
	ctx, cancel := context.WithCancel(context.Background())

	logger := srv.logger.With().Str("peer", peer.ID).Logger()

	// Drain the wire before registering so the welcome notification
	// has a consumer.
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	if err = srv.svc.Register(peer, wire); err != nil {
		logger.Error().Err(err).Msg("registration failed")
		cancel()
		wg.Wait()
		webSocketCloser(conn, &logger)
		return
	}
	logger.Debug().Msg("client session created")

	go srv.handleSession(ctx, cancel, wg, conn, peer, wire)
}

func (srv *Server) readRegisterFrame(conn *websocket.Conn) (model.Peer, bool) {
	var none model.Peer
	if err := conn.SetReadDeadline(time.Now().Add(defaultRegisterDeadline)); err != nil {
		srv.logger.Error().Err(err).Msg("failed to set register read deadline")
		return none, false
	}

	var frame model.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		srv.logger.Warn().Err(err).Msg("failed to read register frame")
		return none, false
	}
	if frame.Event != model.OpRegister || frame.Envelope.Payload.Kind != model.KindUser {
		srv.logger.Warn().Str("event", frame.Event).Msg("first frame must be register with user payload")
		return none, false
	}
	peer := frame.Envelope.Payload.User
	if peer.ID == "" {
		srv.logger.Warn().Msg("register frame without peer id")
		return none, false
	}
	return peer, true
}

func (srv *Server) handleSession(
	ctx context.Context,
	cancel context.CancelFunc,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	peer model.Peer,
	wire model.Wire,
) {
	logger := srv.logger.With().Str("peer", peer.ID).Logger()

	wg.Add(1)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, peer)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.svc.Disconnect(peer.ID, wire)
	logger.Debug().Msg("client session ended")
}

// webSocketReceiver routes inbound operation frames to the registry.
func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	peer model.Peer,
) {
	defer wg.Done()

	logger := srv.logger.With().Str("peer", peer.ID).Logger()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var frame model.Frame
			if wsErr = json.Unmarshal(msg, &frame); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming frame")
				continue
			}
			srv.routeFrame(peer, frame, &logger)
		}
	}
}

func (srv *Server) routeFrame(peer model.Peer, frame model.Frame, logger *zerolog.Logger) {
	switch frame.Event {
	case model.OpSendChat:
		env := frame.Envelope
		// sender identity comes from the session, not from the frame
		env.SenderID = peer.ID
		srv.svc.SendChatMessage(env)
	case model.OpUpdateUserInfo:
		srv.svc.UpdateUserInfo(peer.ID, frame.Envelope)
	case model.OpUnregister:
		srv.svc.Unregister(peer.ID)
	case model.OpRegister:
		logger.Warn().Msg("registration already completed, frame ignored")
	default:
		logger.Warn().Str("event", frame.Event).Msg("unknown operation frame")
	}
}

// webSocketSender drains the wire into the connection and keeps the
// client alive with pings.
func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Frame,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case frame, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&frame)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing frame")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
