package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/proximity-chat/model"
	"github.com/adwski/proximity-chat/registry"
	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestRig(t *testing.T) (*registry.Service, string) {
	t.Helper()
	logger := zerolog.Nop()
	svc := registry.NewService(registry.Config{
		Logger:          &logger,
		CallbackTimeout: 100 * time.Millisecond,
	})
	srv := NewServer(Config{
		Logger:   &logger,
		Registry: svc,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return svc, strings.Replace(ts.URL, "http://", "ws://", 1) + "/" + model.DefaultServiceName
}

func dialPeer(t *testing.T, url string, peer model.Peer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	err = conn.WriteJSON(model.Frame{
		Event: model.OpRegister,
		Envelope: model.Envelope{
			SenderID: peer.ID,
			Payload:  model.UserPayload(peer),
		},
	})
	if err != nil {
		t.Fatalf("failed to send register frame: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) model.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var frame model.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return frame
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) model.Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Event == event {
			return frame
		}
	}
	t.Fatalf("no %s frame within 10 reads", event)
	return model.Frame{}
}

func TestRegisterHandshake(t *testing.T) {
	_, url := newTestRig(t)

	conn := dialPeer(t, url, model.Peer{ID: "alice", ReachRadius: 1, IsOnline: true})

	welcome := readFrame(t, conn)
	if welcome.Event != model.EventUserJoined {
		t.Fatalf("expected welcome join, got %s", spew.Sdump(welcome))
	}
	if welcome.Envelope.DestinationID != "alice" || welcome.Envelope.Payload.User.ID != "alice" {
		t.Fatalf("welcome must carry the registering peer, got %s", spew.Sdump(welcome))
	}

	roster := readFrame(t, conn)
	if roster.Event != model.EventUsersUpdated || len(roster.Envelope.Payload.Users) != 1 {
		t.Fatalf("expected initial roster, got %s", spew.Sdump(roster))
	}
}

func TestChatRelaySenderIdentity(t *testing.T) {
	_, url := newTestRig(t)

	alice := dialPeer(t, url, model.Peer{ID: "alice", ReachRadius: 1, IsOnline: true})
	bob := dialPeer(t, url, model.Peer{ID: "bob", ReachRadius: 1, IsOnline: true})

	readUntil(t, alice, model.EventUsersUpdated)
	readUntil(t, bob, model.EventUsersUpdated)

	// a forged sender id must be overwritten with the session identity
	err := bob.WriteJSON(model.Frame{
		Event: model.OpSendChat,
		Envelope: model.Envelope{
			SenderID:      "mallory",
			DestinationID: "alice",
			Payload:       model.ChatPayload("hello alice"),
		},
	})
	if err != nil {
		t.Fatalf("failed to send chat frame: %v", err)
	}

	frame := readUntil(t, alice, model.EventChatMessage)
	if frame.Envelope.SenderID != "bob" {
		t.Fatalf("expected session-asserted sender bob, got %s", spew.Sdump(frame.Envelope))
	}
	if frame.Envelope.Payload.Message != "hello alice" {
		t.Fatalf("unexpected message %s", spew.Sdump(frame.Envelope.Payload))
	}
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	_, url := newTestRig(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	err = conn.WriteJSON(model.Frame{
		Event:    model.OpSendChat,
		Envelope: model.Envelope{DestinationID: "alice", Payload: model.ChatPayload("premature")},
	})
	if err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	if err = conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	if _, _, err = conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close a session without registration")
	}
}

func TestUnregisterOperation(t *testing.T) {
	svc, url := newTestRig(t)

	alice := dialPeer(t, url, model.Peer{ID: "alice", ReachRadius: 1, IsOnline: true})
	bob := dialPeer(t, url, model.Peer{ID: "bob", ReachRadius: 1, IsOnline: true})
	readUntil(t, alice, model.EventUsersUpdated)
	readUntil(t, bob, model.EventUsersUpdated)

	err := bob.WriteJSON(model.Frame{Event: model.OpUnregister})
	if err != nil {
		t.Fatalf("failed to send unregister frame: %v", err)
	}

	left := readUntil(t, alice, model.EventUserLeft)
	if left.Envelope.Payload.User.ID != "bob" {
		t.Fatalf("expected bob's departure, got %s", spew.Sdump(left))
	}
	roster := readUntil(t, alice, model.EventUsersUpdated)
	if len(roster.Envelope.Payload.Users) != 1 || roster.Envelope.Payload.Users[0].ID != "alice" {
		t.Fatalf("expected roster with alice only, got %s", spew.Sdump(roster))
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(svc.Peers()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one registered peer, got %s", spew.Sdump(svc.Peers()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
