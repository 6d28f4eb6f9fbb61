package registry

import (
	"testing"
	"time"

	"github.com/adwski/proximity-chat/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

func newTestService(t *testing.T, shutdownWhenEmpty bool) *Service {
	t.Helper()
	logger := zerolog.Nop()
	return NewService(Config{
		Logger:            &logger,
		CallbackTimeout:   50 * time.Millisecond,
		ShutdownWhenEmpty: shutdownWhenEmpty,
	})
}

func bufWire(n int) model.Wire {
	return model.Wire{TX: make(chan model.Frame, n)}
}

func drain(w model.Wire) []model.Frame {
	var out []model.Frame
	for {
		select {
		case frame := <-w.TX:
			out = append(out, frame)
		default:
			return out
		}
	}
}

func countEvents(frames []model.Frame, event string) int {
	var n int
	for _, frame := range frames {
		if frame.Event == event {
			n++
		}
	}
	return n
}

func TestRegisterAnnounces(t *testing.T) {
	svc := newTestService(t, false)
	wireA, wireB := bufWire(16), bufWire(16)

	if err := svc.Register(model.Peer{ID: "alice"}, wireA); err != nil {
		t.Fatalf("register alice failed: %v", err)
	}
	got := drain(wireA)
	if len(got) != 2 {
		t.Fatalf("expected welcome and roster, got %s", spew.Sdump(got))
	}
	if got[0].Event != model.EventUserJoined || got[0].Envelope.DestinationID != "alice" {
		t.Fatalf("expected welcome addressed to alice, got %s", spew.Sdump(got[0]))
	}
	if got[1].Event != model.EventUsersUpdated || len(got[1].Envelope.Payload.Users) != 1 {
		t.Fatalf("expected roster with one peer, got %s", spew.Sdump(got[1]))
	}

	if err := svc.Register(model.Peer{ID: "bob"}, wireB); err != nil {
		t.Fatalf("register bob failed: %v", err)
	}
	got = drain(wireA)
	if len(got) != 2 {
		t.Fatalf("expected joined and roster for alice, got %s", spew.Sdump(got))
	}
	if got[0].Event != model.EventUserJoined || got[0].Envelope.Payload.User.ID != "bob" {
		t.Fatalf("expected bob's join, got %s", spew.Sdump(got[0]))
	}
	if got[1].Event != model.EventUsersUpdated || len(got[1].Envelope.Payload.Users) != 2 {
		t.Fatalf("expected roster with two peers, got %s", spew.Sdump(got[1]))
	}

	got = drain(wireB)
	if len(got) != 2 || got[0].Event != model.EventUserJoined || got[1].Event != model.EventUsersUpdated {
		t.Fatalf("expected welcome and roster for bob, got %s", spew.Sdump(got))
	}
	if countEvents(got, model.EventUserJoined) != 1 {
		t.Fatal("the new peer must not see its own broadcast join on top of the welcome")
	}
}

func TestRegisterEmptyID(t *testing.T) {
	svc := newTestService(t, false)
	if err := svc.Register(model.Peer{}, bufWire(1)); err != ErrEmptyPeerID {
		t.Fatalf("expected ErrEmptyPeerID, got %v", err)
	}
}

func TestRegisterDuplicateKeepsOriginal(t *testing.T) {
	svc := newTestService(t, false)
	wire1, wire2 := bufWire(16), bufWire(16)

	if err := svc.Register(model.Peer{ID: "alice", PosX: 1}, wire1); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	drain(wire1)

	if err := svc.Register(model.Peer{ID: "alice", PosX: 99}, wire2); err != nil {
		t.Fatalf("duplicate registration must be a silent no-op, got %v", err)
	}
	if frames := drain(wire2); len(frames) != 0 {
		t.Fatalf("duplicate wire must receive nothing, got %s", spew.Sdump(frames))
	}

	svc.SendChatMessage(model.Envelope{
		SenderID:      "bob",
		DestinationID: "alice",
		Payload:       model.ChatPayload("hi"),
	})
	if frames := drain(wire1); countEvents(frames, model.EventChatMessage) != 1 {
		t.Fatalf("message must reach the original wire, got %s", spew.Sdump(frames))
	}
	if frames := drain(wire2); len(frames) != 0 {
		t.Fatalf("message must not reach the duplicate wire, got %s", spew.Sdump(frames))
	}

	peers := svc.Peers()
	if len(peers) != 1 || peers[0].PosX != 1 {
		t.Fatalf("first registration must win, got %s", spew.Sdump(peers))
	}
}

func TestRegisterWelcomeRollback(t *testing.T) {
	svc := newTestService(t, false)

	// no consumer and no buffer, so the welcome times out
	if err := svc.Register(model.Peer{ID: "alice"}, model.NewWire()); err != ErrCallbackFailed {
		t.Fatalf("expected ErrCallbackFailed, got %v", err)
	}
	if len(svc.Peers()) != 0 {
		t.Fatal("failed registration must be rolled back")
	}
}

func TestUnregisterAnnounces(t *testing.T) {
	svc := newTestService(t, false)
	wireA, wireB := bufWire(16), bufWire(16)

	if err := svc.Register(model.Peer{ID: "alice"}, wireA); err != nil {
		t.Fatalf("register alice failed: %v", err)
	}
	if err := svc.Register(model.Peer{ID: "bob"}, wireB); err != nil {
		t.Fatalf("register bob failed: %v", err)
	}
	drain(wireA)
	drain(wireB)

	svc.Unregister("alice")

	got := drain(wireB)
	if countEvents(got, model.EventUserLeft) != 1 {
		t.Fatalf("expected exactly one left event, got %s", spew.Sdump(got))
	}
	if countEvents(got, model.EventUsersUpdated) != 1 {
		t.Fatalf("expected exactly one roster event, got %s", spew.Sdump(got))
	}
	for _, frame := range got {
		if frame.Event != model.EventUsersUpdated {
			continue
		}
		users := frame.Envelope.Payload.Users
		if len(users) != 1 || users[0].ID != "bob" {
			t.Fatalf("roster must only contain bob, got %s", spew.Sdump(users))
		}
	}

	// unknown id is a no-op
	svc.Unregister("nobody")
	if frames := drain(wireB); len(frames) != 0 {
		t.Fatalf("unregistering an unknown peer must announce nothing, got %s", spew.Sdump(frames))
	}
}

func TestDisconnectOnlyMatchingWire(t *testing.T) {
	svc := newTestService(t, false)
	wire1 := bufWire(16)

	if err := svc.Register(model.Peer{ID: "alice"}, wire1); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// a closing duplicate connection must not tear down the original
	svc.Disconnect("alice", bufWire(1))
	if len(svc.Peers()) != 1 {
		t.Fatal("disconnect with a foreign wire must be ignored")
	}

	svc.Disconnect("alice", wire1)
	if len(svc.Peers()) != 0 {
		t.Fatal("disconnect with the bound wire must unregister")
	}
}

func TestDeadEndpointEviction(t *testing.T) {
	svc := newTestService(t, false)
	wireA := bufWire(64)
	wireB := bufWire(2) // room for welcome and roster only

	if err := svc.Register(model.Peer{ID: "alice"}, wireA); err != nil {
		t.Fatalf("register alice failed: %v", err)
	}
	if err := svc.Register(model.Peer{ID: "bob"}, wireB); err != nil {
		t.Fatalf("register bob failed: %v", err)
	}
	drain(wireA)

	// bob's wire is now full, so the announcements below time out on it
	if err := svc.Register(model.Peer{ID: "carol"}, bufWire(64)); err != nil {
		t.Fatalf("register carol failed: %v", err)
	}

	got := drain(wireA)
	if countEvents(got, model.EventUserLeft) != 1 {
		t.Fatalf("expected bob's eviction to be announced, got %s", spew.Sdump(got))
	}

	peers := svc.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected bob to be evicted, got %s", spew.Sdump(peers))
	}
	for _, p := range peers {
		if p.ID == "bob" {
			t.Fatal("bob must be evicted after the dead delivery")
		}
	}
}

func TestUpdateUserInfoExcludesOrigin(t *testing.T) {
	svc := newTestService(t, false)
	wireA, wireB := bufWire(16), bufWire(16)

	if err := svc.Register(model.Peer{ID: "alice"}, wireA); err != nil {
		t.Fatalf("register alice failed: %v", err)
	}
	if err := svc.Register(model.Peer{ID: "bob"}, wireB); err != nil {
		t.Fatalf("register bob failed: %v", err)
	}
	drain(wireA)
	drain(wireB)

	updated := model.Peer{ID: "alice", PosX: 45, PosY: 60, ReachRadius: 12.5, IsOnline: true}
	svc.UpdateUserInfo("alice", model.Envelope{
		SenderID: "alice",
		Payload:  model.UserPayload(updated),
	})

	got := drain(wireB)
	if countEvents(got, model.EventUserInfoUpdated) != 1 {
		t.Fatalf("expected one info update for bob, got %s", spew.Sdump(got))
	}
	if got[0].Envelope.Payload.User.PosX != 45 {
		t.Fatalf("expected updated peer value, got %s", spew.Sdump(got[0]))
	}
	if frames := drain(wireA); len(frames) != 0 {
		t.Fatalf("the origin must not receive its own update, got %s", spew.Sdump(frames))
	}
}

func TestSendChatMessageUnknownDestination(t *testing.T) {
	svc := newTestService(t, false)
	wireA := bufWire(16)

	if err := svc.Register(model.Peer{ID: "alice"}, wireA); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	drain(wireA)

	svc.SendChatMessage(model.Envelope{
		SenderID:      "alice",
		DestinationID: "ghost",
		Payload:       model.ChatPayload("anyone there?"),
	})
	if frames := drain(wireA); len(frames) != 0 {
		t.Fatalf("unknown destination must be dropped silently, got %s", spew.Sdump(frames))
	}
	if len(svc.Peers()) != 1 {
		t.Fatal("a dropped message must not affect the directory")
	}
}

func TestShutdownWhenEmpty(t *testing.T) {
	svc := newTestService(t, true)
	wireA := bufWire(16)

	if err := svc.Register(model.Peer{ID: "alice"}, wireA); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	select {
	case <-svc.Done():
		t.Fatal("registry must not shut down while peers remain")
	default:
	}

	svc.Unregister("alice")
	select {
	case <-svc.Done():
	case <-time.After(time.Second):
		t.Fatal("registry must shut down after the last peer leaves")
	}
}
