package ws

import (
	"testing"

	"go.uber.org/zap"
)

func newHubClient(user string) *client {
	return &client{user: user, send: make(chan Message, sendBuffer)}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(zap.NewNop())
	a := newHubClient("alice")
	b := newHubClient("bob")
	h.register(a)
	h.register(b)

	h.Broadcast(Message{Type: MessageDeviceTransition, DeviceID: "dev-1"})

	for _, c := range []*client{a, b} {
		select {
		case msg := <-c.send:
			if msg.DeviceID != "dev-1" {
				t.Fatalf("message = %+v", msg)
			}
		default:
			t.Fatalf("client %s did not receive the broadcast", c.user)
		}
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := newHubClient("alice")
	h.register(c)
	if h.ClientCount() != 1 {
		t.Fatalf("clients = %d", h.ClientCount())
	}

	h.unregister(c)
	if h.ClientCount() != 0 {
		t.Fatalf("clients = %d after unregister", h.ClientCount())
	}
	if _, ok := <-c.send; ok {
		t.Fatal("send channel must be closed")
	}

	// A second unregister is a no-op, not a double close.
	h.unregister(c)
}

func TestHubDropsOnFullBuffer(t *testing.T) {
	h := NewHub(zap.NewNop())
	c := &client{user: "slow", send: make(chan Message, 1)}
	h.register(c)

	h.Broadcast(Message{DeviceID: "dev-1"})
	h.Broadcast(Message{DeviceID: "dev-2"})

	// Only the first fits; the broadcast must not block.
	msg := <-c.send
	if msg.DeviceID != "dev-1" {
		t.Fatalf("message = %+v", msg)
	}
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected second message %+v", msg)
	default:
	}
}

func TestHubBroadcastToNobody(t *testing.T) {
	h := NewHub(zap.NewNop())
	h.Broadcast(Message{DeviceID: "dev-1"})
}
