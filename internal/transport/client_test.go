package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/event"
)

var upgrader = websocket.Upgrader{}

// fakeServer accepts one websocket connection at a time and exposes it.
type fakeServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	users chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conns: make(chan *websocket.Conn, 4),
		users: make(chan string, 4),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.users <- r.URL.Query().Get("userId")
		fs.conns <- conn
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection within 3s")
		return nil
	}
}

func waitFor(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event within 3s", kind)
		}
	}
}

func TestInboundFramesPublished(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("", 16)
	defer unsub()

	c := New(fs.url(), b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, "u1")
	defer c.Stop()

	conn := fs.accept(t)
	defer conn.Close()
	waitFor(t, ch, KindConnected)

	if got := <-fs.users; got != "u1" {
		t.Errorf("userId query = %q, want u1", got)
	}

	err := conn.WriteJSON(map[string]any{
		"event": "newMessage",
		"data":  map[string]any{"_id": "m1", "conversationId": "c1", "sender": "u2", "text": "hi"},
	})
	if err != nil {
		t.Fatal(err)
	}

	evt := waitFor(t, ch, "push.new_message")
	parsed, ok := evt.Payload.(*event.Event)
	if !ok {
		t.Fatalf("payload type = %T", evt.Payload)
	}
	if parsed.Message == nil || parsed.Message.ID != "m1" || parsed.Message.Sender != "u2" {
		t.Errorf("message = %+v", parsed.Message)
	}
}

func TestUnknownEventSkipped(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("push.", 16)
	defer unsub()

	c := New(fs.url(), b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, "u1")
	defer c.Stop()

	conn := fs.accept(t)
	defer conn.Close()

	_ = conn.WriteJSON(map[string]any{"event": "somethingNew", "data": map[string]any{}})
	_ = conn.WriteJSON(map[string]any{"event": "callEnded"})

	// The unknown frame must not block delivery of the next one.
	evt := waitFor(t, ch, "push.call_ended")
	if evt.Payload.(*event.Event).Type != event.TypeCallEnded {
		t.Errorf("payload = %+v", evt.Payload)
	}
}

func TestEmitWritesNamedFrame(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 4)
	defer unsub()

	c := New(fs.url(), b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, "u1")
	defer c.Stop()

	conn := fs.accept(t)
	defer conn.Close()
	waitFor(t, ch, KindConnected)

	if err := c.Emit("joinConversationRoom", map[string]string{"conversationId": "c1"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	var f struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Event != "joinConversationRoom" {
		t.Errorf("event = %q", f.Event)
	}
	var payload map[string]string
	_ = json.Unmarshal(f.Data, &payload)
	if payload["conversationId"] != "c1" {
		t.Errorf("data = %s", f.Data)
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	c := New("ws://127.0.0.1:1/socket", bus.New(), zap.NewNop())
	if err := c.Emit("endCall", nil); err != ErrNotConnected {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 16)
	defer unsub()

	c := New(fs.url(), b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, "u1")
	defer c.Stop()

	first := fs.accept(t)
	waitFor(t, ch, KindConnected)

	first.Close()
	waitFor(t, ch, KindDisconnected)

	second := fs.accept(t)
	defer second.Close()
	waitFor(t, ch, KindConnected)

	if !c.Connected() {
		t.Error("Connected() = false after reconnect")
	}
}
