package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/event"
)

type fakeRTC struct {
	mu        sync.Mutex
	calls     []string
	loginErr  error
	streamErr error
}

func (f *fakeRTC) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeRTC) RequestPermission(ctx context.Context, callType string) error {
	f.record("permission:" + callType)
	return nil
}

func (f *fakeRTC) Login(ctx context.Context, token, roomID, userID string) error {
	f.record("login:" + roomID)
	return f.loginErr
}

func (f *fakeRTC) CreateStream(ctx context.Context, callType string) (string, error) {
	f.record("create")
	if f.streamErr != nil {
		return "", f.streamErr
	}
	return "stream-local", nil
}

func (f *fakeRTC) Publish(ctx context.Context, streamID string) error {
	f.record("publish:" + streamID)
	return nil
}

func (f *fakeRTC) Play(ctx context.Context, streamID string) error {
	f.record("play:" + streamID)
	return nil
}

func (f *fakeRTC) StopPublishing(ctx context.Context) { f.record("stop_publish") }
func (f *fakeRTC) StopPlaying(ctx context.Context)    { f.record("stop_play") }
func (f *fakeRTC) Logout(ctx context.Context)         { f.record("logout") }

func (f *fakeRTC) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRTC) count(name string) int {
	n := 0
	for _, c := range f.recorded() {
		if c == name {
			n++
		}
	}
	return n
}

type fakeTokens struct {
	err error
}

func (f fakeTokens) CallToken(ctx context.Context, roomID, userID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "tok-" + roomID, nil
}

type fakeSignaler struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (f *fakeSignaler) Emit(name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, name)
	return f.err
}

func (f *fakeSignaler) emitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func newCoordinator(t *testing.T) (*Coordinator, *fakeRTC, *fakeSignaler, *bus.Bus) {
	t.Helper()
	rtc := &fakeRTC{}
	em := &fakeSignaler{}
	b := bus.New()
	c := NewCoordinator("me", rtc, fakeTokens{}, em, b, zap.NewNop())
	return c, rtc, em, b
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", desc)
}

func TestRoomIDOrderIndependent(t *testing.T) {
	if RoomID("a", "b") != RoomID("b", "a") {
		t.Error("room id depends on dial direction")
	}
	if RoomID("u1", "u2") != "u1_u2" {
		t.Errorf("RoomID = %q", RoomID("u1", "u2"))
	}
}

func TestStartCallFromIdle(t *testing.T) {
	c, rtc, em, _ := newCoordinator(t)

	if err := c.StartCall(context.Background(), "u2", "Bea", "video"); err != nil {
		t.Fatal(err)
	}

	snap := c.Current()
	if snap.State != StateCalling || snap.RoomID != "me_u2" || snap.Peer.UserID != "u2" {
		t.Errorf("snapshot = %+v", snap)
	}
	// The local stream is publishing before the invite goes out.
	if rtc.count("permission:video") != 1 || rtc.count("login:me_u2") != 1 || rtc.count("publish:stream-local") != 1 {
		t.Errorf("rtc calls = %v", rtc.recorded())
	}
	if got := em.emitted(); len(got) != 1 || got[0] != "callUser" {
		t.Errorf("emitted = %v", got)
	}

	if err := c.StartCall(context.Background(), "u3", "", "audio"); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartCall error = %v, want ErrBusy", err)
	}
}

func TestStartCallTokenFailureStaysIdle(t *testing.T) {
	rtc := &fakeRTC{}
	em := &fakeSignaler{}
	c := NewCoordinator("me", rtc, fakeTokens{err: errors.New("token service down")}, em, bus.New(), zap.NewNop())

	if err := c.StartCall(context.Background(), "u2", "Bea", "audio"); err == nil {
		t.Fatal("StartCall succeeded with no token")
	}
	if c.Current().State != StateIdle {
		t.Errorf("state = %s, want idle", c.Current().State)
	}
	if got := em.emitted(); len(got) != 0 {
		t.Errorf("peer was rung despite failed pre-flight: %v", got)
	}
}

func TestStartCallMediaFailureDoesNotRing(t *testing.T) {
	c, rtc, em, _ := newCoordinator(t)
	rtc.loginErr = errors.New("sdk login refused")

	if err := c.StartCall(context.Background(), "u2", "Bea", "audio"); err == nil {
		t.Fatal("StartCall succeeded with media down")
	}
	if c.Current().State != StateIdle {
		t.Errorf("state = %s, want idle", c.Current().State)
	}
	if got := em.emitted(); len(got) != 0 {
		t.Errorf("peer was rung despite failed pre-flight: %v", got)
	}
}

func TestCallerMediaUpBeforeAnswer(t *testing.T) {
	c, rtc, _, b := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	if err := c.StartCall(ctx, "u2", "Bea", "audio"); err != nil {
		t.Fatal(err)
	}
	if rtc.count("login:me_u2") != 1 || rtc.count("publish:stream-local") != 1 {
		t.Errorf("media not up while dialing: %v", rtc.recorded())
	}

	b.Publish(bus.Event{Kind: "push.call_accepted", Payload: &event.Event{Type: event.TypeCallAccepted}})

	eventually(t, "caller reaches accepted", func() bool {
		return c.Current().State == StateAccepted
	})
	if rtc.count("login:me_u2") != 1 {
		t.Errorf("answer re-ran the room login: %v", rtc.recorded())
	}
	if rtc.count("play:me_u2_u2") == 0 {
		t.Errorf("remote stream not played: %v", rtc.recorded())
	}
}

func TestCallerHangupWhileRingingTearsDown(t *testing.T) {
	c, rtc, em, _ := newCoordinator(t)
	ctx := context.Background()

	if err := c.StartCall(ctx, "u2", "Bea", "audio"); err != nil {
		t.Fatal(err)
	}
	c.End(ctx)

	if c.Current().State != StateIdle {
		t.Errorf("state = %s, want idle", c.Current().State)
	}
	if rtc.count("logout") != 1 {
		t.Errorf("media not torn down: %v", rtc.recorded())
	}
	ends := 0
	for _, name := range em.emitted() {
		if name == "endCall" {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("endCall emitted %d times, want 1", ends)
	}
}

func TestIncomingAcceptFlow(t *testing.T) {
	c, rtc, em, b := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	b.Publish(bus.Event{Kind: "push.incoming_call", Payload: &event.Event{
		Type: event.TypeIncomingCall,
		Call: &event.CallSignal{From: "u2", Name: "Bea", CallType: "video", RoomID: "me_u2"},
	}})

	eventually(t, "ringing", func() bool { return c.Current().State == StateReceiving })

	if err := c.Accept(ctx); err != nil {
		t.Fatal(err)
	}

	snap := c.Current()
	if snap.State != StateAccepted {
		t.Errorf("state = %s", snap.State)
	}
	found := false
	for _, name := range em.emitted() {
		if name == "answerCall" {
			found = true
		}
	}
	if !found {
		t.Errorf("answerCall not emitted: %v", em.emitted())
	}
	if rtc.count("play:me_u2_u2") != 1 {
		t.Errorf("remote stream not played: %v", rtc.recorded())
	}
}

func TestRingTimeoutRevertsToIdle(t *testing.T) {
	c, _, em, b := newCoordinator(t)
	c.ringTimeout = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	b.Publish(bus.Event{Kind: "push.incoming_call", Payload: &event.Event{
		Type: event.TypeIncomingCall,
		Call: &event.CallSignal{From: "u2", RoomID: "me_u2"},
	}})

	eventually(t, "ringing", func() bool { return c.Current().State == StateReceiving })
	eventually(t, "ring timeout reverts", func() bool { return c.Current().State == StateIdle })

	for _, name := range em.emitted() {
		if name == "endCall" || name == "callRejected" {
			t.Errorf("timeout should not signal the peer, emitted %v", em.emitted())
		}
	}
}

func TestRejectSignalsCaller(t *testing.T) {
	c, _, em, b := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	b.Publish(bus.Event{Kind: "push.incoming_call", Payload: &event.Event{
		Type: event.TypeIncomingCall,
		Call: &event.CallSignal{From: "u2", RoomID: "me_u2"},
	}})
	eventually(t, "ringing", func() bool { return c.Current().State == StateReceiving })

	if err := c.Reject(); err != nil {
		t.Fatal(err)
	}
	if c.Current().State != StateIdle {
		t.Errorf("state = %s", c.Current().State)
	}
	if got := em.emitted(); len(got) != 1 || got[0] != "callRejected" {
		t.Errorf("emitted = %v", got)
	}

	if err := c.Reject(); !errors.Is(err, ErrBadState) {
		t.Errorf("Reject() while idle error = %v, want ErrBadState", err)
	}
}

func TestLocalEndTearsDownOnce(t *testing.T) {
	c, rtc, em, b := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	b.Publish(bus.Event{Kind: "push.incoming_call", Payload: &event.Event{
		Type: event.TypeIncomingCall,
		Call: &event.CallSignal{From: "u2", RoomID: "me_u2"},
	}})
	eventually(t, "ringing", func() bool { return c.Current().State == StateReceiving })
	if err := c.Accept(ctx); err != nil {
		t.Fatal(err)
	}

	c.End(ctx)
	c.End(ctx) // second hangup is a no-op

	if c.Current().State != StateIdle {
		t.Errorf("state = %s", c.Current().State)
	}
	if rtc.count("logout") != 1 {
		t.Errorf("logout count = %d, want 1", rtc.count("logout"))
	}
	ends := 0
	for _, name := range em.emitted() {
		if name == "endCall" {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("endCall emitted %d times, want 1", ends)
	}
}

func TestRemoteEndDoesNotSignalBack(t *testing.T) {
	c, rtc, em, b := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	b.Publish(bus.Event{Kind: "push.incoming_call", Payload: &event.Event{
		Type: event.TypeIncomingCall,
		Call: &event.CallSignal{From: "u2", RoomID: "me_u2"},
	}})
	eventually(t, "ringing", func() bool { return c.Current().State == StateReceiving })
	if err := c.Accept(ctx); err != nil {
		t.Fatal(err)
	}

	b.Publish(bus.Event{Kind: "push.call_ended", Payload: &event.Event{Type: event.TypeCallEnded}})

	eventually(t, "remote end settles idle", func() bool { return c.Current().State == StateIdle })
	for _, name := range em.emitted() {
		if name == "endCall" {
			t.Errorf("remote end signalled back: %v", em.emitted())
		}
	}
	if rtc.count("logout") != 1 {
		t.Errorf("logout count = %d", rtc.count("logout"))
	}
}

func TestTransportDropEndsActiveCall(t *testing.T) {
	c, rtc, em, b := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	b.Publish(bus.Event{Kind: "push.incoming_call", Payload: &event.Event{
		Type: event.TypeIncomingCall,
		Call: &event.CallSignal{From: "u2", RoomID: "me_u2"},
	}})
	eventually(t, "ringing", func() bool { return c.Current().State == StateReceiving })
	if err := c.Accept(ctx); err != nil {
		t.Fatal(err)
	}

	b.Publish(bus.Event{Kind: "transport.disconnected"})

	eventually(t, "disconnect ends call", func() bool { return c.Current().State == StateIdle })
	if rtc.count("logout") != 1 {
		t.Errorf("media not torn down: %v", rtc.recorded())
	}
	for _, name := range em.emitted() {
		if name == "endCall" {
			t.Error("endCall emitted with transport down")
		}
	}
}

func TestIncomingWhileBusyIgnored(t *testing.T) {
	c, _, _, b := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	if err := c.StartCall(ctx, "u2", "", "audio"); err != nil {
		t.Fatal(err)
	}

	b.Publish(bus.Event{Kind: "push.incoming_call", Payload: &event.Event{
		Type: event.TypeIncomingCall,
		Call: &event.CallSignal{From: "u3", RoomID: "me_u3"},
	}})

	time.Sleep(30 * time.Millisecond)
	snap := c.Current()
	if snap.State != StateCalling || snap.Peer.UserID != "u2" {
		t.Errorf("busy coordinator hijacked by second call: %+v", snap)
	}
}

func TestAcceptWithoutIncoming(t *testing.T) {
	c, _, _, _ := newCoordinator(t)
	if err := c.Accept(context.Background()); !errors.Is(err, ErrBadState) {
		t.Errorf("Accept() from idle error = %v, want ErrBadState", err)
	}
}
