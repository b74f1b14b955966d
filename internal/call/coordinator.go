// Package call implements the call coordinator: a small state machine
// over idle, calling, receiving and accepted. Signaling travels over the
// realtime socket; media setup and teardown go through the RTC provider
// behind a narrow capability interface. Teardown is idempotent, so a
// remote hangup racing a local one settles in idle either way.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/observability"
)

// State of the coordinator.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateReceiving State = "receiving"
	StateAccepted  State = "accepted"
)

// Bus kind for state changes; payload is a Snapshot.
const KindStateChanged = "call.state_changed"

// DefaultRingTimeout is how long an unanswered incoming call rings
// before reverting to idle.
const DefaultRingTimeout = 7 * time.Second

var (
	// ErrBusy is returned when starting a call while one is in progress.
	ErrBusy = errors.New("call already in progress")
	// ErrBadState is returned when an operation does not apply to the
	// current state, e.g. accepting with no incoming call.
	ErrBadState = errors.New("operation not valid in current state")
)

// Peer identifies the other side of a call.
type Peer struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	CallType string `json:"callType"`
}

// Snapshot is the externally visible coordinator state.
type Snapshot struct {
	State  State  `json:"state"`
	Peer   Peer   `json:"peer,omitempty"`
	RoomID string `json:"roomId,omitempty"`
}

// RTC is the capability surface of the media provider.
type RTC interface {
	RequestPermission(ctx context.Context, callType string) error
	Login(ctx context.Context, token, roomID, userID string) error
	CreateStream(ctx context.Context, callType string) (streamID string, err error)
	Publish(ctx context.Context, streamID string) error
	Play(ctx context.Context, streamID string) error
	StopPublishing(ctx context.Context)
	StopPlaying(ctx context.Context)
	Logout(ctx context.Context)
}

// TokenSource mints RTC room tokens.
type TokenSource interface {
	CallToken(ctx context.Context, roomID, userID string) (string, error)
}

// Emitter sends signaling frames to the server.
type Emitter interface {
	Emit(name string, payload any) error
}

// Coordinator owns the call state for one session.
type Coordinator struct {
	localUserID string
	rtc         RTC
	tokens      TokenSource
	emitter     Emitter
	bus         *bus.Bus
	logger      *zap.Logger

	ringTimeout time.Duration

	mu        sync.Mutex
	state     State
	peer      Peer
	roomID    string
	mediaUp   bool
	ringTimer *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates an idle coordinator for the given local user.
func NewCoordinator(localUserID string, rtc RTC, tokens TokenSource, em Emitter, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		localUserID: localUserID,
		rtc:         rtc,
		tokens:      tokens,
		emitter:     em,
		bus:         b,
		logger:      logger,
		ringTimeout: DefaultRingTimeout,
		state:       StateIdle,
	}
}

// SetLocalUser sets the local user id once authentication resolves it.
func (c *Coordinator) SetLocalUser(userID string) {
	c.mu.Lock()
	c.localUserID = userID
	c.mu.Unlock()
}

// Start subscribes to call pushes and transport drops on the bus.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	pushCh, unsubPush := c.bus.Subscribe("push.", 64)
	transCh, unsubTrans := c.bus.Subscribe("transport.disconnected", 4)

	go func() {
		defer close(c.done)
		defer unsubPush()
		defer unsubTrans()
		for {
			select {
			case evt := <-pushCh:
				c.handlePush(ctx, evt)
			case <-transCh:
				// Signaling is gone; the peer cannot reach us anymore.
				c.endCall(ctx, true)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears down any active call and stops the event loop.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.endCall(context.Background(), true)
		c.cancel()
		<-c.done
	}
}

// Current returns the visible state.
func (c *Coordinator) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// StartCall rings the given user. Valid only from idle. Media comes up
// before the invite goes out: a denied permission, a failed token
// request or an SDK login failure returns the error and settles back in
// idle without ever ringing the peer.
func (c *Coordinator) StartCall(ctx context.Context, userID, name, callType string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrBusy
	}
	if callType == "" {
		callType = "audio"
	}
	c.state = StateCalling
	c.peer = Peer{UserID: userID, Name: name, CallType: callType}
	localID := c.localUserID
	c.roomID = RoomID(localID, userID)
	roomID := c.roomID
	peer := c.peer
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if err := c.setupMedia(ctx, roomID, peer); err != nil {
		c.mu.Lock()
		c.resetLocked()
		c.mu.Unlock()
		c.publishState()
		return err
	}

	if err := c.emitter.Emit("callUser", map[string]string{
		"userToCall": userID,
		"from":       localID,
		"name":       name,
		"callType":   callType,
		"roomID":     roomID,
	}); err != nil {
		c.endCall(ctx, true)
		return err
	}

	c.publishSnapshot(snap)
	return nil
}

// Accept answers the ringing incoming call and brings media up. Valid
// only from receiving.
func (c *Coordinator) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateReceiving {
		c.mu.Unlock()
		return ErrBadState
	}
	c.stopRingTimerLocked()
	c.state = StateAccepted
	peer := c.peer
	roomID := c.roomID
	c.mu.Unlock()

	if err := c.setupMedia(ctx, roomID, peer); err != nil {
		c.mu.Lock()
		c.resetLocked()
		c.mu.Unlock()
		c.publishState()
		return err
	}

	if err := c.emitter.Emit("answerCall", map[string]string{
		"to":     peer.UserID,
		"roomID": roomID,
	}); err != nil {
		c.logger.Warn("answer signal failed", zap.Error(err))
	}

	observability.SetCallActive(true)
	c.publishState()
	return nil
}

// Reject declines the ringing incoming call. Valid only from receiving.
func (c *Coordinator) Reject() error {
	c.mu.Lock()
	if c.state != StateReceiving {
		c.mu.Unlock()
		return ErrBadState
	}
	c.stopRingTimerLocked()
	peer := c.peer
	c.resetLocked()
	c.mu.Unlock()

	if err := c.emitter.Emit("callRejected", map[string]string{"to": peer.UserID}); err != nil {
		c.logger.Warn("reject signal failed", zap.Error(err))
	}
	c.publishState()
	return nil
}

// End hangs up from any non-idle state. Ending while idle is a no-op.
func (c *Coordinator) End(ctx context.Context) {
	c.endCall(ctx, false)
}

func (c *Coordinator) handlePush(ctx context.Context, evt bus.Event) {
	pe, ok := evt.Payload.(*event.Event)
	if !ok {
		return
	}
	switch pe.Type {
	case event.TypeIncomingCall:
		if pe.Call != nil {
			c.onIncoming(pe.Call)
		}
	case event.TypeCallAccepted:
		c.onAccepted(ctx)
	case event.TypeCallEnded, event.TypeCallRejected:
		c.endCall(ctx, true)
	}
}

func (c *Coordinator) onIncoming(sig *event.CallSignal) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		c.logger.Info("ignoring incoming call while busy", zap.String("from", sig.From))
		return
	}
	c.state = StateReceiving
	c.peer = Peer{UserID: sig.From, Name: sig.Name, CallType: sig.CallType}
	c.roomID = sig.RoomID
	if c.roomID == "" {
		c.roomID = RoomID(c.localUserID, sig.From)
	}
	c.ringTimer = time.AfterFunc(c.ringTimeout, c.onRingTimeout)
	c.mu.Unlock()

	c.publishState()
}

// onRingTimeout reverts an unanswered incoming call to idle.
func (c *Coordinator) onRingTimeout() {
	c.mu.Lock()
	if c.state != StateReceiving {
		c.mu.Unlock()
		return
	}
	c.logger.Info("incoming call timed out", zap.String("from", c.peer.UserID))
	c.resetLocked()
	c.mu.Unlock()
	c.publishState()
}

// onAccepted flips the caller to accepted once the callee answers. The
// local stream has been publishing since StartCall; only the remote
// side becomes playable now.
func (c *Coordinator) onAccepted(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateCalling {
		c.mu.Unlock()
		return
	}
	c.state = StateAccepted
	peer := c.peer
	roomID := c.roomID
	c.mu.Unlock()

	if err := c.rtc.Play(ctx, StreamID(roomID, peer.UserID)); err != nil {
		c.logger.Warn("remote stream not yet available", zap.Error(err))
	}
	observability.SetCallActive(true)
	c.publishState()
}

func (c *Coordinator) setupMedia(ctx context.Context, roomID string, peer Peer) error {
	c.mu.Lock()
	localID := c.localUserID
	c.mu.Unlock()

	token, err := c.tokens.CallToken(ctx, roomID, localID)
	if err != nil {
		return err
	}
	if err := c.rtc.RequestPermission(ctx, peer.CallType); err != nil {
		return err
	}
	if err := c.rtc.Login(ctx, token, roomID, localID); err != nil {
		return err
	}
	streamID, err := c.rtc.CreateStream(ctx, peer.CallType)
	if err != nil {
		c.rtc.Logout(ctx)
		return err
	}
	if err := c.rtc.Publish(ctx, streamID); err != nil {
		c.rtc.Logout(ctx)
		return err
	}
	if err := c.rtc.Play(ctx, StreamID(roomID, peer.UserID)); err != nil {
		c.logger.Warn("remote stream not yet available", zap.Error(err))
	}

	c.mu.Lock()
	c.mediaUp = true
	c.mu.Unlock()
	return nil
}

// endCall tears everything down and settles in idle from any state.
// remote distinguishes a peer- or transport-initiated end from a local
// hangup; only local hangups signal the peer.
func (c *Coordinator) endCall(ctx context.Context, remote bool) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.stopRingTimerLocked()
	peer := c.peer
	roomID := c.roomID
	mediaUp := c.mediaUp
	c.resetLocked()
	c.mu.Unlock()

	if mediaUp {
		c.rtc.StopPublishing(ctx)
		c.rtc.StopPlaying(ctx)
		c.rtc.Logout(ctx)
	}
	if !remote {
		if err := c.emitter.Emit("endCall", map[string]string{
			"to":     peer.UserID,
			"roomID": roomID,
		}); err != nil {
			c.logger.Warn("end signal failed", zap.Error(err))
		}
	}
	observability.SetCallActive(false)
	c.publishState()
}

func (c *Coordinator) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

func (c *Coordinator) resetLocked() {
	c.state = StateIdle
	c.peer = Peer{}
	c.roomID = ""
	c.mediaUp = false
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{State: c.state, Peer: c.peer, RoomID: c.roomID}
}

func (c *Coordinator) publishState() {
	c.publishSnapshot(c.Current())
}

func (c *Coordinator) publishSnapshot(snap Snapshot) {
	c.bus.Publish(bus.Event{Kind: KindStateChanged, Timestamp: time.Now(), Payload: snap})
}

// RoomID derives the shared room name for a user pair. Both sides compute
// the same name regardless of who dials.
func RoomID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// StreamID names a user's media stream inside a room.
func StreamID(roomID, userID string) string {
	return roomID + "_" + userID
}
