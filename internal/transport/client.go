// Package transport maintains the realtime socket connection to the
// backend. Inbound named frames are normalized through the event package
// and republished on the bus under their "push." kinds; client-originated
// frames go out through Emit. The connection self-heals with exponential
// backoff, and every connect/disconnect flip is published under
// "transport." so the reconciler and call coordinator can react.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/event"
)

// Bus kinds published by the transport.
const (
	KindConnected    = "transport.connected"
	KindDisconnected = "transport.disconnected"
)

// ErrNotConnected is returned by Emit while the socket is down.
var ErrNotConnected = errors.New("transport: not connected")

// frame is the wire envelope for both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client owns the websocket connection for one authenticated user.
type Client struct {
	socketURL string
	bus       *bus.Bus
	logger    *zap.Logger
	dialer    *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	userID    string
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a transport client. The connection is not opened until Start.
func New(socketURL string, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		socketURL: socketURL,
		bus:       b,
		logger:    logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Start connects as the given user and keeps the connection alive until
// ctx is cancelled or Stop is called. It returns after the first dial
// attempt resolves; reconnection continues in the background.
func (c *Client) Start(ctx context.Context, userID string) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.userID = userID
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
}

// Stop tears down the connection and waits for the run loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Emit sends a named frame to the server. payload may be nil.
func (c *Client) Emit(name string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		data = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(frame{Event: name, Data: data}); err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			c.logger.Warn("socket dial failed",
				zap.Error(err),
				zap.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		bo.Reset()
		c.setConn(conn)
		c.bus.Publish(bus.Event{Kind: KindConnected, Timestamp: time.Now()})
		c.logger.Info("socket connected")

		err = c.readLoop(ctx, conn)

		c.setConn(nil)
		_ = conn.Close()
		c.bus.Publish(bus.Event{Kind: KindDisconnected, Timestamp: time.Now()})

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("socket connection lost", zap.Error(err))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.socketURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	c.mu.Lock()
	q.Set("userId", c.userID)
	c.mu.Unlock()
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = conn != nil
	c.mu.Unlock()
}

// readLoop decodes inbound frames until the connection errors. Unknown
// event names are logged and skipped so a newer server cannot wedge an
// older client.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		evt, err := event.Parse(f.Event, f.Data)
		if err != nil {
			if errors.Is(err, event.ErrUnknownEvent) {
				c.logger.Debug("skipping unknown event", zap.String("event", f.Event))
				continue
			}
			c.logger.Warn("malformed event payload",
				zap.String("event", f.Event),
				zap.Error(err))
			continue
		}

		c.bus.Publish(bus.Event{
			Kind:      evt.Type.BusKind(),
			Timestamp: time.Now(),
			Payload:   evt,
		})
	}
}
