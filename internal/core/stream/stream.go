// Package stream maintains the long-lived alertStream connection: connect,
// authenticate, read, route, and reconnect after a fixed delay until
// stopped. Channel states live in the hub and survive reconnects.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/trymwestin/hikd/internal/core/auth"
	"github.com/trymwestin/hikd/internal/core/isapi"
	"github.com/trymwestin/hikd/internal/core/state"
)

// Client owns one connection to a device's event stream.
type Client struct {
	device *isapi.Client
	hub    *state.Hub
	log    *slog.Logger

	reconnectDelay time.Duration

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool

	// fatalErr records an auth rejection that ended the run loop.
	fatalErr atomic.Value
}

// NewClient creates a stream client feeding decoded events into hub.
// reconnectDelay is taken as configured; config validation keeps it sane.
func NewClient(device *isapi.Client, hub *state.Hub, reconnectDelay time.Duration, log *slog.Logger) *Client {
	return &Client{
		device:         device,
		hub:            hub,
		log:            log,
		reconnectDelay: reconnectDelay,
	}
}

// Start validates the device identity endpoint once, then launches the
// stream loop. It is a no-op when already running. Validation failures
// and credential rejections are returned; everything after Start returns
// is absorbed by the reconnect loop.
func (c *Client) Start(ctx context.Context) error {
	if c.running.Load() {
		return nil
	}

	if err := c.device.ValidateDeviceInfo(ctx); err != nil {
		return fmt.Errorf("stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running.Store(true)

	go c.runLoop(ctx)
	return nil
}

// Stop closes the connection, waits for the loop to exit, and cancels all
// pending channel timers. No callbacks fire afterwards.
func (c *Client) Stop(_ context.Context) error {
	if !c.running.Load() {
		return nil
	}
	c.cancel()
	<-c.stopped
	c.running.Store(false)
	c.hub.Shutdown()
	return nil
}

// Running reports whether the stream loop is active.
func (c *Client) Running() bool {
	return c.running.Load()
}

// FatalErr returns the credential rejection that terminated the loop, if
// any. The loop does not retry after one; the operator must reconfigure.
func (c *Client) FatalErr() error {
	if err, ok := c.fatalErr.Load().(error); ok {
		return err
	}
	return nil
}

func (c *Client) runLoop(ctx context.Context) {
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			c.log.Info("stream: shutting down")
			return
		}
		if errors.Is(err, auth.ErrAuthRejected) {
			// Bad credentials are not transient; retrying would only
			// lock the device account.
			c.fatalErr.Store(err)
			c.log.Error("stream: device rejected credentials, stopping until reconfigured")
			return
		}
		c.log.Warn("stream: connection lost", "error", err, "retry_in", c.reconnectDelay)

		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectAndRead opens the alert stream and pumps it through a decoder
// until the connection dies or ctx is cancelled. The body is released on
// every exit path.
func (c *Client) connectAndRead(ctx context.Context) error {
	c.log.Info("stream: connecting", "url", c.device.BaseURL()+isapi.AlertStreamPath)

	body, err := c.device.OpenAlertStream(ctx)
	if err != nil {
		return err
	}
	defer body.Close()

	c.hub.SetConnected(true)
	defer c.hub.SetConnected(false)
	c.log.Info("stream: connected")

	dec := isapi.NewStreamDecoder(c.log)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, evt := range dec.Feed(buf[:n]) {
				c.hub.HandleEvent(evt)
			}
		}
		if err != nil {
			return fmt.Errorf("stream: read: %w", err)
		}
	}
}
