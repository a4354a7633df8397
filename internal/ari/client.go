// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/voicebridge/config"
	internal_resources "github.com/rapidaai/voicebridge/internal/resources"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

// EventHandler consumes one decoded application event. Handlers run on the
// stream goroutine; long work must be handed off.
type EventHandler func(evt *Event)

// Client maintains the application event stream against the Asterisk control
// interface. Connection attempts run through a circuit breaker so a flapping
// Asterisk does not get hammered with dials.
type Client struct {
	logger  commons.Logger
	cfg     config.ARIConfig
	breaker *internal_resources.CircuitBreaker
	handler EventHandler

	mu   sync.Mutex
	conn *websocket.Conn

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient builds the event-stream client. The handler must be non-nil.
func NewClient(logger commons.Logger, cfg config.ARIConfig, breaker *internal_resources.CircuitBreaker, handler EventHandler) *Client {
	return &Client{
		logger:  logger,
		cfg:     cfg,
		breaker: breaker,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Run connects and consumes events until ctx is cancelled or Stop is called.
// Lost connections are re-dialed; while the breaker is open, attempts pause
// for the configured cooldown.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		err := c.breaker.Execute(func() error {
			return c.connectAndListen(ctx)
		})
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		wait := time.Second
		if errors.Is(err, internal_resources.ErrCircuitOpen) {
			wait = c.cfg.BreakerCooldown
			c.logger.Warnw("control stream breaker open, pausing dials", "cooldown", wait.String())
		} else {
			c.logger.Errorw("control stream lost", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-time.After(wait):
		}
	}
}

// Stop closes the stream and ends Run.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.cfg.WebsocketURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("app", c.cfg.Application)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectAndListen(ctx context.Context) error {
	streamURL, err := c.streamURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial control stream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Infow("control stream connected", "application", c.cfg.Application)

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return fmt.Errorf("control stream read: %w", err)
		}

		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.logger.Debugw("ignoring undecodable control event", "error", err)
			continue
		}
		evt.Raw = raw
		c.handler(&evt)
	}
}
