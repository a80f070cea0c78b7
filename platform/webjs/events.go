package webjs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nzlov/wabridge/platform"
)

// frame is what the sidecar writes on /events.
type frame struct {
	Type    string           `json:"type"`
	QR      string           `json:"qr,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Message platform.Message `json:"message"`
	Ack     int              `json:"ack"`
}

func decode(data []byte) (platform.Event, error) {
	f := frame{}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	switch f.Type {
	case "qr":
		return platform.QREvent{Code: f.QR}, nil
	case "authenticated":
		return platform.AuthenticatedEvent{}, nil
	case "ready":
		return platform.ReadyEvent{}, nil
	case "auth_failure":
		return platform.AuthFailureEvent{Reason: f.Reason}, nil
	case "disconnected":
		return platform.DisconnectedEvent{Reason: f.Reason}, nil
	case "message":
		return platform.MessageEvent{Message: f.Message}, nil
	case "message_ack":
		return platform.AckEvent{Message: f.Message, Ack: f.Ack}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", f.Type)
}

func (c *Client) eventsURL() string {
	u := c.cfg.URL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/events"
}

// Run follows the sidecar's event stream, reconnecting with backoff, until
// ctx ends. The Events channel is closed when Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	log := c.log.With("method", "Run")

	backoff := c.cfg.ReconnectMin
	for {
		connected, err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.cfg.ReconnectMin
		}
		log.Warnw("event stream lost", "err", err, "retry", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) consume(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.eventsURL(), header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	c.log.Info("event stream connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return true, err
		}
		ev, err := decode(data)
		if err != nil {
			c.log.Warnw("bad event", "err", err, "data", string(data))
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}
