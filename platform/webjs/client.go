// Package webjs talks to a browser-automation sidecar that hosts the chat
// platform's web client. Commands go over HTTP, events arrive on a
// websocket.
package webjs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nzlov/wabridge/platform"
)

type Config struct {
	URL          string
	Token        string
	Timeout      time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	EventBuffer  int
}

type Client struct {
	cfg    Config
	http   *resty.Client
	dialer *websocket.Dialer
	events chan platform.Event
	log    *zap.SugaredLogger
}

var _ platform.Client = (*Client)(nil)

type apiError struct {
	Error string `json:"error"`
}

func New(cfg Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	h := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetError(&apiError{})
	if cfg.Token != "" {
		h.SetAuthToken(cfg.Token)
	}
	return &Client{
		cfg:    cfg,
		http:   h,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		events: make(chan platform.Event, cfg.EventBuffer),
		log:    log.With("component", "webjs"),
	}
}

func (c *Client) Events() <-chan platform.Event {
	return c.events
}

func (c *Client) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		msg = e.Error
	}
	if resp.StatusCode() == http.StatusServiceUnavailable || resp.StatusCode() == http.StatusConflict {
		return fmt.Errorf("%s: %w: %s", op, platform.ErrNotReady, msg)
	}
	return fmt.Errorf("%s: %d %s", op, resp.StatusCode(), msg)
}

func (c *Client) Initialize(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/initialize")
	return c.check(resp, err, "initialize")
}

func (c *Client) State(ctx context.Context) (platform.State, error) {
	out := struct {
		State platform.State `json:"state"`
	}{}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/state")
	if err := c.check(resp, err, "state"); err != nil {
		return platform.StateUnknown, err
	}
	return out.State, nil
}

func (c *Client) Chats(ctx context.Context) ([]platform.Chat, error) {
	out := []platform.Chat{}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/chats")
	if err := c.check(resp, err, "chats"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ChatByID(ctx context.Context, id string) (platform.Chat, error) {
	out := platform.Chat{}
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/chats/{id}")
	if err := c.check(resp, err, "chat "+id); err != nil {
		return platform.Chat{}, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, to, body string) (platform.Message, error) {
	out := platform.Message{}
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]string{"to": to, "body": body}).
		SetResult(&out).
		Post("/messages")
	if err := c.check(resp, err, "send"); err != nil {
		return platform.Message{}, err
	}
	return out, nil
}

func (c *Client) FetchMessages(ctx context.Context, chatID string, limit int) ([]platform.Message, error) {
	out := []platform.Message{}
	req := c.http.R().SetContext(ctx).
		SetPathParam("id", chatID).
		SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/chats/{id}/messages")
	if err := c.check(resp, err, "messages "+chatID); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DownloadMedia(ctx context.Context, msg platform.Message) (platform.Media, error) {
	out := platform.Media{}
	resp, err := c.http.R().SetContext(ctx).
		SetBody(msg).
		SetResult(&out).
		Post("/media")
	if err := c.check(resp, err, "media "+msg.ID); err != nil {
		return platform.Media{}, err
	}
	if out.Data == "" {
		return platform.Media{}, errors.New("media " + msg.ID + ": empty payload")
	}
	return out, nil
}
