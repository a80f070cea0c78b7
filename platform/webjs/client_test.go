package webjs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nzlov/wabridge/platform"
)

type sidecar struct {
	mux      *http.ServeMux
	connects int32

	mu       sync.Mutex
	lastSend map[string]string
}

func (s *sidecar) sent() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSend
}

func newSidecar(t *testing.T) (*sidecar, *httptest.Server) {
	s := &sidecar{mux: http.NewServeMux()}
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	reply := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	s.mux.HandleFunc("/initialize", auth(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		reply(w, http.StatusOK, map[string]bool{"ok": true})
	}))
	s.mux.HandleFunc("/state", auth(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]string{"state": "CONNECTED"})
	}))
	s.mux.HandleFunc("/chats", auth(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, []platform.Chat{{ID: "a@c.us", Name: "Alice"}, {ID: "g@g.us", IsGroup: true}})
	}))
	s.mux.HandleFunc("/chats/a@c.us", auth(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, platform.Chat{ID: "a@c.us", Name: "Alice"})
	}))
	s.mux.HandleFunc("/chats/a@c.us/messages", auth(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		reply(w, http.StatusOK, []platform.Message{{ID: "1", From: "a@c.us"}, {ID: "2", From: "a@c.us"}})
	}))
	s.mux.HandleFunc("/messages", auth(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{}
		json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.lastSend = body
		s.mu.Unlock()
		if body["to"] == "offline@c.us" {
			reply(w, http.StatusServiceUnavailable, map[string]string{"error": "client not ready"})
			return
		}
		reply(w, http.StatusOK, platform.Message{ID: "true_x", To: body["to"], FromMe: true, Body: body["body"], Ack: 1})
	}))
	s.mux.HandleFunc("/media", auth(func(w http.ResponseWriter, r *http.Request) {
		msg := platform.Message{}
		json.NewDecoder(r.Body).Decode(&msg)
		if msg.ID != "img" {
			reply(w, http.StatusNotFound, map[string]string{"error": "no media"})
			return
		}
		reply(w, http.StatusOK, platform.Media{MimeType: "image/png", Data: "cG5n"})
	}))

	upgrader := websocket.Upgrader{}
	s.mux.HandleFunc("/events", auth(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&s.connects, 1)
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"qr","qr":"QR1"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"authenticated"}`))
			// Drop the stream to force a reconnect.
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","message":{"id":"m1","from":"a@c.us","to":"me@c.us","body":"hi","type":"chat"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message_ack","message":{"id":"m1","from":"me@c.us","to":"a@c.us","fromMe":true},"ack":3}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"disconnected","reason":"NAVIGATION"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))

	srv := httptest.NewServer(s.mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func newClient(t *testing.T, url string) *Client {
	return New(Config{URL: url + "/", Token: "secret", ReconnectMin: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
}

func TestCommands(t *testing.T) {
	s, srv := newSidecar(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))

	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, platform.StateConnected, st)

	chats, err := c.Chats(ctx)
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	chat, err := c.ChatByID(ctx, "a@c.us")
	require.NoError(t, err)
	assert.Equal(t, "Alice", chat.Name)

	msgs, err := c.FetchMessages(ctx, "a@c.us", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	sent, err := c.SendMessage(ctx, "a@c.us", "hello")
	require.NoError(t, err)
	assert.Equal(t, "true_x", sent.ID)
	assert.Equal(t, map[string]string{"to": "a@c.us", "body": "hello"}, s.sent())

	media, err := c.DownloadMedia(ctx, platform.Message{ID: "img"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", media.MimeType)
}

func TestCommandErrors(t *testing.T) {
	_, srv := newSidecar(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "offline@c.us", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, platform.ErrNotReady))
	assert.Contains(t, err.Error(), "client not ready")

	_, err = c.DownloadMedia(ctx, platform.Message{ID: "txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	bad := New(Config{URL: srv.URL}, nil)
	_, err = bad.State(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestEventStreamReconnects(t *testing.T) {
	s, srv := newSidecar(t)
	c := newClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	want := []platform.Event{
		platform.QREvent{Code: "QR1"},
		platform.AuthenticatedEvent{},
		platform.ReadyEvent{},
		platform.MessageEvent{Message: platform.Message{ID: "m1", From: "a@c.us", To: "me@c.us", Body: "hi", Type: "chat"}},
		platform.AckEvent{Message: platform.Message{ID: "m1", From: "me@c.us", To: "a@c.us", FromMe: true}, Ack: 3},
		platform.DisconnectedEvent{Reason: "NAVIGATION"},
	}
	for _, w := range want {
		select {
		case ev := <-c.Events():
			assert.Equal(t, w, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w.Name())
		}
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&s.connects))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, open := <-c.Events()
	assert.False(t, open)
}
