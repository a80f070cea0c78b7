package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/nzlov/wabridge/mirror"
	"github.com/nzlov/wabridge/model"
)

type fakeHandler struct {
	n *Node

	mu       sync.Mutex
	requests []string
}

func (h *fakeHandler) note(s string) {
	h.mu.Lock()
	h.requests = append(h.requests, s)
	h.mu.Unlock()
}

func (h *fakeHandler) ViewerConnected(ctx context.Context, v *Viewer) {
	h.n.SendTo(v.ID(), EvPhase, map[string]string{"phase": "ready"})
}

func (h *fakeHandler) CheckSession(ctx context.Context, v *Viewer, req Request) {
	h.n.Reply(v.ID(), req, CodeOK, "")
}

func (h *fakeHandler) RequestChats(ctx context.Context, v *Viewer, req Request) {
	h.n.SendTo(v.ID(), EvChats, []model.Chat{{ID: "a@c.us", Name: "A"}})
}

func (h *fakeHandler) RequestMessages(ctx context.Context, v *Viewer, req Request, chatID string) {
	h.note("messages:" + chatID)
	h.n.SendTo(v.ID(), EvMessages, map[string]interface{}{"chatId": chatID, "messages": []model.Message{}})
}

func (h *fakeHandler) SendMessage(ctx context.Context, v *Viewer, req Request, p SendPayload) {
	if p.Body == "boom" {
		panic("boom")
	}
	h.note("send:" + p.To + ":" + p.Body)
	h.n.Reply(v.ID(), req, CodeOK, "")
}

func (h *fakeHandler) RegisterPush(ctx context.Context, v *Viewer, req Request, raw json.RawMessage) {
	h.note("push:" + string(raw))
	h.n.Reply(v.ID(), req, CodeOK, "")
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) Publish(ctx context.Context, event string, payload []byte) error {
	s.mu.Lock()
	s.events = append(s.events, event+" "+string(payload))
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type frame struct {
	T  string          `json:"t"`
	D  json.RawMessage `json:"d"`
	RT string          `json:"rt"`
	I  string          `json:"i"`
	C  int             `json:"c"`
	M  string          `json:"m"`
}

func newTestNode(t *testing.T, cfg Config, sinks ...*fakeSink) (*Node, *fakeHandler, *httptest.Server) {
	h := &fakeHandler{}
	ms := []mirror.Sink{}
	for _, s := range sinks {
		ms = append(ms, s)
	}
	n := NewNode(cfg, h, nil, zaptest.NewLogger(t).Sugar(), ms...)
	h.n = n
	srv := httptest.NewServer(n)
	t.Cleanup(func() {
		n.Close()
		srv.Close()
	})
	return n, h, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Every viewer is greeted with its snapshot first.
	f := read(t, conn)
	require.Equal(t, EvPhase, f.T)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f := frame{}
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func write(t *testing.T, conn *websocket.Conn, cmd, id string, d interface{}) {
	t.Helper()
	env := map[string]interface{}{"t": cmd, "i": id}
	if d != nil {
		env["d"] = d
	}
	require.NoError(t, conn.WriteJSON(env))
}

func TestBroadcastReachesEveryViewer(t *testing.T) {
	sink := &fakeSink{}
	n, _, srv := newTestNode(t, Config{}, sink)
	a := dial(t, srv, "")
	b := dial(t, srv, "")
	require.Eventually(t, func() bool { return n.Len() == 2 }, time.Second, 5*time.Millisecond)

	n.Broadcast(EvQR, "QR123")

	for _, c := range []*websocket.Conn{a, b} {
		f := read(t, c)
		assert.Equal(t, EvQR, f.T)
		assert.JSONEq(t, `"QR123"`, string(f.D))
	}
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, `qr "QR123"`, sink.all()[0])
}

func TestRepliesAreDirected(t *testing.T) {
	_, h, srv := newTestNode(t, Config{})
	a := dial(t, srv, "")
	b := dial(t, srv, "")

	write(t, a, CmdSendMessage, "7", SendPayload{To: "x@c.us", Body: "hi"})
	f := read(t, a)
	assert.Equal(t, EvReply, f.T)
	assert.Equal(t, CmdSendMessage, f.RT)
	assert.Equal(t, "7", f.I)
	assert.Equal(t, CodeOK, f.C)

	write(t, b, CmdRequestChats, "1", nil)
	f = read(t, b)
	assert.Equal(t, EvChats, f.T)

	h.mu.Lock()
	assert.Equal(t, []string{"send:x@c.us:hi"}, h.requests)
	h.mu.Unlock()
}

func TestUnreadCountsPerViewer(t *testing.T) {
	n, _, srv := newTestNode(t, Config{})
	a := dial(t, srv, "")
	b := dial(t, srv, "")

	write(t, a, CmdSelectChat, "s", "chat@c.us")
	f := read(t, a)
	require.Equal(t, EvReply, f.T)
	require.Equal(t, CodeOK, f.C)

	n.BroadcastMessage(EvMessage, model.Message{ID: "m1", ChatID: "chat@c.us", Body: "hello"}, true)

	f = read(t, a)
	assert.Equal(t, EvMessage, f.T)

	f = read(t, b)
	assert.Equal(t, EvMessage, f.T)
	f = read(t, b)
	assert.Equal(t, EvUnread, f.T)
	assert.JSONEq(t, `{"chatId":"chat@c.us","count":1}`, string(f.D))

	// Opening the chat clears the count.
	write(t, b, CmdRequestMessages, "m", "chat@c.us")
	f = read(t, b)
	assert.Equal(t, EvMessages, f.T)

	n.mu.RLock()
	for _, v := range n.viewers {
		v.mu.Lock()
		assert.Empty(t, v.unread.Counts())
		v.mu.Unlock()
	}
	n.mu.RUnlock()
}

func TestOutboundMessagesDoNotCountUnread(t *testing.T) {
	n, _, srv := newTestNode(t, Config{})
	a := dial(t, srv, "")
	n.BroadcastMessage(EvMessageSent, model.Message{ID: "m1", ChatID: "chat@c.us", FromMe: true}, false)
	n.Broadcast(EvLog, Log{Level: "info", Text: "next"})

	assert.Equal(t, EvMessageSent, read(t, a).T)
	assert.Equal(t, EvLog, read(t, a).T)
}

func TestBadCommands(t *testing.T) {
	_, _, srv := newTestNode(t, Config{})
	a := dial(t, srv, "")

	write(t, a, "dance", "1", nil)
	f := read(t, a)
	assert.Equal(t, CodeFail, f.C)
	assert.Equal(t, "unknown command", f.M)

	write(t, a, CmdRequestMessages, "2", "")
	f = read(t, a)
	assert.Equal(t, CodeFail, f.C)
	assert.Equal(t, "2", f.I)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = read(t, a)
	assert.Equal(t, CodeFail, f.C)
}

func TestHandlerPanicIsContained(t *testing.T) {
	_, _, srv := newTestNode(t, Config{})
	a := dial(t, srv, "")

	write(t, a, CmdSendMessage, "9", SendPayload{To: "x@c.us", Body: "boom"})
	f := read(t, a)
	assert.Equal(t, EvReply, f.T)
	assert.Equal(t, CodeFail, f.C)
	assert.Equal(t, "boom", f.M)

	write(t, a, CmdCheckSession, "10", nil)
	f = read(t, a)
	assert.Equal(t, CodeOK, f.C)
	assert.Equal(t, "10", f.I)
}

func TestAuthenticateRejects(t *testing.T) {
	_, _, srv := newTestNode(t, Config{
		Authenticate: func(r *http.Request) bool { return r.URL.Query().Get("tk") == "good" },
	})
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tk=bad"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dial(t, srv, "?tk=good")
}

func TestSlowViewerIsDropped(t *testing.T) {
	n, _, srv := newTestNode(t, Config{SendBuffer: 1})
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return n.Len() == 1 }, time.Second, 5*time.Millisecond)

	// The viewer never reads, so its buffer fills and it is cut off.
	big := strings.Repeat("x", 64*1024)
	for i := 0; i < 2000 && n.Len() == 1; i++ {
		n.Broadcast(EvLog, Log{Level: "info", Text: big})
	}
	require.Eventually(t, func() bool { return n.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := &fakeHandler{}
	n := NewNode(Config{}, h, nil, zaptest.NewLogger(t).Sugar())
	h.n = n
	srv := httptest.NewServer(n)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.Len() == 1 }, time.Second, 5*time.Millisecond)

	n.Close()
	assert.Equal(t, 0, n.Len())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	conn.Close()
	srv.Close()

	// A closed node refuses new work silently.
	n.Broadcast(EvQR, "late")
}
