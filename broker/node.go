// Package broker fans session events out to connected viewers and routes
// their commands to a Handler.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nzlov/wabridge/metrics"
	"github.com/nzlov/wabridge/mirror"
	"github.com/nzlov/wabridge/model"
	"github.com/nzlov/wabridge/store"
)

// Handler answers viewer commands. Every call runs on its own goroutine and
// receives a context that is cancelled when the node closes.
type Handler interface {
	ViewerConnected(ctx context.Context, v *Viewer)
	CheckSession(ctx context.Context, v *Viewer, req Request)
	RequestChats(ctx context.Context, v *Viewer, req Request)
	RequestMessages(ctx context.Context, v *Viewer, req Request, chatID string)
	SendMessage(ctx context.Context, v *Viewer, req Request, p SendPayload)
	RegisterPush(ctx context.Context, v *Viewer, req Request, raw json.RawMessage)
}

type Config struct {
	ReadBufferSize       int
	WriteBufferSize      int
	ReadMessageSizeLimit int64
	Compression          bool
	CompressionLevel     int
	SendBuffer           int

	// Authenticate rejects the upgrade when it returns false.
	Authenticate func(r *http.Request) bool

	MirrorTimeout time.Duration
}

// Node maintains the set of active viewers and broadcasts events to them.
type Node struct {
	cfg Config

	mu      sync.RWMutex
	viewers map[string]*Viewer
	closed  bool

	handler  Handler
	upgrader websocket.Upgrader
	mirrors  []mirror.Sink
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(cfg Config, h Handler, m *metrics.Metrics, log *zap.SugaredLogger, mirrors ...mirror.Sink) *Node {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 5 * time.Second
	}
	n := &Node{
		cfg:     cfg,
		viewers: map[string]*Viewer{},
		handler: h,
		mirrors: mirrors,
		metrics: m,
		log:     log.With("component", "broker"),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.upgrader = websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		EnableCompression: cfg.Compression,
	}
	n.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	return n
}

func (n *Node) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.viewers)
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.ServeWs(w, r)
}

// ServeWs handles websocket requests from the peer.
func (n *Node) ServeWs(w http.ResponseWriter, r *http.Request) {
	log := n.log.With("method", "ServeWs", "remote", r.RemoteAddr)
	if n.cfg.Authenticate != nil && !n.cfg.Authenticate(r) {
		log.Warn("unauthorized")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(err)
		return
	}
	if n.cfg.Compression {
		conn.EnableWriteCompression(true)
		if n.cfg.CompressionLevel != 0 {
			conn.SetCompressionLevel(n.cfg.CompressionLevel)
		}
	}

	id := uuid.NewString()
	v := &Viewer{
		id:     id,
		node:   n,
		log:    n.log.With("viewer", id),
		conn:   conn,
		send:   make(chan []byte, n.cfg.SendBuffer),
		unread: store.NewUnreadCounter(),
	}
	if !n.Register(v) {
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go func() {
		defer n.wg.Done()
		v.writePump()
	}()
	go func() {
		defer n.wg.Done()
		v.readPump()
	}()

	n.spawn(v, Request{}, func(ctx context.Context) {
		n.handler.ViewerConnected(ctx, v)
	})
}

// Register adds v and reserves the pump goroutines. It fails once the node
// is closed.
func (n *Node) Register(v *Viewer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.viewers[v.id] = v
	n.wg.Add(2)
	n.metrics.ViewerConnected()
	v.log.Info("register")
	return true
}

func (n *Node) UnRegister(v *Viewer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unregisterLocked(v)
}

func (n *Node) unregisterLocked(v *Viewer) {
	if cur, ok := n.viewers[v.id]; !ok || cur != v {
		return
	}
	delete(n.viewers, v.id)
	close(v.send)
	n.metrics.ViewerDisconnected()
	v.log.Info("unregister")
}

// Close disconnects every viewer and waits for pumps, commands and mirror
// publishes to finish. Mirrors themselves are closed by their owner.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.cancel()
	for _, v := range n.viewers {
		n.unregisterLocked(v)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// deliver queues data for v without blocking. A viewer that cannot keep up
// is disconnected and will resync from a fresh snapshot when it reconnects.
func (n *Node) deliver(v *Viewer, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dropped {
		return
	}
	select {
	case v.send <- data:
	default:
		v.dropped = true
		n.metrics.ViewerDropped()
		v.log.Warn("send buffer full, dropping viewer")
		go func() {
			n.UnRegister(v)
		}()
	}
}

// Broadcast sends event to every connected viewer and to the mirrors.
func (n *Node) Broadcast(event string, payload interface{}) {
	frame, raw, err := encode(event, payload)
	if err != nil {
		n.log.Errorw("encode", "event", event, "err", err)
		return
	}
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	for _, v := range n.viewers {
		n.deliver(v, frame)
	}
	n.mirrorLocked(event, raw)
	n.mu.RUnlock()
	n.metrics.Broadcast(event)
}

// BroadcastMessage broadcasts a message event. Inbound messages also bump
// the unread counter of every viewer that does not have the chat open, and
// those viewers get their new count.
func (n *Node) BroadcastMessage(event string, msg model.Message, inbound bool) {
	frame, raw, err := encode(event, msg)
	if err != nil {
		n.log.Errorw("encode", "event", event, "err", err)
		return
	}
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	for _, v := range n.viewers {
		n.deliver(v, frame)
		if !inbound {
			continue
		}
		if count, ok := v.noteInbound(msg.ChatID); ok {
			if u, _, err := encode(EvUnread, Unread{ChatID: msg.ChatID, Count: count}); err == nil {
				n.deliver(v, u)
			}
		}
	}
	n.mirrorLocked(event, raw)
	n.mu.RUnlock()
	n.metrics.Broadcast(event)
}

// SendTo sends event to a single viewer. It reports false when the viewer
// is gone.
func (n *Node) SendTo(viewerID string, event string, payload interface{}) bool {
	frame, _, err := encode(event, payload)
	if err != nil {
		n.log.Errorw("encode", "event", event, "err", err)
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.viewers[viewerID]
	if !ok {
		return false
	}
	n.deliver(v, frame)
	return true
}

// Reply answers req on the viewer that issued it.
func (n *Node) Reply(viewerID string, req Request, code int, text string) {
	data, err := json.Marshal(Reply{T: EvReply, RT: req.Type, I: req.ID, C: code, M: text})
	if err != nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if v, ok := n.viewers[viewerID]; ok {
		n.deliver(v, data)
	}
}

// mirrorLocked is called with mu read-held so the wait group cannot be
// waited on concurrently.
func (n *Node) mirrorLocked(event string, raw []byte) {
	for _, s := range n.mirrors {
		n.wg.Add(1)
		go func(s mirror.Sink) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.MirrorTimeout)
			defer cancel()
			if err := s.Publish(ctx, event, raw); err != nil {
				n.log.Warnw("mirror publish", "event", event, "err", err)
			}
		}(s)
	}
}

// spawn runs fn on its own goroutine unless the node is closing. A panic is
// logged and answered with a failure reply.
func (n *Node) spawn(v *Viewer, req Request, fn func(ctx context.Context)) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	n.wg.Add(1)
	n.mu.RUnlock()

	go func() {
		defer n.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				v.log.Errorw("handler panic", "cmd", req.Type, "err", err)
				if req.Type != "" {
					n.Reply(v.id, req, CodeFail, fmt.Sprint(err))
				}
			}
		}()
		fn(n.ctx)
	}()
}

func (n *Node) dispatch(v *Viewer, data []byte) {
	env := Envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		v.log.Warnw("bad envelope", "err", err)
		n.Reply(v.id, Request{}, CodeFail, "bad envelope")
		return
	}
	req := Request{Type: env.T, ID: env.I}
	v.log.Debugw("command", "cmd", req.Type, "i", req.ID)

	switch env.T {
	case CmdCheckSession:
		n.spawn(v, req, func(ctx context.Context) { n.handler.CheckSession(ctx, v, req) })
	case CmdRequestChats:
		n.spawn(v, req, func(ctx context.Context) { n.handler.RequestChats(ctx, v, req) })
	case CmdRequestMessages:
		chatID := ""
		if err := json.Unmarshal(env.D, &chatID); err != nil || chatID == "" {
			n.Reply(v.id, req, CodeFail, "chat id required")
			return
		}
		// Selection is recorded before any later inbound message is counted.
		v.Select(chatID)
		n.spawn(v, req, func(ctx context.Context) { n.handler.RequestMessages(ctx, v, req, chatID) })
	case CmdSelectChat:
		chatID := ""
		if len(env.D) > 0 {
			if err := json.Unmarshal(env.D, &chatID); err != nil {
				n.Reply(v.id, req, CodeFail, "bad chat id")
				return
			}
		}
		v.Select(chatID)
		n.Reply(v.id, req, CodeOK, "")
	case CmdSendMessage:
		p := SendPayload{}
		if err := json.Unmarshal(env.D, &p); err != nil {
			n.Reply(v.id, req, CodeFail, "bad payload")
			return
		}
		n.spawn(v, req, func(ctx context.Context) { n.handler.SendMessage(ctx, v, req, p) })
	case CmdRegisterPush:
		raw := env.D
		n.spawn(v, req, func(ctx context.Context) { n.handler.RegisterPush(ctx, v, req, raw) })
	default:
		n.Reply(v.id, req, CodeFail, "unknown command")
	}
}
