// Package pipeline moves messages between the platform, the cache and the
// viewers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/nzlov/wabridge/broker"
	"github.com/nzlov/wabridge/metrics"
	"github.com/nzlov/wabridge/model"
	"github.com/nzlov/wabridge/platform"
	"github.com/nzlov/wabridge/push"
	"github.com/nzlov/wabridge/store"
)

const DefaultHistoryLimit = 50

// Broadcaster is the part of broker.Node the pipeline talks to.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
	SendTo(viewerID string, event string, payload interface{}) bool
	BroadcastMessage(event string, msg model.Message, inbound bool)
	Reply(viewerID string, req broker.Request, code int, text string)
}

type Notifier interface {
	NotifyInbound(ctx context.Context, n push.Notification)
}

type Config struct {
	HistoryLimit int
	// SentTTL bounds how long an outbound id is remembered to recognise
	// the platform's echo of it.
	SentTTL time.Duration
	// CallTimeout applies to platform calls made on behalf of inbound
	// events, which carry no caller context.
	CallTimeout time.Duration
}

type Messages struct {
	ChatID   string          `json:"chatId"`
	Messages []model.Message `json:"messages"`
}

type AckUpdate struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Ack       model.Ack `json:"ackLevel"`
}

type Pipeline struct {
	cfg      Config
	client   platform.Client
	cache    *store.Cache
	out      Broadcaster
	notifier Notifier
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	sent  *cache.Cache
	lanes *lanes
	wg    sync.WaitGroup

	// Own messages seen on a chat while a send to it is in flight are held
	// back until the send settles, so its echo is never shown twice.
	mu      sync.Mutex
	pending map[string]int
	parked  map[string][]platform.Message
}

func New(client platform.Client, c *store.Cache, out Broadcaster, notifier Notifier, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.SentTTL <= 0 {
		cfg.SentTTL = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	log = log.With("component", "pipeline")
	return &Pipeline{
		cfg:      cfg,
		client:   client,
		cache:    c,
		out:      out,
		notifier: notifier,
		metrics:  m,
		log:      log,
		sent:     cache.New(cfg.SentTTL, 2*cfg.SentTTL),
		lanes:    newLanes(log),
		pending:  map[string]int{},
		parked:   map[string][]platform.Message{},
	}
}

// SetBroadcaster swaps the event sink. It must be called before any event
// is handled.
func (p *Pipeline) SetBroadcaster(out Broadcaster) {
	p.out = out
}

// Wait blocks until queued chat work and push notifications are done.
func (p *Pipeline) Wait() {
	p.lanes.Wait()
	p.wg.Wait()
}

// HandleInbound queues a platform message on its chat's lane.
func (p *Pipeline) HandleInbound(raw platform.Message) {
	chatID := ChatIDFor(raw)
	if chatID == "" {
		p.log.Warnw("message without chat", "id", raw.ID)
		return
	}
	p.lanes.Go(chatID, func() { p.inbound(chatID, raw) })
}

func (p *Pipeline) inbound(chatID string, raw platform.Message) {
	log := p.log.With("chat", chatID, "id", raw.ID)
	if raw.FromMe && raw.ID != "" {
		if _, ok := p.sent.Get(raw.ID); ok {
			log.Debug("echo of own send")
			return
		}
		if p.park(chatID, raw) {
			log.Debug("own message held until send settles")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout)
	defer cancel()
	msg, err := Normalize(ctx, p.client, raw)
	if err != nil {
		log.Warnw("normalize", "err", err)
		p.out.Broadcast(broker.EvLog, broker.Log{Level: "warn", Text: err.Error()})
	}

	stored, _ := p.cache.AppendMessage(chatID, msg)
	p.out.BroadcastMessage(broker.EvMessage, stored, !stored.FromMe)
	if stored.FromMe {
		return
	}
	p.metrics.Inbound()
	if p.notifier == nil {
		return
	}

	n := push.Notification{Title: p.title(ctx, stored), Body: preview(stored), ChatID: chatID}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout)
		defer cancel()
		p.notifier.NotifyInbound(ctx, n)
	}()
}

func (p *Pipeline) title(ctx context.Context, msg model.Message) string {
	if c, ok := p.cache.Chat(msg.ChatID); ok {
		return c.Title()
	}
	if c, err := p.client.ChatByID(ctx, msg.ChatID); err == nil {
		return model.Chat{ID: c.ID, Name: c.Name}.Title()
	}
	if msg.Author != "" {
		return msg.Author
	}
	return msg.ChatID
}

func preview(msg model.Message) string {
	if msg.Body != "" {
		return msg.Body
	}
	return "[" + string(msg.Type) + "]"
}

// HandleAck applies a delivery update to a stored message. Updates for
// messages the cache does not hold are dropped.
func (p *Pipeline) HandleAck(raw platform.Message, level int) {
	chatID := ChatIDFor(raw)
	if chatID == "" || raw.ID == "" {
		return
	}
	p.lanes.Go(chatID, func() {
		msg, ok := p.cache.UpdateAck(chatID, raw.ID, model.Ack(level))
		if !ok {
			p.log.Debugw("ack for unknown message", "chat", chatID, "id", raw.ID)
			return
		}
		p.out.Broadcast(broker.EvAckUpdate, AckUpdate{MessageID: msg.ID, ChatID: chatID, Ack: msg.Ack})
	})
}

// Send delivers body to the chat and answers the requesting viewer. The
// cache only changes when the platform confirmed the send.
func (p *Pipeline) Send(ctx context.Context, viewerID string, req broker.Request, to, body string) error {
	to = strings.TrimSpace(to)
	var err error
	switch {
	case to == "":
		err = ErrEmptyRecipient
	case strings.TrimSpace(body) == "":
		err = ErrEmptyMessage
	}
	if err != nil {
		p.failSend(viewerID, req, err)
		return err
	}

	p.beginSend(to)
	raw, err := p.client.SendMessage(ctx, to, body)
	if err != nil {
		p.lanes.Go(to, func() { p.settle(to) })
		err = fmt.Errorf("send to %s: %w", to, err)
		p.failSend(viewerID, req, err)
		return err
	}

	chatID := ChatIDFor(raw)
	if !raw.FromMe || chatID == "" {
		chatID = to
	}
	msg, _ := Normalize(ctx, nil, raw)
	msg.FromMe = true
	msg.ChatID = chatID
	msg.Ack = model.AckPending
	if msg.Body == "" {
		msg.Body = body
	}
	if msg.ID != "" {
		p.sent.SetDefault(msg.ID, struct{}{})
	}

	p.lanes.Sync(chatID, func() {
		stored, _ := p.cache.AppendMessage(chatID, msg)
		p.out.BroadcastMessage(broker.EvMessageSent, stored, false)
	})
	p.lanes.Go(to, func() { p.settle(to) })
	p.out.Reply(viewerID, req, broker.CodeOK, msg.ID)
	return nil
}

func (p *Pipeline) beginSend(chatID string) {
	p.mu.Lock()
	p.pending[chatID]++
	p.mu.Unlock()
}

// park holds raw back when a send to chatID is in flight.
func (p *Pipeline) park(chatID string, raw platform.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[chatID] == 0 {
		return false
	}
	p.parked[chatID] = append(p.parked[chatID], raw)
	return true
}

// settle ends one send to chatID. Once none is left, held messages are
// replayed; the echo of a confirmed send is skipped by its id. It runs on
// the chat's lane.
func (p *Pipeline) settle(chatID string) {
	p.mu.Lock()
	p.pending[chatID]--
	if p.pending[chatID] > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.pending, chatID)
	held := p.parked[chatID]
	delete(p.parked, chatID)
	p.mu.Unlock()

	for _, raw := range held {
		p.inbound(ChatIDFor(raw), raw)
	}
}

func (p *Pipeline) failSend(viewerID string, req broker.Request, err error) {
	p.log.Warnw("send failed", "viewer", viewerID, "err", err)
	p.out.Reply(viewerID, req, broker.CodeFail, err.Error())
	p.out.SendTo(viewerID, broker.EvLog, broker.Log{Level: "error", Text: err.Error()})
}

// History answers viewerID with the chat's messages. The platform window is
// fetched once per chat; messages that arrived live before it are kept.
func (p *Pipeline) History(ctx context.Context, viewerID, chatID string) {
	p.lanes.Sync(chatID, func() {
		if p.cache.HistoryLoaded(chatID) {
			list, _ := p.cache.Messages(chatID)
			p.out.SendTo(viewerID, broker.EvMessages, Messages{ChatID: chatID, Messages: list})
			return
		}
		list, err := p.fetch(ctx, chatID)
		if err != nil {
			p.log.Warnw("history", "chat", chatID, "err", err)
			p.out.SendTo(viewerID, broker.EvMessages, Messages{ChatID: chatID, Messages: []model.Message{}})
			p.out.SendTo(viewerID, broker.EvLog, broker.Log{Level: "warn", Text: err.Error()})
			return
		}
		list = p.cache.MergeHistory(chatID, list)
		p.out.SendTo(viewerID, broker.EvMessages, Messages{ChatID: chatID, Messages: list})
	})
}

func (p *Pipeline) fetch(ctx context.Context, chatID string) ([]model.Message, error) {
	raws, err := p.client.FetchMessages(ctx, chatID, p.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", chatID, err)
	}
	list := make([]model.Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := Normalize(ctx, p.client, raw)
		if err != nil && !errors.Is(err, ErrMedia) {
			return nil, err
		}
		if err != nil {
			p.log.Debugw("history media", "chat", chatID, "err", err)
		}
		list = append(list, msg)
	}
	return list, nil
}

// LoadChats replaces the cached chat list from the platform without
// telling anyone.
func (p *Pipeline) LoadChats(ctx context.Context) ([]model.Chat, error) {
	raws, err := p.client.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	list := make([]model.Chat, 0, len(raws))
	for _, c := range raws {
		list = append(list, model.Chat{ID: c.ID, Name: c.Name, IsGroup: c.IsGroup})
	}
	p.cache.ReplaceChats(list)
	return p.cache.Chats(), nil
}

// Chats returns the cached list, loading it first when nothing is cached.
func (p *Pipeline) Chats(ctx context.Context) ([]model.Chat, error) {
	if list := p.cache.Chats(); len(list) > 0 {
		return list, nil
	}
	return p.LoadChats(ctx)
}

// CachedChats returns the cached list without asking the platform.
func (p *Pipeline) CachedChats() []model.Chat {
	return p.cache.Chats()
}

// RefreshChats reloads the chat list and broadcasts it.
func (p *Pipeline) RefreshChats(ctx context.Context) error {
	list, err := p.LoadChats(ctx)
	if err != nil {
		p.out.Broadcast(broker.EvLog, broker.Log{Level: "warn", Text: err.Error()})
		return err
	}
	p.out.Broadcast(broker.EvChats, list)
	return nil
}
