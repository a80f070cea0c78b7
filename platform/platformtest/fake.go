// Package platformtest provides an in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nzlov/wabridge/platform"
)

// Fake is a scriptable platform.Client. Zero-value hooks fall back to
// canned behaviour backed by the exported fields.
type Fake struct {
	mu sync.Mutex

	CurrentState platform.State
	ChatList     []platform.Chat
	History      map[string][]platform.Message
	MediaByID    map[string]platform.Media

	InitializeFunc func(ctx context.Context) error
	SendFunc       func(ctx context.Context, to, body string) (platform.Message, error)
	FetchFunc      func(ctx context.Context, chatID string, limit int) ([]platform.Message, error)
	MediaFunc      func(ctx context.Context, msg platform.Message) (platform.Media, error)
	ChatsFunc      func(ctx context.Context) ([]platform.Chat, error)

	Sent        []platform.Message
	Initialized int
	seq         int

	events chan platform.Event
}

func New() *Fake {
	return &Fake{
		CurrentState: platform.StateUnpaired,
		History:      map[string][]platform.Message{},
		MediaByID:    map[string]platform.Media{},
		events:       make(chan platform.Event, 64),
	}
}

// Emit pushes an event as if the platform had produced it.
func (f *Fake) Emit(ev platform.Event) {
	f.events <- ev
}

func (f *Fake) Close() {
	close(f.events)
}

func (f *Fake) SetState(s platform.State) {
	f.mu.Lock()
	f.CurrentState = s
	f.mu.Unlock()
}

func (f *Fake) SetChats(chats ...platform.Chat) {
	f.mu.Lock()
	f.ChatList = chats
	f.mu.Unlock()
}

func (f *Fake) SentMessages() []platform.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Message(nil), f.Sent...)
}

func (f *Fake) InitializeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Initialized
}

func (f *Fake) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.Initialized++
	fn := f.InitializeFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *Fake) State(context.Context) (platform.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CurrentState, nil
}

func (f *Fake) Chats(ctx context.Context) ([]platform.Chat, error) {
	if f.ChatsFunc != nil {
		return f.ChatsFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Chat(nil), f.ChatList...), nil
}

func (f *Fake) ChatByID(_ context.Context, id string) (platform.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.ChatList {
		if c.ID == id {
			return c, nil
		}
	}
	return platform.Chat{}, fmt.Errorf("chat %s not found", id)
}

func (f *Fake) SendMessage(ctx context.Context, to, body string) (platform.Message, error) {
	if f.SendFunc != nil {
		return f.SendFunc(ctx, to, body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m := platform.Message{
		ID:        fmt.Sprintf("true_%s_%d", to, f.seq),
		From:      "me@c.us",
		To:        to,
		FromMe:    true,
		Body:      body,
		Type:      "chat",
		Ack:       1,
		Timestamp: time.Now().Unix(),
	}
	f.Sent = append(f.Sent, m)
	return m, nil
}

func (f *Fake) FetchMessages(ctx context.Context, chatID string, limit int) ([]platform.Message, error) {
	if f.FetchFunc != nil {
		return f.FetchFunc(ctx, chatID, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.History[chatID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]platform.Message(nil), h...), nil
}

func (f *Fake) DownloadMedia(ctx context.Context, msg platform.Message) (platform.Media, error) {
	if f.MediaFunc != nil {
		return f.MediaFunc(ctx, msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.MediaByID[msg.ID]
	if !ok {
		return platform.Media{}, fmt.Errorf("media for %s not found", msg.ID)
	}
	return m, nil
}

func (f *Fake) Events() <-chan platform.Event {
	return f.events
}
