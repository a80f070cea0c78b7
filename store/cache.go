// Package store holds the process-lifetime chat and message cache.
package store

import (
	"sync"

	"github.com/nzlov/wabridge/model"
)

// Cache maps chats to their ordered message history. Order is insertion
// order; the cache never sorts.
type Cache struct {
	mu       sync.RWMutex
	chats    []model.Chat
	messages map[string][]model.Message
	// loaded marks chats whose platform history has been merged in.
	loaded map[string]bool
}

func New() *Cache {
	return &Cache{
		messages: map[string][]model.Message{},
		loaded:   map[string]bool{},
	}
}

// ReplaceChats supersedes the previous chat list entirely.
func (c *Cache) ReplaceChats(list []model.Chat) {
	cp := append([]model.Chat(nil), list...)
	c.mu.Lock()
	c.chats = cp
	c.mu.Unlock()
}

func (c *Cache) Chats() []model.Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Chat(nil), c.chats...)
}

func (c *Cache) Chat(id string) (model.Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.chats {
		if ch.ID == id {
			return ch, true
		}
	}
	return model.Chat{}, false
}

// AppendMessage adds msg to the end of the chat's history. When msg carries
// the same id as the last stored message it replaces that entry instead and
// reports updated; the higher ack level wins.
func (c *Cache) AppendMessage(chatID string, msg model.Message) (stored model.Message, updated bool) {
	msg.ChatID = chatID
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.messages[chatID]
	if n := len(list); n > 0 && msg.ID != "" && list[n-1].ID == msg.ID {
		if list[n-1].Ack > msg.Ack {
			msg.Ack = list[n-1].Ack
		}
		list[n-1] = msg
		return msg, true
	}
	c.messages[chatID] = append(list, msg)
	return msg, false
}

// ReplaceMessages supersedes the chat's history and marks it loaded.
func (c *Cache) ReplaceMessages(chatID string, list []model.Message) {
	cp := make([]model.Message, len(list))
	for i, m := range list {
		m.ChatID = chatID
		cp[i] = m
	}
	c.mu.Lock()
	c.messages[chatID] = cp
	c.loaded[chatID] = true
	c.mu.Unlock()
}

// MergeHistory installs a fetched history window and marks the chat loaded.
// Messages cached before the fetch whose ids the window lacks are kept
// after it, in their original order.
func (c *Cache) MergeHistory(chatID string, list []model.Message) []model.Message {
	merged := make([]model.Message, 0, len(list))
	seen := map[string]bool{}
	for _, m := range list {
		m.ChatID = chatID
		merged = append(merged, m)
		if m.ID != "" {
			seen[m.ID] = true
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages[chatID] {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		merged = append(merged, m)
	}
	c.messages[chatID] = merged
	c.loaded[chatID] = true
	return append([]model.Message(nil), merged...)
}

// HistoryLoaded reports whether the chat's platform history is cached, as
// opposed to only live messages.
func (c *Cache) HistoryLoaded(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded[chatID]
}

// Messages returns a copy of the chat's history and whether any history
// was ever stored for it.
func (c *Cache) Messages(chatID string) ([]model.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list, ok := c.messages[chatID]
	return append([]model.Message(nil), list...), ok
}

// UpdateAck sets the ack level of a stored message. Unknown ids are
// ignored: acks may arrive before the history that contains them.
func (c *Cache) UpdateAck(chatID, messageID string, level model.Ack) (model.Message, bool) {
	if messageID == "" {
		return model.Message{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.messages[chatID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ID == messageID {
			list[i].Ack = level
			return list[i], true
		}
	}
	return model.Message{}, false
}
