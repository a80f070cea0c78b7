// Package platform describes the chat-platform client the bridge drives.
//
// The client is opaque: it is reached through a browser-automation sidecar
// and only exposes the capabilities and events listed here.
package platform

import (
	"context"
	"errors"
)

// State is the connection state reported by the platform client.
type State string

const (
	StateConnected State = "CONNECTED"
	StateOpening   State = "OPENING"
	StatePairing   State = "PAIRING"
	StateUnpaired  State = "UNPAIRED"
	StateConflict  State = "CONFLICT"
	StateTimeout   State = "TIMEOUT"
	StateUnknown   State = ""
)

var ErrNotReady = errors.New("platform client not ready")

type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"isGroup"`
}

// Message is a message as the platform reports it. Fields are loosely
// populated; pipeline.Normalize turns it into a model.Message.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Author    string `json:"author,omitempty"`
	FromMe    bool   `json:"fromMe"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	HasMedia  bool   `json:"hasMedia"`
	Ack       int    `json:"ack"`
	Timestamp int64  `json:"timestamp"`
}

type Media struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

type Client interface {
	Initialize(ctx context.Context) error
	State(ctx context.Context) (State, error)
	Chats(ctx context.Context) ([]Chat, error)
	ChatByID(ctx context.Context, id string) (Chat, error)
	SendMessage(ctx context.Context, to, body string) (Message, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	DownloadMedia(ctx context.Context, msg Message) (Media, error)
	// Events is closed when the client shuts down.
	Events() <-chan Event
}
