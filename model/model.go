package model

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/vincent-petithory/dataurl"
)

type Type string

const (
	TypeText     Type = "text"
	TypeLocation Type = "location"
	TypeSticker  Type = "sticker"
	TypeImage    Type = "image"
	TypeVideo    Type = "video"
	TypeAudio    Type = "audio"
	TypeDocument Type = "document"
)

// Ack is the delivery-confirmation stage reported by the platform.
type Ack int

const (
	AckError     Ack = -1
	AckPending   Ack = 0
	AckSent      Ack = 1
	AckDelivered Ack = 2
	AckRead      Ack = 3
	AckPlayed    Ack = 4
)

func (a Ack) String() string {
	switch a {
	case AckError:
		return "error"
	case AckPending:
		return "pending"
	case AckSent:
		return "sent"
	case AckDelivered:
		return "delivered"
	case AckRead:
		return "read"
	case AckPlayed:
		return "played"
	}
	return fmt.Sprintf("ack(%d)", int(a))
}

type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup"`
}

// Title is the best display label for the chat.
func (c Chat) Title() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

type Message struct {
	ID        string `json:"id,omitempty"`
	ChatID    string `json:"chatId"`
	FromMe    bool   `json:"fromMe"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	Type      Type   `json:"type"`
	Media     *Media `json:"media,omitempty"`
	Ack       Ack    `json:"ack"`
	Timestamp int64  `json:"timestamp"`
}

type Media struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

var ErrInvalidMedia = errors.New("invalid media")

// Validate checks that the media renders as a data URL, which needs a
// non-empty base64 payload and a full mime type.
func (m Media) Validate() error {
	if m.Data == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidMedia)
	}
	_, err := m.DataURL()
	return err
}

// DataURL renders the media as a data: URL for direct embedding.
func (m Media) DataURL() (string, error) {
	mediatype, err := parseMime(m.MimeType)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrInvalidMedia, err)
	}
	return dataurl.New(raw, mediatype).String(), nil
}

func parseMime(v string) (string, error) {
	mediatype, _, err := mime.ParseMediaType(v)
	if err != nil {
		return "", fmt.Errorf("%w: mime %q: %v", ErrInvalidMedia, v, err)
	}
	if !strings.Contains(mediatype, "/") {
		return "", fmt.Errorf("%w: mime %q has no subtype", ErrInvalidMedia, v)
	}
	return mediatype, nil
}
