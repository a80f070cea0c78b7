package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/nzlov/wabridge/model"
	"github.com/nzlov/wabridge/platform"
)

var (
	ErrEmptyMessage   = errors.New("message body is empty")
	ErrEmptyRecipient = errors.New("recipient is empty")
	ErrMedia          = errors.New("media unavailable")
)

// ChatIDFor attributes a message to the conversation it belongs to: the
// counterpart, which is the recipient for own messages.
func ChatIDFor(raw platform.Message) string {
	if raw.FromMe {
		return raw.To
	}
	return raw.From
}

func typeFor(raw string) model.Type {
	switch raw {
	case "chat", "":
		return model.TypeText
	case "ptt":
		return model.TypeAudio
	case string(model.TypeImage), string(model.TypeVideo), string(model.TypeAudio),
		string(model.TypeDocument), string(model.TypeSticker), string(model.TypeLocation):
		return model.Type(raw)
	}
	return model.TypeText
}

// Normalize converts a platform message. Media is downloaded and validated
// when the message carries some; if that fails the message is still
// returned, without media, together with an error wrapping ErrMedia.
func Normalize(ctx context.Context, c platform.Client, raw platform.Message) (model.Message, error) {
	msg := model.Message{
		ID:        raw.ID,
		ChatID:    ChatIDFor(raw),
		FromMe:    raw.FromMe,
		Author:    raw.Author,
		Body:      raw.Body,
		Type:      typeFor(raw.Type),
		Ack:       model.Ack(raw.Ack),
		Timestamp: raw.Timestamp,
	}
	if !raw.HasMedia || c == nil {
		return msg, nil
	}
	media, err := c.DownloadMedia(ctx, raw)
	if err != nil {
		return msg, fmt.Errorf("%w: %s: %v", ErrMedia, raw.ID, err)
	}
	m := model.Media{MimeType: media.MimeType, Data: media.Data, Filename: media.Filename}
	if err := m.Validate(); err != nil {
		return msg, fmt.Errorf("%w: %s: %v", ErrMedia, raw.ID, err)
	}
	msg.Media = &m
	return msg, nil
}
