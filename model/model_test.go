package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaValidate(t *testing.T) {
	ok := Media{MimeType: "image/png", Data: "aGVsbG8="}
	require.NoError(t, ok.Validate())

	bad := []Media{
		{MimeType: "", Data: "aGVsbG8="},
		{MimeType: "image", Data: "aGVsbG8="},
		{MimeType: "image/png", Data: ""},
		{MimeType: "image/png", Data: "not base64!"},
	}
	for _, m := range bad {
		assert.ErrorIs(t, m.Validate(), ErrInvalidMedia, "%+v", m)
	}
}

func TestMediaDataURL(t *testing.T) {
	u, err := Media{MimeType: "text/plain", Data: "aGVsbG8="}.DataURL()
	require.NoError(t, err)
	assert.Equal(t, "data:text/plain;base64,aGVsbG8=", u)
}

func TestChatTitle(t *testing.T) {
	assert.Equal(t, "Bob", Chat{ID: "1@c.us", Name: "Bob"}.Title())
	assert.Equal(t, "1@c.us", Chat{ID: "1@c.us"}.Title())
}
