package store

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzlov/wabridge/model"
)

func TestAppendKeepsReceiptOrder(t *testing.T) {
	c := New()
	r := rand.New(rand.NewSource(1))
	want := []string{}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("m%d", i)
		want = append(want, id)
		// timestamps deliberately out of order
		c.AppendMessage("a@c.us", model.Message{ID: id, Timestamp: r.Int63n(1000)})
	}
	got, ok := c.Messages("a@c.us")
	require.True(t, ok)
	ids := []string{}
	for _, m := range got {
		ids = append(ids, m.ID)
		assert.Equal(t, "a@c.us", m.ChatID)
	}
	assert.Equal(t, want, ids)
}

func TestAppendSameIDAsLastUpdatesInPlace(t *testing.T) {
	c := New()
	c.AppendMessage("a", model.Message{ID: "1", Body: "first"})
	c.AppendMessage("a", model.Message{ID: "2", Body: "echo", Ack: model.AckSent})

	stored, updated := c.AppendMessage("a", model.Message{ID: "2", Body: "confirmed", Ack: model.AckPending})
	assert.True(t, updated)
	assert.Equal(t, "confirmed", stored.Body)
	assert.Equal(t, model.AckSent, stored.Ack, "ack never goes backwards on update")

	got, _ := c.Messages("a")
	require.Len(t, got, 2)
	assert.Equal(t, "confirmed", got[1].Body)
}

func TestAppendWithoutIDAlwaysAppends(t *testing.T) {
	c := New()
	c.AppendMessage("a", model.Message{Body: "x"})
	_, updated := c.AppendMessage("a", model.Message{Body: "x"})
	assert.False(t, updated)
	got, _ := c.Messages("a")
	assert.Len(t, got, 2)
}

func TestAppendCreatesSequence(t *testing.T) {
	c := New()
	_, ok := c.Messages("new")
	assert.False(t, ok)
	c.AppendMessage("new", model.Message{ID: "1"})
	got, ok := c.Messages("new")
	assert.True(t, ok)
	assert.Len(t, got, 1)
}

func TestReplaceMessagesAndChats(t *testing.T) {
	c := New()
	c.AppendMessage("a", model.Message{ID: "old"})
	c.ReplaceMessages("a", []model.Message{{ID: "h1"}, {ID: "h2"}})
	got, _ := c.Messages("a")
	require.Len(t, got, 2)
	assert.Equal(t, "h1", got[0].ID)
	assert.Equal(t, "a", got[0].ChatID)

	c.ReplaceChats([]model.Chat{{ID: "a"}, {ID: "b"}})
	c.ReplaceChats([]model.Chat{{ID: "c", Name: "Carol"}})
	assert.Equal(t, []model.Chat{{ID: "c", Name: "Carol"}}, c.Chats())
	_, ok := c.Chat("a")
	assert.False(t, ok)
	ch, ok := c.Chat("c")
	assert.True(t, ok)
	assert.Equal(t, "Carol", ch.Name)
}

func TestUpdateAck(t *testing.T) {
	c := New()
	c.AppendMessage("a", model.Message{ID: "1"})
	c.AppendMessage("a", model.Message{ID: "2"})

	m, ok := c.UpdateAck("a", "1", model.AckRead)
	require.True(t, ok)
	assert.Equal(t, model.AckRead, m.Ack)

	_, ok = c.UpdateAck("a", "missing", model.AckRead)
	assert.False(t, ok)
	_, ok = c.UpdateAck("b", "1", model.AckRead)
	assert.False(t, ok)

	got, _ := c.Messages("a")
	assert.Len(t, got, 2, "acks never create messages")
}

func TestMergeHistoryKeepsLiveMessages(t *testing.T) {
	c := New()
	c.AppendMessage("a", model.Message{ID: "h2", Body: "live copy"})
	c.AppendMessage("a", model.Message{ID: "m3"})
	assert.False(t, c.HistoryLoaded("a"))

	got := c.MergeHistory("a", []model.Message{{ID: "h1"}, {ID: "h2", Body: "fetched"}})
	ids := []string{}
	for _, m := range got {
		ids = append(ids, m.ID)
		assert.Equal(t, "a", m.ChatID)
	}
	assert.Equal(t, []string{"h1", "h2", "m3"}, ids)
	assert.Equal(t, "fetched", got[1].Body)
	assert.True(t, c.HistoryLoaded("a"))

	cached, _ := c.Messages("a")
	assert.Equal(t, got, cached)
}

func TestAppendDoesNotMarkHistoryLoaded(t *testing.T) {
	c := New()
	c.AppendMessage("a", model.Message{ID: "1"})
	assert.False(t, c.HistoryLoaded("a"))
	c.ReplaceMessages("b", nil)
	assert.True(t, c.HistoryLoaded("b"))
}

func TestSnapshotsAreCopies(t *testing.T) {
	c := New()
	c.AppendMessage("a", model.Message{ID: "1", Body: "x"})
	got, _ := c.Messages("a")
	got[0].Body = "mutated"
	again, _ := c.Messages("a")
	assert.Equal(t, "x", again[0].Body)
}

func TestConcurrentAppendsPerChat(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for chat := 0; chat < 8; chat++ {
		wg.Add(1)
		go func(chat int) {
			defer wg.Done()
			id := fmt.Sprintf("chat%d", chat)
			for i := 0; i < 100; i++ {
				c.AppendMessage(id, model.Message{ID: fmt.Sprint(i)})
			}
		}(chat)
	}
	wg.Wait()
	for chat := 0; chat < 8; chat++ {
		got, _ := c.Messages(fmt.Sprintf("chat%d", chat))
		require.Len(t, got, 100)
		for i, m := range got {
			assert.Equal(t, fmt.Sprint(i), m.ID)
		}
	}
}
