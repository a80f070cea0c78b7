package broker

import (
	"bytes"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nzlov/wabridge/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Viewer is a middleman between one websocket connection and the node.
// Its selection and unread counters belong to this connection only.
type Viewer struct {
	id   string
	node *Node

	log *zap.SugaredLogger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Closed by the node.
	send chan []byte

	mu       sync.Mutex
	selected string
	unread   *store.UnreadCounter
	dropped  bool
}

func (v *Viewer) ID() string { return v.id }

// Select makes chatID the viewer's open chat and clears its unread count.
// An empty chatID closes the selection.
func (v *Viewer) Select(chatID string) {
	v.mu.Lock()
	v.selected = chatID
	if chatID != "" {
		v.unread.Clear(chatID)
	}
	v.mu.Unlock()
}

// noteInbound counts an inbound message unless its chat is selected.
func (v *Viewer) noteInbound(chatID string) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if chatID == "" || chatID == v.selected {
		return 0, false
	}
	return v.unread.Increment(chatID), true
}

// readPump pumps messages from the websocket connection to the node.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (v *Viewer) readPump() {
	defer func() {
		v.node.UnRegister(v)
		v.conn.Close()
	}()
	if limit := v.node.cfg.ReadMessageSizeLimit; limit > 0 {
		v.conn.SetReadLimit(limit)
	}
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error { v.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				v.log.Error(err)
			}
			break
		}
		message = bytes.TrimSpace(bytes.ReplaceAll(message, newline, space))
		v.node.dispatch(v, message)
	}
}

// writePump pumps messages from the node to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (v *Viewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()
	for {
		select {
		case message, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The node closed the channel.
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := v.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				v.log.Errorf("NextWriter:%v", err)
				return
			}
			v.log.Debugf("Write:%s", message)
			w.Write(message)

			if err := w.Close(); err != nil {
				v.log.Errorf("NextWriter Close:%v", err)
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				v.log.Errorf("WriteMessage PingMessage:%v", err)
				return
			}
		}
	}
}
