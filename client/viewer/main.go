// Command viewer connects to a bridge as a viewer and prints what it sees.
package main

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	addr   = flag.String("addr", "localhost:8080", "http service address")
	user   = flag.String("user", "cli", "user name sent with the token")
	secret = flag.String("secret", "", "viewer secret, empty when the bridge has none")
	chat   = flag.String("chat", "", "chat to open after connecting")
	to     = flag.String("to", "", "send -body to this chat after connecting")
	body   = flag.String("body", "", "message body")
)

type envelope struct {
	T  string          `json:"t"`
	I  string          `json:"i,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
	RT string          `json:"rt,omitempty"`
	C  int             `json:"c,omitempty"`
	M  string          `json:"m,omitempty"`
}

func TokenMD5(secret, user, timestamp string) string {
	h := md5.New()
	h.Write([]byte(secret + user + timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

func command(c *websocket.Conn, t string, d interface{}) error {
	env := map[string]interface{}{"t": t, "i": uuid.NewString()}
	if d != nil {
		env["d"] = d
	}
	return c.WriteJSON(env)
}

func main() {
	flag.Parse()
	l, _ := zap.NewDevelopment()
	log := l.Sugar()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	if *secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		q := url.Values{}
		q.Set("u", *user)
		q.Set("ts", ts)
		q.Set("tk", TokenMD5(*secret, *user, ts))
		u.RawQuery = q.Encode()
	}
	log.Infof("connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Info("read:", err)
				return
			}
			env := envelope{}
			if err := json.Unmarshal(message, &env); err != nil {
				log.Warn("read json:", err)
				continue
			}
			switch env.T {
			case "r":
				log.Infof("reply %s [%s] code=%d %s", env.RT, env.I, env.C, env.M)
			case "qr":
				code := ""
				json.Unmarshal(env.D, &code)
				fmt.Println("scan this code:", code)
			case "qrImage":
				log.Info("qr image received")
			default:
				log.Infof("%s: %s", env.T, env.D)
			}
		}
	}()

	if *chat != "" {
		if err := command(c, "requestMessages", *chat); err != nil {
			log.Fatal("write:", err)
		}
	}
	if *to != "" && *body != "" {
		if err := command(c, "sendMessage", map[string]string{"to": *to, "body": *body}); err != nil {
			log.Fatal("write:", err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-done:
	case <-interrupt:
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
