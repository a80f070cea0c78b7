package broker

import (
	"encoding/json"
)

// Commands accepted from viewers.
const (
	CmdCheckSession    = "checkSession"
	CmdRequestChats    = "requestChats"
	CmdRequestMessages = "requestMessages"
	CmdSelectChat      = "selectChat"
	CmdSendMessage     = "sendMessage"
	CmdRegisterPush    = "registerPush"
)

// Events pushed to viewers.
const (
	EvPhase         = "phase"
	EvQR            = "qr"
	EvQRImage       = "qrImage"
	EvAuthenticated = "authenticated"
	EvReady         = "ready"
	EvDisconnected  = "disconnected"
	EvFailed        = "failed"
	EvSessionExists = "sessionExists"
	EvChats         = "chats"
	EvMessages      = "messages"
	EvMessage       = "message"
	EvMessageSent   = "messageSent"
	EvAckUpdate     = "ackUpdate"
	EvUnread        = "unread"
	EvLog           = "log"
	EvReply         = "r"
)

// Reply codes.
const (
	CodeOK   = 0
	CodeFail = 1
	CodeAuth = 2
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	T string          `json:"t"`
	I string          `json:"i,omitempty"`
	D json.RawMessage `json:"d,omitempty"`
}

// Request identifies the command a handler is answering.
type Request struct {
	Type string
	ID   string
}

type Reply struct {
	T  string `json:"t"`
	RT string `json:"rt"`
	I  string `json:"i,omitempty"`
	C  int    `json:"c"`
	M  string `json:"m,omitempty"`
}

type Unread struct {
	ChatID string `json:"chatId"`
	Count  int    `json:"count"`
}

type Log struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

type SendPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func encode(event string, payload interface{}) (frame, raw []byte, err error) {
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, nil, err
		}
	}
	frame, err = json.Marshal(Envelope{T: event, D: raw})
	return frame, raw, err
}
