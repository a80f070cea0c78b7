package platform

// Event is one of QREvent, AuthenticatedEvent, ReadyEvent, AuthFailureEvent,
// DisconnectedEvent, MessageEvent, AckEvent.
type Event interface {
	Name() string
	platformEvent()
}

type QREvent struct{ Code string }

type AuthenticatedEvent struct{}

type ReadyEvent struct{}

type AuthFailureEvent struct{ Reason string }

type DisconnectedEvent struct{ Reason string }

type MessageEvent struct{ Message Message }

type AckEvent struct {
	Message Message
	Ack     int
}

func (QREvent) Name() string            { return "qr" }
func (AuthenticatedEvent) Name() string { return "authenticated" }
func (ReadyEvent) Name() string         { return "ready" }
func (AuthFailureEvent) Name() string   { return "auth_failure" }
func (DisconnectedEvent) Name() string  { return "disconnected" }
func (MessageEvent) Name() string       { return "message" }
func (AckEvent) Name() string           { return "message_ack" }

func (QREvent) platformEvent()            {}
func (AuthenticatedEvent) platformEvent() {}
func (ReadyEvent) platformEvent()         {}
func (AuthFailureEvent) platformEvent()   {}
func (DisconnectedEvent) platformEvent()  {}
func (MessageEvent) platformEvent()       {}
func (AckEvent) platformEvent()           {}
