package session

// Event drives the Machine. The set is closed.
type Event interface {
	eventName() string
}

// Begin starts the session check after the platform client was launched.
type Begin struct{}

// StateChecked carries the result of querying the platform state.
type StateChecked struct{ Connected bool }

type QRReceived struct{ Code string }

type AuthSucceeded struct{}

type PlatformReady struct{}

type AuthFailure struct{ Cause string }

type InitFailure struct{ Cause string }

type ConnectionLost struct{ Cause string }

// Timeout is raised by the bootstrap guard.
type Timeout struct{}

type resetEvent struct{}

func (Begin) eventName() string          { return "begin" }
func (StateChecked) eventName() string   { return "state_checked" }
func (QRReceived) eventName() string     { return "qr" }
func (AuthSucceeded) eventName() string  { return "authenticated" }
func (PlatformReady) eventName() string  { return "ready" }
func (AuthFailure) eventName() string    { return "auth_failure" }
func (InitFailure) eventName() string    { return "init_failure" }
func (ConnectionLost) eventName() string { return "disconnected" }
func (Timeout) eventName() string        { return "timeout" }
func (resetEvent) eventName() string     { return "reset" }
