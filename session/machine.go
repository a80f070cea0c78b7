// Package session tracks the lifecycle of the single platform session.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Phase string

const (
	Initializing    Phase = "initializing"
	CheckingSession Phase = "checking_session"
	AwaitingQR      Phase = "awaiting_qr"
	Authenticated   Phase = "authenticated"
	Ready           Phase = "ready"
	Disconnected    Phase = "disconnected"
	Failed          Phase = "failed"
)

// Terminal phases stop the bootstrap guard.
func (p Phase) Terminal() bool {
	return p == Ready || p == AwaitingQR || p == Failed
}

const (
	DefaultBootstrapTimeout = 30 * time.Second
	CauseTimeout            = "timeout"
)

type Transition struct {
	From  Phase
	To    Phase
	Event Event
	Cause string
	QR    string
}

type Snapshot struct {
	Phase Phase  `json:"phase"`
	Cause string `json:"cause,omitempty"`
	QR    string `json:"-"`
}

type Machine struct {
	mu      sync.Mutex
	phase   Phase
	lastErr string
	qr      string

	// generation invalidates guards armed before the last Start/Reset.
	generation uint64
	guard      *time.Timer
	timeout    time.Duration

	// pending transitions are delivered in order by whichever goroutine
	// holds notifyMu.
	pending   []Transition
	notifyMu  sync.Mutex
	listeners []func(Transition)

	log *zap.SugaredLogger
}

func New(timeout time.Duration, log *zap.SugaredLogger) *Machine {
	if timeout <= 0 {
		timeout = DefaultBootstrapTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Machine{
		phase:   Initializing,
		timeout: timeout,
		log:     log.With("component", "session"),
	}
}

// OnTransition registers fn for every future transition. Listeners run
// outside the state lock, one transition at a time, in transition order.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// QRCode is the last code received while awaiting a scan.
func (m *Machine) QRCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != AwaitingQR {
		return ""
	}
	return m.qr
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{Phase: m.phase, Cause: m.lastErr}
	if m.phase == AwaitingQR {
		s.QR = m.qr
	}
	return s
}

// Start arms the bootstrap guard. The machine stays in Initializing until
// Begin is advanced.
func (m *Machine) Start() {
	m.mu.Lock()
	m.armLocked()
	m.mu.Unlock()
}

// Reset returns a machine in any phase to Initializing and re-arms the
// bootstrap guard. It is the only way out of Failed.
func (m *Machine) Reset() Transition {
	m.mu.Lock()
	t := Transition{From: m.phase, To: Initializing, Event: resetEvent{}}
	m.phase = Initializing
	m.lastErr = ""
	m.qr = ""
	m.armLocked()
	m.pending = append(m.pending, t)
	m.mu.Unlock()
	m.drain()
	return t
}

// Stop disarms the bootstrap guard.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.guard != nil {
		m.guard.Stop()
	}
	m.generation++
	m.mu.Unlock()
}

func (m *Machine) armLocked() {
	if m.guard != nil {
		m.guard.Stop()
	}
	m.generation++
	gen := m.generation
	m.guard = time.AfterFunc(m.timeout, func() { m.expire(gen) })
}

func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.phase.Terminal() {
		m.mu.Unlock()
		return
	}
	m.log.Warnw("bootstrap deadline exceeded", "phase", m.phase, "timeout", m.timeout)
	m.advanceLocked(Timeout{})
}

// Advance applies ev. It reports false when ev is not valid from the
// current phase, in which case nothing changes.
func (m *Machine) Advance(ev Event) (Transition, bool) {
	m.mu.Lock()
	return m.advanceLocked(ev)
}

// advanceLocked is entered with mu held and releases it.
func (m *Machine) advanceLocked(ev Event) (Transition, bool) {
	to, ok := next(m.phase, ev)
	if !ok {
		m.log.Debugw("ignored event", "phase", m.phase, "event", ev.eventName())
		m.mu.Unlock()
		return Transition{}, false
	}
	t := Transition{From: m.phase, To: to, Event: ev}
	switch e := ev.(type) {
	case QRReceived:
		m.qr = e.Code
		t.QR = e.Code
	case AuthFailure:
		t.Cause = e.Cause
	case InitFailure:
		t.Cause = e.Cause
	case ConnectionLost:
		t.Cause = e.Cause
	case Timeout:
		t.Cause = CauseTimeout
	}
	m.phase = to
	if to == Failed {
		m.lastErr = t.Cause
	}
	if to.Terminal() && m.guard != nil {
		m.guard.Stop()
		m.generation++
	}
	m.log.Infow("transition", "from", t.From, "to", t.To, "event", ev.eventName(), "cause", t.Cause)
	m.pending = append(m.pending, t)
	m.mu.Unlock()
	m.drain()
	return t, true
}

// drain delivers pending transitions. When another goroutine is already
// delivering, it returns and leaves the work to that goroutine.
func (m *Machine) drain() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			t := m.pending[0]
			m.pending = m.pending[1:]
			listeners := m.listeners
			m.mu.Unlock()
			for _, fn := range listeners {
				fn(t)
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.pending) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func next(from Phase, ev Event) (Phase, bool) {
	if from == Failed {
		return "", false
	}
	switch e := ev.(type) {
	case Begin:
		return CheckingSession, from == Initializing
	case StateChecked:
		if from != CheckingSession {
			return "", false
		}
		if e.Connected {
			return Ready, true
		}
		return AwaitingQR, true
	case QRReceived:
		switch from {
		case Initializing, CheckingSession, AwaitingQR, Disconnected:
			return AwaitingQR, true
		}
	case AuthSucceeded:
		switch from {
		case Initializing, CheckingSession, AwaitingQR:
			return Authenticated, true
		}
	case PlatformReady:
		switch from {
		case Initializing, CheckingSession, AwaitingQR, Authenticated, Disconnected:
			return Ready, true
		}
	case ConnectionLost:
		return Disconnected, from != Disconnected
	case AuthFailure, InitFailure, Timeout:
		return Failed, true
	}
	return "", false
}
