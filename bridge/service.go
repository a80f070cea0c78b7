// Package bridge drives the platform session and answers viewers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
	"go.uber.org/zap"

	"github.com/nzlov/wabridge/broker"
	"github.com/nzlov/wabridge/metrics"
	"github.com/nzlov/wabridge/pipeline"
	"github.com/nzlov/wabridge/platform"
	"github.com/nzlov/wabridge/push"
	"github.com/nzlov/wabridge/session"
)

var phases = []string{
	string(session.Initializing),
	string(session.CheckingSession),
	string(session.AwaitingQR),
	string(session.Authenticated),
	string(session.Ready),
	string(session.Disconnected),
	string(session.Failed),
}

type Config struct {
	// QRTerminal prints every QR code to QROut as well.
	QRTerminal bool
	QROut      io.Writer
	QRSize     int
}

type SessionExists struct {
	Exists bool `json:"exists"`
}

type Status struct {
	session.Snapshot
	Subscriptions int `json:"subscriptions"`
}

// Service owns the session and routes between the platform, the pipeline
// and the viewers. It implements broker.Handler.
type Service struct {
	cfg      Config
	client   platform.Client
	machine  *session.Machine
	pipeline *pipeline.Pipeline
	push     *push.Dispatcher
	out      pipeline.Broadcaster
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	mu     sync.Mutex
	ctx    context.Context
	closed bool
	wg     sync.WaitGroup

	// gen numbers bootstrap attempts; only the latest may move the session.
	gen        uint64
	cancelBoot context.CancelFunc
}

func New(client platform.Client, machine *session.Machine, pipe *pipeline.Pipeline, dispatcher *push.Dispatcher, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.QROut == nil {
		cfg.QROut = os.Stdout
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = 256
	}
	s := &Service{
		cfg:      cfg,
		client:   client,
		machine:  machine,
		pipeline: pipe,
		push:     dispatcher,
		metrics:  m,
		log:      log.With("component", "bridge"),
		ctx:      context.Background(),
	}
	machine.OnTransition(s.onTransition)
	m.Phase(string(machine.Phase()), phases...)
	return s
}

// Attach sets where events go. It must be called before Run.
func (s *Service) Attach(out pipeline.Broadcaster) {
	s.out = out
	s.pipeline.SetBroadcaster(out)
}

// Run boots the session and consumes platform events until ctx ends or the
// platform closes its event stream.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.start()
	defer s.Close()

	events := s.client.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ev)
		}
	}
}

// Close stops the bootstrap guard and waits for background work. Run calls
// it on return.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	if s.cancelBoot != nil {
		s.cancelBoot()
	}
	s.mu.Unlock()
	s.machine.Stop()
	s.wg.Wait()
	s.pipeline.Wait()
}

// async runs fn unless the service is shutting down.
func (s *Service) async(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Service) start() {
	s.machine.Start()
	s.machine.Advance(session.Begin{})
	s.boot()
}

// boot starts a bootstrap attempt and cancels the previous one.
func (s *Service) boot() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancelBoot != nil {
		s.cancelBoot()
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelBoot = cancel
	s.mu.Unlock()

	s.async(func(context.Context) {
		defer cancel()
		s.bootstrap(ctx, gen)
	})
}

func (s *Service) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Service) bootstrap(ctx context.Context, gen uint64) {
	err := s.client.Initialize(ctx)
	if !s.current(gen) {
		s.log.Debugw("stale bootstrap", "gen", gen, "err", err)
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Errorw("initialize", "err", err)
		s.machine.Advance(session.InitFailure{Cause: err.Error()})
		return
	}
	s.checkState(ctx)
}

// checkState asks the platform whether a session already exists and tells
// everyone.
func (s *Service) checkState(ctx context.Context) bool {
	st, err := s.client.State(ctx)
	if err != nil {
		s.log.Warnw("state", "err", err)
		s.out.Broadcast(broker.EvLog, broker.Log{Level: "warn", Text: err.Error()})
	}
	exists := st == platform.StateConnected
	s.out.Broadcast(broker.EvSessionExists, SessionExists{Exists: exists})
	s.machine.Advance(session.StateChecked{Connected: exists})
	return exists
}

// Reinitialize throws the session back to the start and boots it again. It
// is the manual way out of the failed phase.
func (s *Service) Reinitialize() {
	s.log.Info("reinitialize")
	s.machine.Reset()
	s.machine.Advance(session.Begin{})
	s.boot()
}

func (s *Service) Status() Status {
	return Status{Snapshot: s.machine.Snapshot(), Subscriptions: len(s.push.Subscriptions())}
}

func (s *Service) handle(ev platform.Event) {
	s.log.Debugw("platform event", "event", ev.Name())
	switch e := ev.(type) {
	case platform.QREvent:
		s.machine.Advance(session.QRReceived{Code: e.Code})
	case platform.AuthenticatedEvent:
		s.machine.Advance(session.AuthSucceeded{})
	case platform.ReadyEvent:
		s.machine.Advance(session.PlatformReady{})
	case platform.AuthFailureEvent:
		s.machine.Advance(session.AuthFailure{Cause: e.Reason})
	case platform.DisconnectedEvent:
		s.machine.Advance(session.ConnectionLost{Cause: e.Reason})
	case platform.MessageEvent:
		s.pipeline.HandleInbound(e.Message)
	case platform.AckEvent:
		s.pipeline.HandleAck(e.Message, e.Ack)
	default:
		s.log.Warnw("unhandled platform event", "event", ev.Name())
	}
}

func (s *Service) onTransition(tr session.Transition) {
	s.metrics.Phase(string(tr.To), phases...)
	snap := session.Snapshot{Phase: tr.To, Cause: tr.Cause}
	s.out.Broadcast(broker.EvPhase, snap)

	switch tr.To {
	case session.AwaitingQR:
		if tr.QR != "" {
			s.broadcastQR(tr.QR)
		}
	case session.Authenticated:
		s.out.Broadcast(broker.EvAuthenticated, snap)
	case session.Ready:
		s.out.Broadcast(broker.EvReady, snap)
		s.async(func(ctx context.Context) {
			if err := s.pipeline.RefreshChats(ctx); err != nil {
				s.log.Warnw("refresh chats", "err", err)
			}
		})
	case session.Disconnected:
		s.out.Broadcast(broker.EvDisconnected, snap)
	case session.Failed:
		s.out.Broadcast(broker.EvFailed, snap)
	}
}

func (s *Service) broadcastQR(code string) {
	s.out.Broadcast(broker.EvQR, code)
	if img, err := s.qrImage(code); err == nil {
		s.out.Broadcast(broker.EvQRImage, img)
	} else {
		s.log.Warnw("qr image", "err", err)
	}
	if s.cfg.QRTerminal {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, s.cfg.QROut)
	}
}

func (s *Service) qrImage(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, s.cfg.QRSize)
	if err != nil {
		return "", err
	}
	return dataurl.New(png, "image/png").String(), nil
}

// ViewerConnected greets a new viewer with the current state so it never
// waits for the next transition. A transition broadcast may overtake the
// greeting, so it is repeated until the phase it reported still holds.
func (s *Service) ViewerConnected(ctx context.Context, v *broker.Viewer) {
	for i := 0; i < 3; i++ {
		if s.greet(ctx, v) == s.machine.Phase() {
			return
		}
	}
}

func (s *Service) greet(ctx context.Context, v *broker.Viewer) session.Phase {
	snap := s.machine.Snapshot()
	s.out.SendTo(v.ID(), broker.EvPhase, snap)
	switch snap.Phase {
	case session.AwaitingQR:
		if snap.QR != "" {
			s.out.SendTo(v.ID(), broker.EvQR, snap.QR)
			if img, err := s.qrImage(snap.QR); err == nil {
				s.out.SendTo(v.ID(), broker.EvQRImage, img)
			}
		}
	case session.Ready:
		list, err := s.pipeline.Chats(ctx)
		if err != nil {
			s.log.Warnw("chats for new viewer", "viewer", v.ID(), "err", err)
			s.out.SendTo(v.ID(), broker.EvLog, broker.Log{Level: "warn", Text: err.Error()})
			return snap.Phase
		}
		s.out.SendTo(v.ID(), broker.EvChats, list)
		return snap.Phase
	}
	if list := s.pipeline.CachedChats(); len(list) > 0 {
		s.out.SendTo(v.ID(), broker.EvChats, list)
	}
	return snap.Phase
}

// CheckSession reports the phase to the viewer and asks the platform
// whether it is connected. A connected platform moves a session that missed
// its ready event straight to ready.
func (s *Service) CheckSession(ctx context.Context, v *broker.Viewer, req broker.Request) {
	s.out.SendTo(v.ID(), broker.EvPhase, s.machine.Snapshot())
	if s.machine.Phase() == session.CheckingSession {
		s.checkState(ctx)
		s.out.Reply(v.ID(), req, broker.CodeOK, "")
		return
	}
	st, err := s.client.State(ctx)
	if err != nil {
		s.out.Reply(v.ID(), req, broker.CodeFail, err.Error())
		s.out.SendTo(v.ID(), broker.EvLog, broker.Log{Level: "warn", Text: err.Error()})
		return
	}
	exists := st == platform.StateConnected
	s.out.SendTo(v.ID(), broker.EvSessionExists, SessionExists{Exists: exists})
	if exists {
		switch s.machine.Phase() {
		case session.Ready:
			if list, err := s.pipeline.Chats(ctx); err == nil {
				s.out.SendTo(v.ID(), broker.EvChats, list)
			}
		case session.Failed:
		default:
			s.machine.Advance(session.PlatformReady{})
		}
	}
	s.out.Reply(v.ID(), req, broker.CodeOK, "")
}

func (s *Service) RequestChats(ctx context.Context, v *broker.Viewer, req broker.Request) {
	if s.machine.Phase() != session.Ready {
		s.out.Reply(v.ID(), req, broker.CodeFail, platform.ErrNotReady.Error())
		return
	}
	list, err := s.pipeline.LoadChats(ctx)
	if err != nil {
		s.out.Reply(v.ID(), req, broker.CodeFail, err.Error())
		s.out.SendTo(v.ID(), broker.EvLog, broker.Log{Level: "warn", Text: err.Error()})
		return
	}
	s.out.SendTo(v.ID(), broker.EvChats, list)
}

func (s *Service) RequestMessages(ctx context.Context, v *broker.Viewer, req broker.Request, chatID string) {
	s.pipeline.History(ctx, v.ID(), chatID)
}

func (s *Service) SendMessage(ctx context.Context, v *broker.Viewer, req broker.Request, p broker.SendPayload) {
	s.pipeline.Send(ctx, v.ID(), req, p.To, p.Body)
}

func (s *Service) RegisterPush(ctx context.Context, v *broker.Viewer, req broker.Request, raw json.RawMessage) {
	sub := push.Subscription{}
	if err := json.Unmarshal(raw, &sub); err != nil {
		s.out.Reply(v.ID(), req, broker.CodeFail, push.ErrInvalidSubscription.Error())
		return
	}
	if err := s.push.Register(sub); err != nil {
		s.out.Reply(v.ID(), req, broker.CodeFail, err.Error())
		return
	}
	s.out.Reply(v.ID(), req, broker.CodeOK, "")
}
