// Package push fans inbound-message notifications out to registered
// web-push subscriptions.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nzlov/wabridge/metrics"
)

type Sender interface {
	Send(ctx context.Context, sub Subscription, payload []byte) error
}

type Config struct {
	// Concurrency bounds parallel deliveries per notification.
	Concurrency int
	Timeout     time.Duration
}

type Dispatcher struct {
	mu     sync.RWMutex
	subs   []Subscription
	sender Sender
	cfg    Config
	m      *metrics.Metrics
	log    *zap.SugaredLogger
}

func NewDispatcher(sender Sender, cfg Config, m *metrics.Metrics, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		sender: sender,
		cfg:    cfg,
		m:      m,
		log:    log.With("component", "push"),
	}
}

// Register adds sub. An already known endpoint has its keys replaced.
func (d *Dispatcher) Register(sub Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.subs {
		if d.subs[i].Endpoint == sub.Endpoint {
			d.subs[i] = sub
			d.log.Infow("subscription refreshed", "endpoint", sub.Endpoint)
			return nil
		}
	}
	d.subs = append(d.subs, sub)
	d.log.Infow("subscription registered", "endpoint", sub.Endpoint, "total", len(d.subs))
	return nil
}

func (d *Dispatcher) Subscriptions() []Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Subscription(nil), d.subs...)
}

// NotifyInbound attempts delivery to every subscription independently and
// returns once all attempts finished. Failures are logged, never returned.
func (d *Dispatcher) NotifyInbound(ctx context.Context, n Notification) {
	subs := d.Subscriptions()
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		d.log.Errorw("marshal notification", "err", err)
		return
	}

	var (
		gmu  sync.Mutex
		gone []string
	)
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			if err := d.deliver(ctx, sub, payload); err != nil {
				if errors.Is(err, ErrGone) {
					gmu.Lock()
					gone = append(gone, sub.Endpoint)
					gmu.Unlock()
				}
			}
			return nil
		})
	}
	g.Wait()

	if len(gone) > 0 {
		d.evict(gone)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, payload []byte) (err error) {
	log := d.log.With("method", "deliver", "endpoint", sub.Endpoint)
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("sender panic", "panic", r)
			d.m.PushDelivery("error")
			err = nil
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err = d.sender.Send(ctx, sub, payload)
	if err != nil {
		log.Warnw("delivery failed", "err", err, "duration", time.Since(start))
		if errors.Is(err, ErrGone) {
			d.m.PushDelivery("gone")
		} else {
			d.m.PushDelivery("error")
		}
		return err
	}
	log.Debugw("delivered", "duration", time.Since(start))
	d.m.PushDelivery("ok")
	return nil
}

func (d *Dispatcher) evict(endpoints []string) {
	drop := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		drop[e] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.subs[:0]
	for _, s := range d.subs {
		if _, ok := drop[s.Endpoint]; ok {
			d.log.Infow("subscription evicted", "endpoint", s.Endpoint)
			continue
		}
		kept = append(kept, s)
	}
	d.subs = kept
}
