package mirror

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type AMQPConfig struct {
	URL   string
	Queue string
	Node  string
}

type AMQP struct {
	conn  *amqp.Connection
	mu    sync.Mutex // amqp channels are not safe for concurrent publishing
	ch    *amqp.Channel
	queue string
	node  string
	log   *zap.SugaredLogger
}

func NewAMQP(cfg AMQPConfig, log *zap.SugaredLogger) (*AMQP, error) {
	if cfg.Queue == "" {
		cfg.Queue = "wabridge_events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", cfg.Queue, err)
	}
	log.Infow("amqp mirror enabled", "queue", cfg.Queue)
	return &AMQP{
		conn:  conn,
		ch:    ch,
		queue: cfg.Queue,
		node:  cfg.Node,
		log:   log.With("sink", "amqp"),
	}, nil
}

func (a *AMQP) Publish(ctx context.Context, event string, payload []byte) error {
	d, err := encode(a.node, event, payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(ctx,
		"",      // default exchange
		a.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Type:        event,
			Body:        d,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", a.queue, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ch.Close()
	return a.conn.Close()
}
