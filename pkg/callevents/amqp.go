package callevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrPublisherClosed = errors.New("call event publisher closed")
	ErrQueueFull       = errors.New("call event queue full")
)

type AMQPConfig struct {
	URL            string
	Exchange       string
	QueueSize      int
	PublishTimeout time.Duration
	DialTimeout    time.Duration
}

func (c AMQPConfig) withDefaults() AMQPConfig {
	if c.Exchange == "" {
		c.Exchange = "calls"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	return c
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes envelopes to a topic exchange, routed by event
// type. Publish only enqueues; a single goroutine owns the channel.
type AMQPPublisher struct {
	conn     io.Closer
	ch       amqpChannel
	exchange string
	timeout  time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Envelope
	done   chan struct{}
}

func DialAMQP(cfg AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	host := ""
	if u, _ := url.Parse(cfg.URL); u != nil {
		host = u.Host
	}
	logger.Info("connecting to rabbitmq", "host", host, "exchange", cfg.Exchange)

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Dial:       amqp.DefaultDial(cfg.DialTimeout),
		Properties: amqp.Table{"connection_name": Producer},
	})
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	return newAMQPPublisher(conn, ch, cfg, logger), nil
}

func newAMQPPublisher(conn io.Closer, ch amqpChannel, cfg AMQPConfig, logger *slog.Logger) *AMQPPublisher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{
		conn:     conn,
		ch:       ch,
		exchange: cfg.Exchange,
		timeout:  cfg.PublishTimeout,
		log:      logger,
		queue:    make(chan Envelope, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues env without blocking. A full queue drops the event.
func (p *AMQPPublisher) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- env:
		return nil
	default:
		p.log.Warn("call event dropped", "type", env.Meta.Type, "event_id", env.Meta.ID)
		return ErrQueueFull
	}
}

// Close flushes queued events and closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	var errs []error
	if err := p.ch.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	for env := range p.queue {
		if err := p.publish(env); err != nil {
			p.log.Error("call event publish failed",
				"type", env.Meta.Type,
				"event_id", env.Meta.ID,
				"error", err,
			)
			continue
		}
		p.log.Debug("published", "key", env.Meta.Type, "exchange", p.exchange)
	}
}

func (p *AMQPPublisher) publish(env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	cid := env.Meta.ID
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}
	ts := env.Meta.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.ch.PublishWithContext(ctx, p.exchange, env.Meta.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Type:          env.Meta.Type,
		AppId:         Producer,
		Timestamp:     ts,
		Body:          body,
	})
}
