// Package events publishes circulation domain events to RabbitMQ.
package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	jsoniter "github.com/json-iterator/go"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"libraai/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// channel is the part of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends events to a durable topic exchange. A circuit breaker
// stops hammering the broker once publishes keep failing.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger

	mu        sync.Mutex
	ch        channel
	declared  bool
	reconnect func() (channel, error)
}

// NewPublisher dials the broker and opens a channel.
func NewPublisher(amqpURL, exchange string, logger *zap.Logger) (*Publisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p := newPublisher(ch, exchange, logger)
	p.conn = conn
	p.reconnect = func() (channel, error) { return conn.Channel() }
	return p, nil
}

func newPublisher(ch channel, exchange string, logger *zap.Logger) *Publisher {
	logger = logger.Named("events")
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "rabbitmq-publisher",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("publisher circuit changed state",
					zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
	}
}

// Publish encodes the event and sends it under a routing key derived from
// its type, e.g. "loan.borrowed".
func (p *Publisher) Publish(ctx context.Context, event circulation.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID.String(),
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
		Body:         body,
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.send(ctx, RoutingKey(event.Type), msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("publish %s: broker circuit open: %w", event.Type, err)
	}
	return err
}

func (p *Publisher) send(ctx context.Context, key string, msg amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.declareAndPublish(ctx, key, msg)
	if err == nil || p.reconnect == nil {
		return err
	}

	p.logger.Warn("publish failed, reopening channel", zap.String("routing_key", key), zap.Error(err))
	ch, chErr := p.reconnect()
	if chErr != nil {
		return fmt.Errorf("reopen channel: %w", chErr)
	}
	p.ch = ch
	p.declared = false
	return p.declareAndPublish(ctx, key, msg)
}

func (p *Publisher) declareAndPublish(ctx context.Context, key string, msg amqp091.Publishing) error {
	if !p.declared {
		if err := p.ch.ExchangeDeclare(
			p.exchange, // name
			"topic",    // type
			true,       // durable
			false,      // autoDelete
			false,      // internal
			false,      // noWait
			nil,        // args
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
		}
		p.declared = true
	}
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg)
}

// Close closes the channel and connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// NopPublisher drops events. It stands in when no broker is configured.
type NopPublisher struct {
	Logger *zap.Logger
}

// Publish logs and discards the event.
func (p NopPublisher) Publish(ctx context.Context, event circulation.Event) error {
	if p.Logger != nil {
		p.Logger.Debug("event publish skipped", zap.String("event_type", event.Type), zap.Stringer("event_id", event.ID))
	}
	return nil
}

// RoutingKey turns an event type such as "FineAccrued" into "fine.accrued".
func RoutingKey(eventType string) string {
	var b strings.Builder
	for i, r := range eventType {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('.')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
