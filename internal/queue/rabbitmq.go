// Package queue publishes bridge events to RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event types published by the bridge.
const (
	EventInboundMessage = "InboundMessage"
	EventInstanceState  = "InstanceState"
	EventOutboundSent   = "OutboundSent"
	EventWorkflowAction = "WorkflowAction"
	EventStatusReport   = "StatusReport"
)

type Config struct {
	URL            string
	Queue          string
	QueuePrefix    string
	SpecificEvents []string
}

// Event is one bridge event. Payload is marshalled as-is.
type Event struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"locationId,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	MessageID  string    `json:"messageId,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// channel is the subset of *amqp091.Channel used for publishing.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends events to per-type or default queues. A Publisher without
// a connection is disabled and drops every event.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       channel
	queue    string
	prefix   string
	specific map[string]bool
	declared map[string]bool
}

// NewPublisher connects when cfg.URL is set. Connection errors disable
// publishing instead of failing startup.
func NewPublisher(cfg Config) *Publisher {
	p := newPublisher(cfg, nil)
	if len(p.specific) > 0 {
		log.Info().Strs("specificEvents", cfg.SpecificEvents).Msg("Specific RabbitMQ events configured")
	}

	if cfg.URL == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
		return p
	}
	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ")
		return p
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		log.Error().Err(err).Msg("Could not open RabbitMQ channel")
		return p
	}
	p.conn, p.ch = conn, ch
	log.Info().Str("queue", p.queue).Str("prefix", p.prefix).Msg("RabbitMQ connection established.")
	return p
}

func newPublisher(cfg Config, ch channel) *Publisher {
	p := &Publisher{
		ch:       ch,
		queue:    cfg.Queue,
		prefix:   cfg.QueuePrefix,
		specific: make(map[string]bool),
		declared: make(map[string]bool),
	}
	if p.queue == "" {
		p.queue = "bridge_events"
	}
	if p.prefix == "" {
		p.prefix = "ghlbridge"
	}
	for _, e := range cfg.SpecificEvents {
		p.specific[e] = true
	}
	return p
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.ch != nil
}

// QueueName returns the dedicated queue of eventType when configured,
// otherwise the prefixed default queue.
func (p *Publisher) QueueName(eventType string) string {
	if p.specific[eventType] {
		return p.prefix + "_" + strings.ToLower(eventType)
	}
	return p.prefix + "_" + p.queue
}

// Publish marshals the event and sends it to its queue.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	if !p.Enabled() {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	queueName := p.QueueName(event.Type)
	if err := p.publishRaw(ctx, queueName, data); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("eventType", event.Type).Str("queue", queueName).Msg("Failed to publish to RabbitMQ")
		return err
	}
	zerolog.Ctx(ctx).Debug().Str("eventType", event.Type).Str("queue", queueName).Msg("Published message to RabbitMQ")
	return nil
}

func (p *Publisher) publishRaw(ctx context.Context, queueName string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[queueName] {
		if _, err := p.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("could not declare queue %s: %w", queueName, err)
		}
		p.declared[queueName] = true
	}
	return p.ch.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         data,
	})
}

func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	p.ch = nil
	return err
}
