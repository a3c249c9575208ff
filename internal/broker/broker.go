// Package broker wires the exact AMQP topology spec §6 names: one topic
// exchange, two durable queues each bound to the exchange under their own
// name as routing key, and a prefetch window of one message on the inbound
// side.
package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config names the exchange/queue/connection identifiers the worker binds
// to; see internal/config for where these are sourced from the
// environment.
type Config struct {
	URL             string
	ExchangeName    string
	TaskQueueName   string
	ResultQueueName string
	ConnName        string
}

// Broker owns one connection to the message system, with separate channels
// for consuming tasks and publishing results so that a slow publish cannot
// stall the consumer's flow control.
type Broker struct {
	conn  *amqp.Connection
	inCh  *amqp.Channel
	outCh *amqp.Channel
	cfg   Config
}

// Dial connects to cfg.URL and declares the full topology idempotently.
// Declaration is safe to repeat across worker restarts.
func Dial(cfg Config) (*Broker, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Properties: amqp.Table{"connection_name": cfg.ConnName},
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	b := &Broker{conn: conn, cfg: cfg}
	if err := b.setup(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) setup() error {
	inCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open inbound channel: %w", err)
	}
	outCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open outbound channel: %w", err)
	}
	b.inCh, b.outCh = inCh, outCh

	for _, ch := range []*amqp.Channel{inCh, outCh} {
		if err := ch.ExchangeDeclare(b.cfg.ExchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", b.cfg.ExchangeName, err)
		}
	}

	if _, err := inCh.QueueDeclare(b.cfg.TaskQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare task queue %s: %w", b.cfg.TaskQueueName, err)
	}
	if err := inCh.QueueBind(b.cfg.TaskQueueName, b.cfg.TaskQueueName, b.cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind task queue %s: %w", b.cfg.TaskQueueName, err)
	}

	if _, err := outCh.QueueDeclare(b.cfg.ResultQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare result queue %s: %w", b.cfg.ResultQueueName, err)
	}
	if err := outCh.QueueBind(b.cfg.ResultQueueName, b.cfg.ResultQueueName, b.cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind result queue %s: %w", b.cfg.ResultQueueName, err)
	}

	if err := inCh.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	return nil
}

// Close tears down the connection (and, with it, both channels).
func (b *Broker) Close() error {
	return b.conn.Close()
}

// Consume starts delivering task-queue messages with explicit acks. The
// returned channel closes when the connection or channel does.
func (b *Broker) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	deliveries, err := b.inCh.ConsumeWithContext(ctx, b.cfg.TaskQueueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", b.cfg.TaskQueueName, err)
	}
	return deliveries, nil
}

// PublishResult publishes a JobResult body to the result queue's routing
// key on the shared exchange.
func (b *Broker) PublishResult(ctx context.Context, body []byte) error {
	return b.outCh.PublishWithContext(ctx, b.cfg.ExchangeName, b.cfg.ResultQueueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Ack acknowledges a single delivery.
func (b *Broker) Ack(tag uint64) error {
	return b.inCh.Ack(tag, false)
}

// Nack negatively acknowledges a single delivery, optionally requeueing it.
func (b *Broker) Nack(tag uint64, requeue bool) error {
	return b.inCh.Nack(tag, false, requeue)
}
