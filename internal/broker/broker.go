// Package broker wraps the RabbitMQ connection shared by the pump and the
// worker. Queues are durable, deliveries persistent, and every queue gets a
// dead-letter companion so rejected messages are kept for inspection.
package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/seqerr"
)

// RetriesHeader carries the delivery attempt count across republishes.
const RetriesHeader = "x-retries"

// DLQSuffix names the dead-letter companion of a queue.
const DLQSuffix = ".dlq"

// Broker is a RabbitMQ connection with one shared channel. Channel
// operations are serialized; amqp channels are not safe for concurrent
// publishes.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
	log  *logger.Logger
}

// Dial connects to RabbitMQ and opens the shared channel.
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, seqerr.Wrap("BROKER_DIAL", seqerr.Network, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, seqerr.Wrap("BROKER_CHANNEL", seqerr.Network, err)
	}

	return &Broker{
		conn: conn,
		ch:   ch,
		log:  logger.With("broker"),
	}, nil
}

// DeclareQueue declares a durable queue plus its dead-letter companion.
// Messages rejected without requeue land on "<name>.dlq".
func (b *Broker) DeclareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dlq := name + DLQSuffix
	if _, err := b.ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return seqerr.Wrap("BROKER_DECLARE_DLQ", seqerr.Network, err).With("queue", dlq)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := b.ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return seqerr.Wrap("BROKER_DECLARE", seqerr.Network, err).With("queue", name)
	}

	return nil
}

// Publish sends one persistent message to the queue with the retry count
// header set.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte, retries int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{RetriesHeader: int32(retries)},
	})
	if err != nil {
		return seqerr.Wrap("BROKER_PUBLISH", seqerr.Network, err).With("queue", queue)
	}
	return nil
}

// Consume opens a manual-ack delivery stream with prefetch 1, so one
// in-flight message per worker process.
func (b *Broker) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ch.Qos(1, 0, false); err != nil {
		return nil, seqerr.Wrap("BROKER_QOS", seqerr.Network, err)
	}

	deliveries, err := b.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, seqerr.Wrap("BROKER_CONSUME", seqerr.Network, err).With("queue", queue)
	}
	return deliveries, nil
}

// NotifyClose signals broker-side connection loss.
func (b *Broker) NotifyClose() <-chan *amqp.Error {
	return b.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close shuts the channel and connection down.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ch.Close(); err != nil {
		b.log.Warn("channel close failed", "error", err)
	}
	return b.conn.Close()
}

// RetryCount reads the retry header from a delivery. Missing or malformed
// headers count as zero.
func RetryCount(d *amqp.Delivery) int {
	if d.Headers == nil {
		return 0
	}
	switch v := d.Headers[RetriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// QueueDepth reports the current ready-message count, used by the debug
// surface.
func (b *Broker) QueueDepth(queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.ch.QueueDeclarePassive(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + DLQSuffix,
	})
	if err != nil {
		return 0, fmt.Errorf("queue inspect failed: %w", err)
	}
	return q.Messages, nil
}
