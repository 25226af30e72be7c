package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/psantana5/vidcoord/pkg/apperr"
	"github.com/psantana5/vidcoord/pkg/models"
	"github.com/psantana5/vidcoord/pkg/retry"
)

// DefaultAMQPQueue is the durable queue workers consume from
const DefaultAMQPQueue = "video_processing_queue"

// AMQPPublisher publishes descriptors to a durable RabbitMQ queue with
// publisher confirms. A publish only succeeds once the broker acks it.
type AMQPPublisher struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the queue
func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("AMQP URL is required")
	}
	if queue == "" {
		queue = DefaultAMQPQueue
	}

	p := &AMQPPublisher{url: url, queue: queue}
	err := retry.Do(context.Background(), retry.DialPolicy(), func(context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		err := p.connectLocked()
		if errors.Is(err, amqp.ErrCredentials) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return p, nil
}

func (p *AMQPPublisher) connectLocked() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	_, err = ch.QueueDeclare(
		p.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(models.MaxPriority)},
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", p.queue, err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed() {
		if p.conn != nil && !p.conn.IsClosed() {
			p.conn.Close()
		}
		if err := p.connectLocked(); err != nil {
			return nil, err
		}
	}
	return p.ch, nil
}

// Publish sends a persistent message and waits for the broker confirm
func (p *AMQPPublisher) Publish(ctx context.Context, d *models.JobDescriptor) error {
	body, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	// Confirms are matched by delivery tag per channel, so publishes are serialized.
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return apperr.Unavailable(err, "rabbitmq unreachable")
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     uint8(d.Priority),
			MessageId:    d.JobID,
			Timestamp:    d.CreatedAt,
			Type:         string(d.JobType),
			Body:         body,
		})
	if err != nil {
		return apperr.Unavailable(err, "rabbitmq publish failed")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return apperr.Unavailable(err, "rabbitmq confirm not received")
	}
	if !acked {
		return apperr.Unavailable(errors.New("nack"), "rabbitmq rejected job %s", d.JobID)
	}
	return nil
}

// HealthCheck reports whether the connection is open
func (p *AMQPPublisher) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}
