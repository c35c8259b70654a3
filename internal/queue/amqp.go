package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// Channel is the subset of *amqp.Channel the queue uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPQueue publishes to durable RabbitMQ queues named after the topic and
// consumes with manual acks. Failed messages are republished with an
// incremented retry header until MaxRetries, then dropped.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         Channel
	logger     *zap.Logger
	maxRetries int

	mu       sync.Mutex
	declared map[string]bool
	wg       sync.WaitGroup
}

func DialAMQP(url string, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	q := NewAMQPQueue(ch, logger)
	q.conn = conn
	return q, nil
}

func NewAMQPQueue(ch Channel, logger *zap.Logger) *AMQPQueue {
	return &AMQPQueue{ch: ch, logger: logger, maxRetries: 3, declared: map[string]bool{}}
}

func (q *AMQPQueue) declare(topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[topic] {
		return nil
	}
	if _, err := q.ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, body []byte) error {
	return q.publish(topic, body, 0)
}

func (q *AMQPQueue) publish(topic string, body []byte, retries int32) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryHeader: retries},
		Body:         body,
	})
}

// Subscribe starts a consumer goroutine. It returns once the consumer is
// registered.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer for %s: %w", topic, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range msgs {
			q.handle(topic, handler, d)
		}
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, handler Handler, d amqp.Delivery) {
	err := handler(context.Background(), d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	q.logger.Warn("job failed", zap.String("topic", topic), zap.Int32("retry", retries), zap.Error(err))
	if retries >= int32(q.maxRetries) {
		q.logger.Error("job permanently failed", zap.String("topic", topic), zap.ByteString("body", d.Body))
		_ = d.Ack(false)
		return
	}
	if perr := q.publish(topic, d.Body, retries+1); perr != nil {
		// Could not republish: hand it back to the broker instead.
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func retryCount(h amqp.Table) int32 {
	switch v := h[retryHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 0
}

// Close stops consumers and releases the connection.
func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	q.wg.Wait()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
