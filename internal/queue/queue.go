package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TopicScheduledEmailDispatch carries DispatchJob messages.
const TopicScheduledEmailDispatch = "scheduled_email_dispatch"

// DispatchJob asks a worker to dispatch one scheduled email.
type DispatchJob struct {
	ScheduledEmailID int64 `json:"scheduled_email_id"`
}

// Handler processes one message body. A non-nil error triggers a retry.
type Handler func(ctx context.Context, body []byte) error

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue delivers messages to subscribers in-process with retry.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	wg         sync.WaitGroup
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
	draining   bool
}

func NewInMemoryQueue(logger *zap.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		logger:     logger,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
}

// job wraps a message body with retry info
type job struct {
	topic      string
	body       []byte
	retryCount int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, body []byte) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return fmt.Errorf("queue is draining, %s job rejected", topic)
	}
	handlers := q.handlers[topic]
	// Counted under the lock so Drain never waits on a group that is still growing.
	q.wg.Add(len(handlers))
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		go q.processJob(context.WithoutCancel(ctx), handler, job{topic: topic, body: body})
	}
	return nil
}

// processJob handles retries with linear backoff
func (q *InMemoryQueue) processJob(ctx context.Context, handler Handler, j job) {
	defer q.wg.Done()
	for {
		err := handler(ctx, j.body)
		if err == nil {
			return
		}

		j.retryCount++
		q.logger.Warn("job failed",
			zap.String("topic", j.topic),
			zap.Int("attempt", j.retryCount),
			zap.Int("max_retries", q.maxRetries),
			zap.Error(err),
		)
		if j.retryCount > q.maxRetries {
			q.logger.Error("job permanently failed", zap.String("topic", j.topic), zap.ByteString("body", j.body))
			return
		}
		time.Sleep(time.Duration(j.retryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished, including retries.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// Drain rejects further publishes and waits for in-flight jobs, including
// their retries, until ctx is done.
func (q *InMemoryQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain queue: %w", ctx.Err())
	}
}
