package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/presents-campaigns/internal/errors"
	"github.com/unclebandit/presents-campaigns/internal/queue"
	"github.com/unclebandit/presents-campaigns/internal/repository"
)

// Dispatcher is the part of the DispatchEngine the worker needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, scheduledEmailID int64) (*DispatchResult, error)
}

// Worker consumes dispatch jobs from the queue.
type Worker struct {
	Dispatcher Dispatcher
	Queue      queue.Queue
	Logger     *zap.Logger
}

func NewWorker(d Dispatcher, q queue.Queue, logger *zap.Logger) *Worker {
	return &Worker{Dispatcher: d, Queue: q, Logger: logger}
}

// Start subscribes the worker to dispatch jobs.
func (w *Worker) Start() error {
	return w.Queue.Subscribe(queue.TopicScheduledEmailDispatch, w.Handle)
}

// Handle processes one job. Returning an error asks the queue to retry, so
// only retryable failures are returned; jobs for emails that were paused,
// already sent, deleted or are being dispatched elsewhere are acknowledged.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	log := nopIfNil(w.Logger)

	var job queue.DispatchJob
	if err := json.Unmarshal(body, &job); err != nil || job.ScheduledEmailID == 0 {
		log.Warn("invalid dispatch job", zap.ByteString("body", body))
		return nil
	}

	result, err := w.Dispatcher.Dispatch(ctx, job.ScheduledEmailID)
	switch {
	case err == nil:
		log.Info("dispatch job done",
			zap.Int64("scheduled_email_id", job.ScheduledEmailID),
			zap.String("status", string(result.Status)),
		)
		return nil
	case errors.Is(err, appErrors.ErrNotDispatchable),
		errors.Is(err, appErrors.ErrDispatchInProgress),
		appErrors.IsNotFound(err):
		log.Info("dispatch job skipped", zap.Int64("scheduled_email_id", job.ScheduledEmailID), zap.Error(err))
		return nil
	default:
		log.Error("dispatch job failed", zap.Int64("scheduled_email_id", job.ScheduledEmailID), zap.Error(err))
		return err
	}
}

// Sweeper periodically publishes dispatch jobs for due scheduled emails and
// refreshes the overdue gauge.
type Sweeper struct {
	ScheduledEmails repository.ScheduledEmailRepositoryInterface
	Tracker         *DeliveryTracker
	Queue           queue.Queue
	Interval        time.Duration
	BatchSize       int
	Logger          *zap.Logger
	Clock           Clock
}

// SweepOnce publishes one job per due email and returns how many were queued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	log := nopIfNil(s.Logger)
	limit := s.BatchSize
	if limit <= 0 {
		limit = 100
	}

	due, err := s.ScheduledEmails.ListDue(ctx, s.Clock.now(), limit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, e := range due {
		body, _ := json.Marshal(queue.DispatchJob{ScheduledEmailID: e.ID})
		if err := s.Queue.Publish(ctx, queue.TopicScheduledEmailDispatch, body); err != nil {
			log.Error("failed to publish dispatch job", zap.Int64("scheduled_email_id", e.ID), zap.Error(err))
			continue
		}
		queued++
	}

	if s.Tracker != nil {
		if overdue, err := s.Tracker.Overdue(ctx); err != nil {
			log.Warn("overdue check failed", zap.Error(err))
		} else if len(overdue) > 0 {
			log.Warn("scheduled emails overdue", zap.Int("count", len(overdue)))
		}
	}
	return queued, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			nopIfNil(s.Logger).Error("sweep failed", zap.Error(err))
		} else if n > 0 {
			nopIfNil(s.Logger).Info("queued due scheduled emails", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
