package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"gradewell/internal/common/mq"
	"gradewell/internal/grading/model"
	"gradewell/pkg/utils/contextkey"
	"gradewell/pkg/utils/logger"
)

type jobProcessor interface {
	Process(ctx context.Context, job model.GradingJob) (Result, error)
}

type jobEnqueuer interface {
	Enqueue(ctx context.Context, submissionID int64, phase model.Phase, attempt int) bool
}

// Dispatcher consumes grading jobs from the queue and drives the worker.
// It owns the retry loop: backoff sleeps and re-enqueues happen here, not
// inside the worker.
type Dispatcher struct {
	queue       mq.MessageQueue
	topic       string
	group       string
	concurrency int
	worker      jobProcessor
	enqueuer    jobEnqueuer

	sleep func(ctx context.Context, d time.Duration)
}

// NewDispatcher wires a dispatcher. concurrency <= 0 means 1.
func NewDispatcher(queue mq.MessageQueue, topic, group string, concurrency int, worker jobProcessor, enqueuer jobEnqueuer) *Dispatcher {
	return &Dispatcher{
		queue:       queue,
		topic:       topic,
		group:       group,
		concurrency: concurrency,
		worker:      worker,
		enqueuer:    enqueuer,
		sleep:       sleepContext,
	}
}

// Start subscribes and begins consuming. Blocks only until consumers are
// launched.
func (d *Dispatcher) Start(ctx context.Context) error {
	err := d.queue.Subscribe(ctx, d.topic, d.handle, &mq.SubscribeOptions{
		ConsumerGroup: d.group,
		Concurrency:   d.concurrency,
	})
	if err != nil {
		return err
	}
	return d.queue.Start()
}

// Stop drains in-flight handlers.
func (d *Dispatcher) Stop() error {
	return d.queue.Stop()
}

func (d *Dispatcher) handle(ctx context.Context, msg *mq.Message) error {
	if msg.ID != "" {
		ctx = context.WithValue(ctx, contextkey.TraceID, msg.ID)
	}

	var job model.GradingJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error(ctx, "malformed grading job dropped", zap.Error(err))
		return nil
	}
	if job.SubmissionID <= 0 || !job.Phase.Valid() {
		logger.Error(ctx, "invalid grading job dropped",
			zap.Int64("submission_id", job.SubmissionID),
			zap.String("job_phase", string(job.Phase)))
		return nil
	}

	res, err := d.worker.Process(ctx, job)
	if err != nil {
		logger.Error(ctx, "grading job processing failed", zap.Error(err))
		return err
	}

	if res.Outcome == OutcomeRetrying {
		d.sleep(ctx, RetryBackoff(job.Attempt))
		if !d.enqueuer.Enqueue(ctx, job.SubmissionID, job.Phase, res.NextAttempt) {
			// The submission was already released back to pending; a later
			// regrade will pick it up.
			logger.Error(ctx, "retry re-enqueue failed, submission left pending",
				zap.Int64("submission_id", job.SubmissionID),
				zap.Int("attempt", res.NextAttempt))
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
