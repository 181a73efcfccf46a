package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gradewell/internal/common/mq"
	"gradewell/internal/grading/model"
	"gradewell/pkg/utils/logger"
)

// AssignmentLocker freezes an assignment's grading configuration once a
// for-record run has consumed it.
type AssignmentLocker interface {
	LockAssignment(ctx context.Context, assignmentID int64) error
}

type submissionGetter interface {
	GetByID(ctx context.Context, submissionID int64) (*model.Submission, error)
}

// Enqueuer publishes grading jobs. With no producer or topic configured it
// is disabled and reports so instead of erroring, letting callers fall back
// to "grading unavailable" messaging.
type Enqueuer struct {
	producer    mq.Producer
	topic       string
	submissions submissionGetter
	locker      AssignmentLocker
}

// NewEnqueuer wires an enqueuer. producer may be nil for disabled mode;
// submissions and locker may be nil to skip configuration locking.
func NewEnqueuer(producer mq.Producer, topic string, submissions submissionGetter, locker AssignmentLocker) *Enqueuer {
	return &Enqueuer{
		producer:    producer,
		topic:       topic,
		submissions: submissions,
		locker:      locker,
	}
}

// Enabled reports whether a queue is configured.
func (e *Enqueuer) Enabled() bool {
	return e != nil && e.producer != nil && e.topic != ""
}

// Enqueue publishes one grading job and reports whether it was accepted.
// The first successfully published for-record job locks the assignment's
// grading configuration against further edits; a lock failure is logged but
// does not block the job, since the pinned version already guarantees
// reproducibility.
func (e *Enqueuer) Enqueue(ctx context.Context, submissionID int64, phase model.Phase, attempt int) bool {
	if !e.Enabled() {
		logger.Warn(ctx, "grading queue disabled, job dropped",
			zap.Int64("submission_id", submissionID))
		return false
	}

	body, err := json.Marshal(model.GradingJob{
		SubmissionID: submissionID,
		Phase:        phase,
		Attempt:      attempt,
	})
	if err != nil {
		logger.Error(ctx, "grading job marshal failed", zap.Error(err))
		return false
	}

	msg := mq.NewMessage(body)
	msg.ID = uuid.NewString()
	if err := e.producer.Publish(ctx, e.topic, msg); err != nil {
		logger.Error(ctx, "grading job publish failed",
			zap.Int64("submission_id", submissionID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return false
	}

	// Lock only once the broker has the job, so a failed publish does not
	// freeze staff edits for a run that never happened.
	if phase == model.PhaseFinal && attempt == 0 {
		e.lockAssignment(ctx, submissionID)
	}

	logger.Info(ctx, "grading job enqueued",
		zap.Int64("submission_id", submissionID),
		zap.String("job_phase", string(phase)),
		zap.Int("attempt", attempt),
		zap.String("message_id", msg.ID))
	return true
}

func (e *Enqueuer) lockAssignment(ctx context.Context, submissionID int64) {
	if e.submissions == nil || e.locker == nil {
		return
	}
	sub, err := e.submissions.GetByID(ctx, submissionID)
	if err != nil {
		logger.Warn(ctx, "assignment lock skipped, submission lookup failed",
			zap.Int64("submission_id", submissionID),
			zap.Error(err))
		return
	}
	if err := e.locker.LockAssignment(ctx, sub.AssignmentID); err != nil {
		logger.Warn(ctx, "assignment lock failed",
			zap.Int64("assignment_id", sub.AssignmentID),
			zap.Error(err))
	}
}
