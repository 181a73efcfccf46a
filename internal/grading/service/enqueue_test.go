package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"gradewell/internal/common/mq"
	"gradewell/internal/grading/model"
)

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	msgs   []*mq.Message
	err    error
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.msgs = append(f.msgs, message)
	return nil
}

type fakeSubGetter struct {
	sub model.Submission
	err error
}

func (f *fakeSubGetter) GetByID(ctx context.Context, submissionID int64) (*model.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub := f.sub
	return &sub, nil
}

type fakeLocker struct {
	mu     sync.Mutex
	locked []int64
	err    error
}

func (f *fakeLocker) LockAssignment(ctx context.Context, assignmentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = append(f.locked, assignmentID)
	return f.err
}

func TestEnqueuerDisabled(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		enqueuer *Enqueuer
	}{
		{name: "nil-enqueuer", enqueuer: nil},
		{name: "no-producer", enqueuer: NewEnqueuer(nil, "grading.jobs", nil, nil)},
		{name: "no-topic", enqueuer: NewEnqueuer(&fakeProducer{}, "", nil, nil)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.enqueuer.Enabled() {
				t.Fatalf("expected disabled")
			}
			if tt.enqueuer != nil && tt.enqueuer.Enqueue(context.Background(), 1, model.PhasePractice, 0) {
				t.Fatalf("disabled enqueuer must report false")
			}
		})
	}
}

func TestEnqueuePublishesJob(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{}
	locker := &fakeLocker{}
	e := NewEnqueuer(producer, "grading.jobs", &fakeSubGetter{sub: model.Submission{ID: 7, AssignmentID: 3}}, locker)

	if !e.Enqueue(context.Background(), 7, model.PhasePractice, 0) {
		t.Fatalf("expected enqueue to succeed")
	}
	if len(producer.msgs) != 1 || producer.topics[0] != "grading.jobs" {
		t.Fatalf("expected one message on grading.jobs, got %v", producer.topics)
	}
	msg := producer.msgs[0]
	if msg.ID == "" {
		t.Fatalf("expected a message id")
	}

	var job model.GradingJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	want := model.GradingJob{SubmissionID: 7, Phase: model.PhasePractice, Attempt: 0}
	if job != want {
		t.Fatalf("expected job %+v, got %+v", want, job)
	}
	if len(locker.locked) != 0 {
		t.Fatalf("practice enqueue must not lock the assignment, got %v", locker.locked)
	}
}

func TestEnqueueFinalLocksAssignmentOnce(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{}
	locker := &fakeLocker{}
	e := NewEnqueuer(producer, "grading.jobs", &fakeSubGetter{sub: model.Submission{ID: 7, AssignmentID: 3}}, locker)

	if !e.Enqueue(context.Background(), 7, model.PhaseFinal, 0) {
		t.Fatalf("expected enqueue to succeed")
	}
	if len(locker.locked) != 1 || locker.locked[0] != 3 {
		t.Fatalf("expected assignment 3 locked, got %v", locker.locked)
	}

	// Retries keep the original lock; attempt > 0 must not re-lock.
	if !e.Enqueue(context.Background(), 7, model.PhaseFinal, 1) {
		t.Fatalf("expected retry enqueue to succeed")
	}
	if len(locker.locked) != 1 {
		t.Fatalf("retry must not lock again, got %v", locker.locked)
	}
}

func TestEnqueueLockFailureDoesNotBlockJob(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		getter *fakeSubGetter
		locker *fakeLocker
	}{
		{
			name:   "lock-error",
			getter: &fakeSubGetter{sub: model.Submission{ID: 7, AssignmentID: 3}},
			locker: &fakeLocker{err: fmt.Errorf("deadlock")},
		},
		{
			name:   "lookup-error",
			getter: &fakeSubGetter{err: fmt.Errorf("connection lost")},
			locker: &fakeLocker{},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			producer := &fakeProducer{}
			e := NewEnqueuer(producer, "grading.jobs", tt.getter, tt.locker)
			if !e.Enqueue(context.Background(), 7, model.PhaseFinal, 0) {
				t.Fatalf("lock failure must not block the job")
			}
			if len(producer.msgs) != 1 {
				t.Fatalf("expected job published despite lock failure")
			}
		})
	}
}

func TestEnqueuePublishFailure(t *testing.T) {
	t.Parallel()
	e := NewEnqueuer(&fakeProducer{err: fmt.Errorf("broker down")}, "grading.jobs", nil, nil)
	if e.Enqueue(context.Background(), 7, model.PhasePractice, 0) {
		t.Fatalf("expected publish failure to report false")
	}
}

func TestEnqueuePublishFailureDoesNotLock(t *testing.T) {
	t.Parallel()
	locker := &fakeLocker{}
	e := NewEnqueuer(
		&fakeProducer{err: fmt.Errorf("broker down")},
		"grading.jobs",
		&fakeSubGetter{sub: model.Submission{ID: 7, AssignmentID: 3}},
		locker,
	)

	if e.Enqueue(context.Background(), 7, model.PhaseFinal, 0) {
		t.Fatalf("expected publish failure to report false")
	}
	if len(locker.locked) != 0 {
		t.Fatalf("a job the broker never took must not lock the assignment, got %v", locker.locked)
	}
}
