package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gradewell/internal/common/mq"
	"gradewell/internal/grading/model"
)

type fakeProcessor struct {
	mu   sync.Mutex
	jobs []model.GradingJob
	res  Result
	err  error
}

func (f *fakeProcessor) Process(ctx context.Context, job model.GradingJob) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.res, f.err
}

type enqueueCall struct {
	submissionID int64
	phase        model.Phase
	attempt      int
}

type fakeJobEnqueuer struct {
	mu     sync.Mutex
	calls  []enqueueCall
	accept bool
}

func (f *fakeJobEnqueuer) Enqueue(ctx context.Context, submissionID int64, phase model.Phase, attempt int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueueCall{submissionID: submissionID, phase: phase, attempt: attempt})
	return f.accept
}

func newTestDispatcher(res Result, procErr error) (*Dispatcher, *fakeProcessor, *fakeJobEnqueuer, *time.Duration) {
	proc := &fakeProcessor{res: res, err: procErr}
	enq := &fakeJobEnqueuer{accept: true}
	d := NewDispatcher(nil, "grading.jobs", "grading-worker", 1, proc, enq)
	var slept time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) { slept = dur }
	return d, proc, enq, &slept
}

func jobMessage(t *testing.T, job model.GradingJob) *mq.Message {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	msg := mq.NewMessage(body)
	msg.ID = "msg-1"
	return msg
}

func TestDispatcherHandleProcessesJob(t *testing.T) {
	t.Parallel()
	d, proc, enq, _ := newTestDispatcher(Result{Outcome: OutcomeGraded, Score: 7}, nil)

	job := model.GradingJob{SubmissionID: 5, Phase: model.PhasePractice}
	if err := d.handle(context.Background(), jobMessage(t, job)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(proc.jobs) != 1 || proc.jobs[0] != job {
		t.Fatalf("expected job delivered to worker, got %+v", proc.jobs)
	}
	if len(enq.calls) != 0 {
		t.Fatalf("graded job must not re-enqueue, got %+v", enq.calls)
	}
}

func TestDispatcherHandleDropsBadMessages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body []byte
	}{
		{name: "not-json", body: []byte("not json")},
		{name: "zero-submission", body: []byte(`{"submission_id":0,"phase":"practice"}`)},
		{name: "unknown-phase", body: []byte(`{"submission_id":5,"phase":"midterm"}`)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, proc, _, _ := newTestDispatcher(Result{}, nil)
			if err := d.handle(context.Background(), mq.NewMessage(tt.body)); err != nil {
				t.Fatalf("bad message must be dropped without error, got %v", err)
			}
			if len(proc.jobs) != 0 {
				t.Fatalf("worker must not see dropped messages, got %+v", proc.jobs)
			}
		})
	}
}

func TestDispatcherHandleProcessErrorRedelivers(t *testing.T) {
	t.Parallel()
	wantErr := context.DeadlineExceeded
	d, _, enq, _ := newTestDispatcher(Result{}, wantErr)

	err := d.handle(context.Background(), jobMessage(t, model.GradingJob{SubmissionID: 5, Phase: model.PhasePractice}))
	if err != wantErr {
		t.Fatalf("expected processing error surfaced for redelivery, got %v", err)
	}
	if len(enq.calls) != 0 {
		t.Fatalf("failed processing must not enqueue, got %+v", enq.calls)
	}
}

func TestDispatcherHandleRetryBacksOffAndReenqueues(t *testing.T) {
	t.Parallel()
	d, _, enq, slept := newTestDispatcher(Result{Outcome: OutcomeRetrying, NextAttempt: 2}, nil)

	job := model.GradingJob{SubmissionID: 5, Phase: model.PhaseFinal, Attempt: 1}
	if err := d.handle(context.Background(), jobMessage(t, job)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if *slept != 2*time.Second {
		t.Fatalf("expected backoff for attempt 1, slept %v", *slept)
	}
	if len(enq.calls) != 1 {
		t.Fatalf("expected one re-enqueue, got %+v", enq.calls)
	}
	call := enq.calls[0]
	if call.submissionID != 5 || call.phase != model.PhaseFinal || call.attempt != 2 {
		t.Fatalf("unexpected re-enqueue %+v", call)
	}
}

func TestDispatcherHandleRetryEnqueueFailureStillAcks(t *testing.T) {
	t.Parallel()
	d, _, enq, _ := newTestDispatcher(Result{Outcome: OutcomeRetrying, NextAttempt: 1}, nil)
	enq.accept = false

	err := d.handle(context.Background(), jobMessage(t, model.GradingJob{SubmissionID: 5, Phase: model.PhasePractice}))
	if err != nil {
		t.Fatalf("failed re-enqueue must not block the partition, got %v", err)
	}
}
