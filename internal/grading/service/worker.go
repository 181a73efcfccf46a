package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gradewell/internal/grading/compare"
	"gradewell/internal/grading/execclient"
	"gradewell/internal/grading/metrics"
	"gradewell/internal/grading/model"
	"gradewell/internal/grading/prepare"
	appErr "gradewell/pkg/errors"
	"gradewell/pkg/utils/contextkey"
	"gradewell/pkg/utils/logger"
)

// DefaultMaxAttempts is the total number of deliveries a job gets before a
// transient failure becomes terminal.
const DefaultMaxAttempts = 3

const maxRetryBackoff = 10 * time.Second

// Student-facing feedback for terminal failures. Compile failures use the
// raw compiler output instead, and validation failures use the error's own
// message.
const (
	msgInfraUnavailable = "Autograding is temporarily unavailable. Please try again later."
	msgNotConfigured    = "Autograding is not configured for this assignment. Please contact course staff."
	msgInternal         = "An internal error occurred while grading this submission. Course staff have been notified."
	msgRetryExhausted   = "Autograding is temporarily unavailable after several attempts. Please request a regrade later."
)

// Outcome classifies one processed job.
type Outcome string

const (
	OutcomeGraded   Outcome = "graded"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRetrying Outcome = "retrying"
)

// Result is what Process hands back to the dispatcher. NextAttempt is only
// meaningful for OutcomeRetrying; the dispatcher owns the backoff sleep and
// the re-enqueue.
type Result struct {
	Outcome     Outcome
	Score       int
	Feedback    string
	NextAttempt int
}

// SubmissionStore is the submission persistence the worker needs.
type SubmissionStore interface {
	GetByID(ctx context.Context, submissionID int64) (*model.Submission, error)
	Claim(ctx context.Context, submissionID int64) (bool, error)
	PinVersion(ctx context.Context, submissionID int64, phase model.Phase, versionID int64) error
	MarkError(ctx context.Context, submissionID int64, feedback string) error
	Release(ctx context.Context, submissionID int64, feedback string) error
	FinalizeGraded(ctx context.Context, submissionID int64, phase model.Phase, score int, feedback string, results []model.TestResult) error
	FinalizeError(ctx context.Context, submissionID int64, phase model.Phase, feedback string, results []model.TestResult) error
}

// VersionStore resolves autograde configuration snapshots.
type VersionStore interface {
	GetByID(ctx context.Context, versionID int64) (*model.AutogradeVersion, error)
	GetSnapshots(ctx context.Context, versionID int64) ([]model.TestCaseSnapshot, error)
	ActiveVersionID(ctx context.Context, assignmentID int64) (*int64, error)
}

// ExecClient is the execution service surface the worker uses. It also
// satisfies prepare.FileStager, so the same client stages aux files.
type ExecClient interface {
	Run(ctx context.Context, req execclient.RunRequest) (*execclient.RunResult, error)
	EnsureFile(ctx context.Context, fileID string, content []byte) error
}

// SubmissionPreparer turns a stored submission into a runnable spec.
type SubmissionPreparer interface {
	Prepare(ctx context.Context, sub *model.Submission, settings model.GradingSettings, stager prepare.FileStager) (*prepare.Prepared, error)
}

// Worker drives a single grading job from claim to terminal state.
type Worker struct {
	store       SubmissionStore
	versions    VersionStore
	preparer    SubmissionPreparer
	client      ExecClient
	health      HealthChecker
	metrics     *metrics.Metrics
	maxAttempts int
}

// NewWorker wires a worker. metrics may be nil.
func NewWorker(store SubmissionStore, versions VersionStore, preparer SubmissionPreparer, client ExecClient, health HealthChecker, m *metrics.Metrics) *Worker {
	return &Worker{
		store:       store,
		versions:    versions,
		preparer:    preparer,
		client:      client,
		health:      health,
		metrics:     m,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Process grades one job. A non-nil error means nothing terminal was
// recorded; the caller decides whether redelivery is worth it. A nil error
// always comes with a terminal (or skipped/retrying) Result.
func (w *Worker) Process(ctx context.Context, job model.GradingJob) (Result, error) {
	ctx = context.WithValue(ctx, contextkey.SubmissionID, job.SubmissionID)
	ctx = context.WithValue(ctx, contextkey.Phase, string(job.Phase))
	start := time.Now()

	res, err := w.process(ctx, job)
	if err == nil {
		w.metrics.ObserveJob(string(job.Phase), string(res.Outcome), time.Since(start))
	}
	return res, err
}

func (w *Worker) process(ctx context.Context, job model.GradingJob) (Result, error) {
	claimed, err := w.store.Claim(ctx, job.SubmissionID)
	if err != nil {
		return Result{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	if !claimed {
		// Duplicate delivery or a concurrent worker won the claim.
		logger.Info(ctx, "submission not pending, skipping")
		return Result{Outcome: OutcomeSkipped}, nil
	}

	if !w.health.Healthy(ctx) {
		w.metrics.IncExecError(string(job.Phase), "health")
		logger.Warn(ctx, "execution service unhealthy, failing without retry")
		return w.fail(ctx, job, msgInfraUnavailable)
	}

	sub, err := w.store.GetByID(ctx, job.SubmissionID)
	if err != nil {
		return w.handleFailure(ctx, job, err, "load")
	}

	version, cases, err := w.resolveVersion(ctx, sub, job.Phase)
	if err != nil {
		return w.handleFailure(ctx, job, err, "resolve")
	}
	if len(cases) == 0 {
		logger.Warn(ctx, "no applicable test cases", zap.Int64("version_id", version.ID))
		return w.fail(ctx, job, msgNotConfigured)
	}

	prepared, err := w.preparer.Prepare(ctx, sub, version.Settings, w.client)
	if err != nil {
		return w.handleFailure(ctx, job, err, "prepare")
	}

	return w.runCases(ctx, job, version.Settings, prepared, cases)
}

// resolveVersion returns the pinned configuration snapshot for the phase,
// pinning the assignment's active version on first contact.
func (w *Worker) resolveVersion(ctx context.Context, sub *model.Submission, phase model.Phase) (*model.AutogradeVersion, []model.TestCaseSnapshot, error) {
	versionID := sub.VersionIDForPhase(phase)
	if versionID == nil {
		active, err := w.versions.ActiveVersionID(ctx, sub.AssignmentID)
		if err != nil {
			return nil, nil, err
		}
		if active == nil {
			return nil, nil, appErr.New(appErr.GradingNotConfigured)
		}
		if err := w.store.PinVersion(ctx, sub.ID, phase, *active); err != nil {
			return nil, nil, err
		}
		versionID = active
	}

	version, err := w.versions.GetByID(ctx, *versionID)
	if err != nil {
		return nil, nil, err
	}
	snapshots, err := w.versions.GetSnapshots(ctx, *versionID)
	if err != nil {
		return nil, nil, err
	}
	return version, model.ApplicableCases(phase, snapshots), nil
}

func (w *Worker) runCases(ctx context.Context, job model.GradingJob, settings model.GradingSettings, prepared *prepare.Prepared, cases []model.TestCaseSnapshot) (Result, error) {
	results := make([]model.TestResult, 0, len(cases))
	earned, total, passed := 0, 0, 0
	for _, tc := range cases {
		total += tc.Points
	}

	for _, tc := range cases {
		run, err := w.client.Run(ctx, execclient.RunRequest{
			LanguageID:      prepared.LanguageID,
			SourceCode:      prepared.SourceCode,
			SourceFilename:  prepared.SourceFilename,
			Stdin:           tc.Stdin,
			Files:           prepared.Files,
			Parameters:      prepared.Parameters,
			CPUTimeSeconds:  prepared.Limits.CPUTimeSeconds,
			MemoryLimitMB:   prepared.Limits.MemoryLimitMB,
			StreamSizeLimMB: prepared.Limits.StreamSizeLimMB,
		})
		if err != nil {
			return w.handleFailure(ctx, job, err, "run")
		}

		if run.CompileOutput != "" {
			// The sources are identical for every case, so the first
			// compile failure settles the whole attempt.
			result := model.TestResult{
				SubmissionID:  job.SubmissionID,
				TestCaseID:    tc.TestCaseID,
				Phase:         job.Phase,
				Outcome:       run.Outcome,
				CompileOutput: run.CompileOutput,
			}
			if err := w.store.FinalizeError(ctx, job.SubmissionID, job.Phase, run.CompileOutput, []model.TestResult{result}); err != nil {
				return Result{}, appErr.Wrap(err, appErr.DatabaseError)
			}
			logger.Info(ctx, "compile failed, run aborted", zap.Int64("test_case_id", tc.TestCaseID))
			return Result{Outcome: OutcomeFailed, Feedback: run.CompileOutput}, nil
		}

		mode := tc.CompareMode
		if mode == "" {
			mode = settings.Mode
		}
		ok := run.Ok() &&
			compare.Compare(run.Stdout, tc.ExpectedStdout, mode) &&
			compare.Compare(run.Stderr, tc.ExpectedStderr, mode)
		if ok {
			earned += tc.Points
			passed++
		}
		results = append(results, model.TestResult{
			SubmissionID: job.SubmissionID,
			TestCaseID:   tc.TestCaseID,
			Phase:        job.Phase,
			Passed:       ok,
			Outcome:      run.Outcome,
			Stdout:       run.Stdout,
			Stderr:       run.Stderr,
		})
	}

	score := earned
	if settings.MaxPoints > 0 && score > settings.MaxPoints {
		score = settings.MaxPoints
	}
	feedback := fmt.Sprintf("%s: Passed %d/%d points across %d tests.",
		job.Phase.Label(), score, total, len(cases))

	if err := w.store.FinalizeGraded(ctx, job.SubmissionID, job.Phase, score, feedback, results); err != nil {
		return Result{}, appErr.Wrap(err, appErr.DatabaseError)
	}

	logger.Info(ctx, "submission graded",
		zap.Int("score", score),
		zap.Int("passed", passed),
		zap.Int("cases", len(cases)))
	return Result{Outcome: OutcomeGraded, Score: score, Feedback: feedback}, nil
}

// handleFailure dispatches on the error taxonomy: circuit-open fails fast,
// transient failures retry, user-facing validation errors surface their own
// message, and everything else is an opaque internal error.
func (w *Worker) handleFailure(ctx context.Context, job model.GradingJob, cause error, stage string) (Result, error) {
	code := appErr.GetCode(cause)
	switch {
	case code == appErr.ExecCircuitOpen:
		w.metrics.IncExecError(string(job.Phase), stage)
		logger.Warn(ctx, "circuit open, failing fast", zap.String("stage", stage))
		return w.fail(ctx, job, msgInfraUnavailable)

	case appErr.IsRetryable(cause):
		w.metrics.IncExecError(string(job.Phase), stage)
		w.health.MarkUnhealthy()
		return w.retry(ctx, job, cause, stage)

	case code.UserFacing():
		return w.fail(ctx, job, cause.Error())

	default:
		logger.Error(ctx, "grading failed",
			zap.String("stage", stage),
			zap.Int("code", int(code)),
			zap.Error(cause))
		return w.fail(ctx, job, msgInternal)
	}
}

func (w *Worker) retry(ctx context.Context, job model.GradingJob, cause error, stage string) (Result, error) {
	if job.Attempt >= w.maxAttempts-1 {
		logger.Error(ctx, "retries exhausted",
			zap.Int("attempts", w.maxAttempts),
			zap.String("stage", stage),
			zap.Error(cause))
		// The service is evidently down; open the breaker so other
		// workers stop hammering it.
		if tripper, ok := w.client.(interface{ Breaker() *execclient.Breaker }); ok {
			tripper.Breaker().Trip()
		}
		return w.fail(ctx, job, msgRetryExhausted)
	}

	next := job.Attempt + 1
	note := fmt.Sprintf("Autograding hit a temporary problem; retrying (%d/%d).", next, w.maxAttempts)
	if err := w.store.Release(ctx, job.SubmissionID, note); err != nil {
		return Result{}, appErr.Wrap(err, appErr.DatabaseError)
	}

	w.metrics.IncRetry(string(job.Phase))
	logger.Warn(ctx, "transient failure, retry scheduled",
		zap.String("stage", stage),
		zap.Int("attempt", next),
		zap.Error(cause))
	return Result{Outcome: OutcomeRetrying, NextAttempt: next}, nil
}

func (w *Worker) fail(ctx context.Context, job model.GradingJob, feedback string) (Result, error) {
	if err := w.store.MarkError(ctx, job.SubmissionID, feedback); err != nil {
		return Result{}, appErr.Wrap(err, appErr.DatabaseError)
	}
	return Result{Outcome: OutcomeFailed, Feedback: feedback}, nil
}

// RetryBackoff returns the dispatcher's sleep before re-enqueueing the
// given attempt: 2^attempt seconds, capped.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		attempt = 10
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}
