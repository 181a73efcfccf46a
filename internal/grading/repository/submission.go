package repository

import (
	"context"
	"errors"

	"gradewell/internal/common/db"
	"gradewell/internal/grading/model"
	appErr "gradewell/pkg/errors"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
)

// SubmissionRepository defines submission persistence for the grading worker.
type SubmissionRepository interface {
	GetByID(ctx context.Context, submissionID int64) (*model.Submission, error)

	// Claim atomically transitions pending -> grading. Returns false when
	// the submission was not pending (duplicate delivery or lost race).
	Claim(ctx context.Context, submissionID int64) (bool, error)

	// PinVersion records the autograde version used for the phase.
	PinVersion(ctx context.Context, submissionID int64, phase model.Phase, versionID int64) error

	// MarkGraded sets the terminal graded state.
	MarkGraded(ctx context.Context, tx db.Transaction, submissionID int64, score int, feedback string) error

	// MarkError sets the terminal error state with score 0 and feedback.
	MarkError(ctx context.Context, submissionID int64, feedback string) error

	// Release returns a grading submission to pending for a retry attempt.
	// Only the worker holding the claim may call it.
	Release(ctx context.Context, submissionID int64, feedback string) error

	// ReleaseForRegrade returns a terminal (graded or error) submission to
	// pending. Fails with a conflict while a worker holds the claim or the
	// submission is already queued.
	ReleaseForRegrade(ctx context.Context, submissionID int64, feedback string) error

	// CountByStatus returns submission counts keyed by status.
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db db.Database
}

// NewSubmissionRepository creates a submission repository.
func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

const submissionColumns = "id, assignment_id, user_id, storage_path, status, score, feedback, practice_autograde_version_id, final_autograde_version_id, created_at, updated_at"

// GetByID retrieves a submission by id.
func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, submissionID int64) (*model.Submission, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE id = ? LIMIT 1"
	row := r.db.QueryRow(ctx, query, submissionID)
	sub := &model.Submission{}
	if err := row.Scan(
		&sub.ID,
		&sub.AssignmentID,
		&sub.UserID,
		&sub.StoragePath,
		&sub.Status,
		&sub.Score,
		&sub.Feedback,
		&sub.PracticeVersionID,
		&sub.FinalVersionID,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// Claim performs the atomic pending -> grading transition. The conditional
// update is the sole cross-worker mutual-exclusion mechanism.
func (r *MySQLSubmissionRepository) Claim(ctx context.Context, submissionID int64) (bool, error) {
	res, err := r.db.Exec(ctx,
		"UPDATE submissions SET status = ?, updated_at = NOW() WHERE id = ? AND status = ?",
		model.StatusGrading, submissionID, model.StatusPending,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// PinVersion records which autograde version grades this phase.
func (r *MySQLSubmissionRepository) PinVersion(ctx context.Context, submissionID int64, phase model.Phase, versionID int64) error {
	column := "practice_autograde_version_id"
	if phase == model.PhaseFinal {
		column = "final_autograde_version_id"
	}
	_, err := r.db.Exec(ctx,
		"UPDATE submissions SET "+column+" = ?, updated_at = NOW() WHERE id = ?",
		versionID, submissionID,
	)
	return err
}

// MarkGraded sets the terminal graded state. It participates in the same
// transaction as the test-result replace so results and status land together.
func (r *MySQLSubmissionRepository) MarkGraded(ctx context.Context, tx db.Transaction, submissionID int64, score int, feedback string) error {
	_, err := db.GetQuerier(r.db, tx).Exec(ctx,
		"UPDATE submissions SET status = ?, score = ?, feedback = ?, updated_at = NOW() WHERE id = ?",
		model.StatusGraded, score, feedback, submissionID,
	)
	return err
}

// MarkError sets the terminal error state. Score is always 0 and feedback is
// always non-null so the UI can render a definitive result.
func (r *MySQLSubmissionRepository) MarkError(ctx context.Context, submissionID int64, feedback string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE submissions SET status = ?, score = 0, feedback = ?, updated_at = NOW() WHERE id = ?",
		model.StatusError, feedback, submissionID,
	)
	return err
}

// Release returns a grading submission to pending ahead of a retry.
func (r *MySQLSubmissionRepository) Release(ctx context.Context, submissionID int64, feedback string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE submissions SET status = ?, feedback = ?, updated_at = NOW() WHERE id = ?",
		model.StatusPending, feedback, submissionID,
	)
	return err
}

// ReleaseForRegrade returns a terminal submission to pending. The status
// condition keeps a regrade from pulling a grading submission out from under
// its worker, which would let a second worker claim it concurrently.
func (r *MySQLSubmissionRepository) ReleaseForRegrade(ctx context.Context, submissionID int64, feedback string) error {
	res, err := r.db.Exec(ctx,
		"UPDATE submissions SET status = ?, feedback = ?, updated_at = NOW() WHERE id = ? AND status IN (?, ?)",
		model.StatusPending, feedback, submissionID, model.StatusGraded, model.StatusError,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.New(appErr.Conflict).
			WithMessage("Submission is already queued or being graded")
	}
	return nil
}

// CountByStatus returns submission counts grouped by status.
func (r *MySQLSubmissionRepository) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	rows, err := r.db.Query(ctx, "SELECT status, COUNT(*) FROM submissions GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.Status]int64)
	for rows.Next() {
		var status model.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
