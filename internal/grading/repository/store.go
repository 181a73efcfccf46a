package repository

import (
	"context"

	"gradewell/internal/common/db"
	"gradewell/internal/grading/model"
)

// GradingStore combines the submission and test-result repositories so that
// terminal transitions and their result sets land in one transaction.
type GradingStore struct {
	*MySQLSubmissionRepository
	results TestResultRepository
	db      db.Database
}

// NewGradingStore creates the combined store.
func NewGradingStore(database db.Database, submissions *MySQLSubmissionRepository, results TestResultRepository) *GradingStore {
	return &GradingStore{
		MySQLSubmissionRepository: submissions,
		results:                   results,
		db:                        database,
	}
}

// FinalizeGraded replaces the phase's test results and marks the submission
// graded, atomically.
func (s *GradingStore) FinalizeGraded(ctx context.Context, submissionID int64, phase model.Phase, score int, feedback string, results []model.TestResult) error {
	return s.db.Transaction(ctx, func(tx db.Transaction) error {
		if err := s.results.ReplaceForPhase(ctx, tx, submissionID, phase, results); err != nil {
			return err
		}
		return s.MarkGraded(ctx, tx, submissionID, score, feedback)
	})
}

// FinalizeError replaces the phase's test results and marks the submission
// errored with score 0, atomically. Used when a compile failure still
// produces a recorded result.
func (s *GradingStore) FinalizeError(ctx context.Context, submissionID int64, phase model.Phase, feedback string, results []model.TestResult) error {
	return s.db.Transaction(ctx, func(tx db.Transaction) error {
		if err := s.results.ReplaceForPhase(ctx, tx, submissionID, phase, results); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			"UPDATE submissions SET status = ?, score = 0, feedback = ?, updated_at = NOW() WHERE id = ?",
			model.StatusError, feedback, submissionID,
		)
		return err
	})
}
