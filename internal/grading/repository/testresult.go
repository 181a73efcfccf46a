package repository

import (
	"context"

	"gradewell/internal/common/db"
	"gradewell/internal/grading/model"
)

// TestResultRepository persists per-test grading outcomes.
type TestResultRepository interface {
	// ReplaceForPhase atomically deletes all prior results for the
	// (submission, phase) pair and writes the new set in order. A regrade
	// must never leave stale partial results behind.
	ReplaceForPhase(ctx context.Context, tx db.Transaction, submissionID int64, phase model.Phase, results []model.TestResult) error

	// ListForPhase returns results for a (submission, phase) pair in
	// insertion order.
	ListForPhase(ctx context.Context, submissionID int64, phase model.Phase) ([]model.TestResult, error)
}

// MySQLTestResultRepository implements TestResultRepository with MySQL.
type MySQLTestResultRepository struct {
	db db.Database
}

// NewTestResultRepository creates a test result repository.
func NewTestResultRepository(database db.Database) *MySQLTestResultRepository {
	return &MySQLTestResultRepository{db: database}
}

// ReplaceForPhase deletes then inserts inside the caller's transaction when
// one is given, otherwise in its own.
func (r *MySQLTestResultRepository) ReplaceForPhase(ctx context.Context, tx db.Transaction, submissionID int64, phase model.Phase, results []model.TestResult) error {
	if tx != nil {
		return r.replaceForPhase(ctx, tx, submissionID, phase, results)
	}
	return r.db.Transaction(ctx, func(tx db.Transaction) error {
		return r.replaceForPhase(ctx, tx, submissionID, phase, results)
	})
}

func (r *MySQLTestResultRepository) replaceForPhase(ctx context.Context, tx db.Transaction, submissionID int64, phase model.Phase, results []model.TestResult) error {
	if _, err := tx.Exec(ctx,
		"DELETE FROM test_results WHERE submission_id = ? AND phase = ?",
		submissionID, phase,
	); err != nil {
		return err
	}
	for _, res := range results {
		if _, err := tx.Exec(ctx,
			`INSERT INTO test_results
			 (submission_id, test_case_id, phase, passed, outcome, compile_output, stdout, stderr)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.SubmissionID, res.TestCaseID, res.Phase, res.Passed, res.Outcome,
			res.CompileOutput, res.Stdout, res.Stderr,
		); err != nil {
			return err
		}
	}
	return nil
}

// ListForPhase returns results for the (submission, phase) pair.
func (r *MySQLTestResultRepository) ListForPhase(ctx context.Context, submissionID int64, phase model.Phase) ([]model.TestResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, submission_id, test_case_id, phase, passed, outcome, compile_output, stdout, stderr, created_at
		 FROM test_results WHERE submission_id = ? AND phase = ? ORDER BY id`,
		submissionID, phase,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.TestResult
	for rows.Next() {
		var res model.TestResult
		if err := rows.Scan(
			&res.ID, &res.SubmissionID, &res.TestCaseID, &res.Phase, &res.Passed,
			&res.Outcome, &res.CompileOutput, &res.Stdout, &res.Stderr, &res.CreatedAt,
		); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}
