package repository_test

import (
	"context"
	"strings"
	"testing"

	"gradewell/internal/common/db"
	"gradewell/internal/grading/model"
	"gradewell/internal/grading/repository"
	appErr "gradewell/pkg/errors"
)

type execCall struct {
	query string
	args  []interface{}
}

type fakeResult struct {
	lastID   int64
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return r.lastID, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeTx struct {
	execs []execCall
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	t.execs = append(t.execs, execCall{query: query, args: args})
	return fakeResult{affected: 1}, nil
}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type fakeDB struct {
	tx       *fakeTx
	execs    []execCall
	affected int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{tx: &fakeTx{}, affected: 1}
}

func (d *fakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, nil
}

func (d *fakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}

func (d *fakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	d.execs = append(d.execs, execCall{query: query, args: args})
	return fakeResult{affected: d.affected}, nil
}

func (d *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	return fn(d.tx)
}

func (d *fakeDB) BeginTx(ctx context.Context) (db.Transaction, error) { return d.tx, nil }
func (d *fakeDB) Ping(ctx context.Context) error                      { return nil }
func (d *fakeDB) Close() error                                        { return nil }
func (d *fakeDB) Stats() db.Stats                                     { return db.Stats{} }

func verb(query string) string {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func result(submissionID, testCaseID int64, phase model.Phase) model.TestResult {
	return model.TestResult{
		SubmissionID: submissionID,
		TestCaseID:   testCaseID,
		Phase:        phase,
		Passed:       true,
	}
}

func TestReplaceForPhaseDeletesBeforeInsert(t *testing.T) {
	t.Parallel()
	repo := repository.NewTestResultRepository(nil)
	tx := &fakeTx{}

	results := []model.TestResult{
		result(5, 1, model.PhasePractice),
		result(5, 2, model.PhasePractice),
	}
	if err := repo.ReplaceForPhase(context.Background(), tx, 5, model.PhasePractice, results); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	if len(tx.execs) != 3 {
		t.Fatalf("expected delete plus two inserts, got %d statements", len(tx.execs))
	}
	if verb(tx.execs[0].query) != "DELETE" {
		t.Fatalf("expected delete first, got %q", tx.execs[0].query)
	}
	if tx.execs[0].args[0] != int64(5) || tx.execs[0].args[1] != model.PhasePractice {
		t.Fatalf("delete must be scoped to (submission, phase), got %v", tx.execs[0].args)
	}
	for i, want := range []int64{1, 2} {
		call := tx.execs[i+1]
		if verb(call.query) != "INSERT" {
			t.Fatalf("expected insert at position %d, got %q", i+1, call.query)
		}
		if call.args[1] != want {
			t.Fatalf("expected test case %d at position %d, got %v", want, i+1, call.args[1])
		}
	}
}

func TestReplaceForPhaseLeavesOtherPhaseIntact(t *testing.T) {
	t.Parallel()
	repo := repository.NewTestResultRepository(nil)
	tx := &fakeTx{}

	practice := []model.TestResult{result(5, 1, model.PhasePractice)}
	final := []model.TestResult{result(5, 1, model.PhaseFinal), result(5, 2, model.PhaseFinal)}
	if err := repo.ReplaceForPhase(context.Background(), tx, 5, model.PhasePractice, practice); err != nil {
		t.Fatalf("practice replace failed: %v", err)
	}
	if err := repo.ReplaceForPhase(context.Background(), tx, 5, model.PhaseFinal, final); err != nil {
		t.Fatalf("final replace failed: %v", err)
	}

	var deletePhases []model.Phase
	for _, call := range tx.execs {
		if verb(call.query) == "DELETE" {
			deletePhases = append(deletePhases, call.args[1].(model.Phase))
		}
	}
	if len(deletePhases) != 2 || deletePhases[0] != model.PhasePractice || deletePhases[1] != model.PhaseFinal {
		t.Fatalf("each delete must target only its own phase, got %v", deletePhases)
	}
}

func TestReplaceForPhaseEmptyResultsClearsRows(t *testing.T) {
	t.Parallel()
	repo := repository.NewTestResultRepository(nil)
	tx := &fakeTx{}

	if err := repo.ReplaceForPhase(context.Background(), tx, 5, model.PhaseFinal, nil); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if len(tx.execs) != 1 || verb(tx.execs[0].query) != "DELETE" {
		t.Fatalf("expected only the delete, got %+v", tx.execs)
	}
}

func TestReplaceForPhaseOpensOwnTransaction(t *testing.T) {
	t.Parallel()
	database := newFakeDB()
	repo := repository.NewTestResultRepository(database)

	results := []model.TestResult{result(5, 1, model.PhasePractice)}
	if err := repo.ReplaceForPhase(context.Background(), nil, 5, model.PhasePractice, results); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if len(database.tx.execs) != 2 {
		t.Fatalf("expected delete and insert inside the opened transaction, got %d", len(database.tx.execs))
	}
	if len(database.execs) != 0 {
		t.Fatalf("statements must not bypass the transaction, got %+v", database.execs)
	}
}

func TestReleaseForRegrade(t *testing.T) {
	t.Parallel()
	database := newFakeDB()
	repo := repository.NewSubmissionRepository(database)

	if err := repo.ReleaseForRegrade(context.Background(), 5, "Regrade requested."); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	call := database.execs[0]
	if !strings.Contains(call.query, "status IN") {
		t.Fatalf("release must be conditional on terminal status, got %q", call.query)
	}
	found := 0
	for _, arg := range call.args {
		if arg == model.StatusGraded || arg == model.StatusError {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("expected graded and error as the allowed states, got %v", call.args)
	}
}

func TestReleaseForRegradeConflictsWhileGrading(t *testing.T) {
	t.Parallel()
	database := newFakeDB()
	database.affected = 0
	repo := repository.NewSubmissionRepository(database)

	err := repo.ReleaseForRegrade(context.Background(), 5, "Regrade requested.")
	if err == nil {
		t.Fatalf("expected conflict when no terminal row matched")
	}
	if code := appErr.GetCode(err); code != appErr.Conflict {
		t.Fatalf("expected conflict code, got %d", code)
	}
}
