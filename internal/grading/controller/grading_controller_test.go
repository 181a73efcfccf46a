package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"gradewell/internal/common/db"
	"gradewell/internal/grading/controller"
	"gradewell/internal/grading/model"
	"gradewell/internal/grading/repository"
	appErr "gradewell/pkg/errors"
)

type fakeSubmissions struct {
	sub      *model.Submission
	released []string
}

func (f *fakeSubmissions) GetByID(ctx context.Context, submissionID int64) (*model.Submission, error) {
	if f.sub == nil || f.sub.ID != submissionID {
		return nil, repository.ErrSubmissionNotFound
	}
	sub := *f.sub
	return &sub, nil
}

func (f *fakeSubmissions) Claim(ctx context.Context, submissionID int64) (bool, error) {
	return false, nil
}

func (f *fakeSubmissions) PinVersion(ctx context.Context, submissionID int64, phase model.Phase, versionID int64) error {
	return nil
}

func (f *fakeSubmissions) MarkGraded(ctx context.Context, tx db.Transaction, submissionID int64, score int, feedback string) error {
	return nil
}

func (f *fakeSubmissions) MarkError(ctx context.Context, submissionID int64, feedback string) error {
	return nil
}

func (f *fakeSubmissions) Release(ctx context.Context, submissionID int64, feedback string) error {
	f.released = append(f.released, feedback)
	return nil
}

func (f *fakeSubmissions) ReleaseForRegrade(ctx context.Context, submissionID int64, feedback string) error {
	if f.sub == nil || (f.sub.Status != model.StatusGraded && f.sub.Status != model.StatusError) {
		return appErr.New(appErr.Conflict).
			WithMessage("Submission is already queued or being graded")
	}
	f.sub.Status = model.StatusPending
	f.released = append(f.released, feedback)
	return nil
}

func (f *fakeSubmissions) CountByStatus(ctx context.Context) (map[model.Status]int64, error) {
	return nil, nil
}

type fakeResults struct {
	results []model.TestResult
}

func (f *fakeResults) ReplaceForPhase(ctx context.Context, tx db.Transaction, submissionID int64, phase model.Phase, results []model.TestResult) error {
	return nil
}

func (f *fakeResults) ListForPhase(ctx context.Context, submissionID int64, phase model.Phase) ([]model.TestResult, error) {
	return f.results, nil
}

type fakeEnqueuer struct {
	enabled bool
	calls   []int
	phases  []model.Phase
}

func (f *fakeEnqueuer) Enabled() bool { return f.enabled }

func (f *fakeEnqueuer) Enqueue(ctx context.Context, submissionID int64, phase model.Phase, attempt int) bool {
	f.calls = append(f.calls, attempt)
	f.phases = append(f.phases, phase)
	return true
}

func newTestRouter(subs *fakeSubmissions, results *fakeResults, enq *fakeEnqueuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := controller.NewGradingController(subs, results, enq)
	r := gin.New()
	r.GET("/api/v1/grading/submissions/:id", h.GetStatus)
	r.POST("/api/v1/grading/submissions/:id/regrade", h.Regrade)
	return r
}

func doRequest(t *testing.T, r *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return w, body
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	score := 7
	subs := &fakeSubmissions{sub: &model.Submission{ID: 5, AssignmentID: 3, Status: model.StatusGraded, Score: &score}}
	results := &fakeResults{results: []model.TestResult{{SubmissionID: 5, TestCaseID: 1, Passed: true}}}
	r := newTestRouter(subs, results, &fakeEnqueuer{enabled: true})

	w, body := doRequest(t, r, http.MethodGet, "/api/v1/grading/submissions/5?phase=final")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %v", body)
	}
	if data["phase"] != "final" {
		t.Fatalf("expected final phase echoed, got %v", data["phase"])
	}
	if rs, ok := data["results"].([]interface{}); !ok || len(rs) != 1 {
		t.Fatalf("expected one result, got %v", data["results"])
	}
}

func TestGetStatusBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "non-numeric-id", path: "/api/v1/grading/submissions/abc", want: http.StatusBadRequest},
		{name: "unknown-phase", path: "/api/v1/grading/submissions/5?phase=midterm", want: http.StatusBadRequest},
		{name: "missing-submission", path: "/api/v1/grading/submissions/99", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			score := 7
			subs := &fakeSubmissions{sub: &model.Submission{ID: 5, Score: &score}}
			r := newTestRouter(subs, &fakeResults{}, &fakeEnqueuer{enabled: true})
			w, _ := doRequest(t, r, http.MethodGet, tt.path)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestRegrade(t *testing.T) {
	t.Parallel()
	subs := &fakeSubmissions{sub: &model.Submission{ID: 5, Status: model.StatusError}}
	enq := &fakeEnqueuer{enabled: true}
	r := newTestRouter(subs, &fakeResults{}, enq)

	w, _ := doRequest(t, r, http.MethodPost, "/api/v1/grading/submissions/5/regrade?phase=final")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(subs.released) != 1 || subs.released[0] != "Regrade requested." {
		t.Fatalf("expected submission released, got %v", subs.released)
	}
	if len(enq.calls) != 1 || enq.calls[0] != 0 || enq.phases[0] != model.PhaseFinal {
		t.Fatalf("expected fresh final enqueue, got attempts=%v phases=%v", enq.calls, enq.phases)
	}
}

func TestRegradeRefusedWhileGrading(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status model.Status
	}{
		{name: "grading", status: model.StatusGrading},
		{name: "pending", status: model.StatusPending},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			subs := &fakeSubmissions{sub: &model.Submission{ID: 5, Status: tt.status}}
			enq := &fakeEnqueuer{enabled: true}
			r := newTestRouter(subs, &fakeResults{}, enq)

			w, _ := doRequest(t, r, http.MethodPost, "/api/v1/grading/submissions/5/regrade")
			if w.Code != http.StatusConflict {
				t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
			}
			if subs.sub.Status != tt.status {
				t.Fatalf("refused regrade must not change status, got %v", subs.sub.Status)
			}
			if len(enq.calls) != 0 {
				t.Fatalf("refused regrade must not enqueue, got %v", enq.calls)
			}
		})
	}
}

func TestRegradeQueueDisabled(t *testing.T) {
	t.Parallel()
	subs := &fakeSubmissions{sub: &model.Submission{ID: 5}}
	r := newTestRouter(subs, &fakeResults{}, &fakeEnqueuer{enabled: false})

	w, _ := doRequest(t, r, http.MethodPost, "/api/v1/grading/submissions/5/regrade")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if len(subs.released) != 0 {
		t.Fatalf("disabled queue must not release, got %v", subs.released)
	}
}
