package controller

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"gradewell/internal/grading/model"
	"gradewell/internal/grading/repository"
	appErr "gradewell/pkg/errors"
	"gradewell/pkg/utils/response"
)

// Enqueuer is the queue surface the regrade endpoint needs.
type Enqueuer interface {
	Enabled() bool
	Enqueue(ctx context.Context, submissionID int64, phase model.Phase, attempt int) bool
}

// GradingController serves the worker's read-side HTTP API.
type GradingController struct {
	submissions repository.SubmissionRepository
	results     repository.TestResultRepository
	enqueuer    Enqueuer
}

// NewGradingController creates a new controller.
func NewGradingController(submissions repository.SubmissionRepository, results repository.TestResultRepository, enqueuer Enqueuer) *GradingController {
	return &GradingController{
		submissions: submissions,
		results:     results,
		enqueuer:    enqueuer,
	}
}

// GetStatus returns one submission with its test results for a phase.
func (h *GradingController) GetStatus(c *gin.Context) {
	submissionID, ok := parseID(c)
	if !ok {
		return
	}
	phase, ok := parsePhase(c)
	if !ok {
		return
	}

	sub, err := h.submissions.GetByID(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, mapNotFound(err))
		return
	}
	results, err := h.results.ListForPhase(c.Request.Context(), submissionID, phase)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{
		"submission": sub,
		"phase":      phase,
		"results":    results,
	})
}

// Regrade releases a terminal submission back to pending and re-enqueues it.
// Submissions that are queued or currently grading are refused with a
// conflict.
func (h *GradingController) Regrade(c *gin.Context) {
	submissionID, ok := parseID(c)
	if !ok {
		return
	}
	phase, ok := parsePhase(c)
	if !ok {
		return
	}

	if !h.enqueuer.Enabled() {
		response.ErrorWithCode(c, appErr.GradingQueueDisabled, "")
		return
	}
	if _, err := h.submissions.GetByID(c.Request.Context(), submissionID); err != nil {
		response.Error(c, mapNotFound(err))
		return
	}
	if err := h.submissions.ReleaseForRegrade(c.Request.Context(), submissionID, "Regrade requested."); err != nil {
		response.Error(c, err)
		return
	}
	if !h.enqueuer.Enqueue(c.Request.Context(), submissionID, phase, 0) {
		response.ErrorWithCode(c, appErr.GradingQueueDisabled, "")
		return
	}
	response.Success(c, gin.H{
		"submission_id": submissionID,
		"phase":         phase,
	})
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrSubmissionNotFound) {
		return appErr.New(appErr.SubmissionNotFound)
	}
	return err
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid submission id")
		return 0, false
	}
	return id, true
}

func parsePhase(c *gin.Context) (model.Phase, bool) {
	phase := model.Phase(c.DefaultQuery("phase", string(model.PhasePractice)))
	if !phase.Valid() {
		response.BadRequest(c, "Invalid phase")
		return "", false
	}
	return phase, true
}
