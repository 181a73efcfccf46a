package model

import (
	"time"

	"gradewell/internal/grading/compare"
)

// Phase distinguishes practice runs (visible tests only) from the final
// graded-for-record run.
type Phase string

const (
	PhasePractice Phase = "practice"
	PhaseFinal    Phase = "final"
)

// Valid reports whether the phase is one of the known phases.
func (p Phase) Valid() bool {
	return p == PhasePractice || p == PhaseFinal
}

// Label returns the capitalized form used in student-facing feedback.
func (p Phase) Label() string {
	if p == PhaseFinal {
		return "Final"
	}
	return "Practice"
}

// Status is the submission grading state machine:
// pending -> grading -> {graded | error}.
type Status string

const (
	StatusPending Status = "pending"
	StatusGrading Status = "grading"
	StatusGraded  Status = "graded"
	StatusError   Status = "error"
)

// GradingJob is the ephemeral queue payload. Attempt increments on
// transient-failure retry.
type GradingJob struct {
	SubmissionID int64 `json:"submission_id"`
	Phase        Phase `json:"phase"`
	Attempt      int   `json:"attempt"`
}

// Submission is the graded artifact row. StoragePath is the object storage
// key of the uploaded source (single file or zip archive).
type Submission struct {
	ID                int64
	AssignmentID      int64
	UserID            int64
	StoragePath       string
	Status            Status
	Score             *int
	Feedback          *string
	PracticeVersionID *int64
	FinalVersionID    *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// VersionIDForPhase returns the pinned autograde version for the phase, or
// nil if none has been pinned yet.
func (s *Submission) VersionIDForPhase(phase Phase) *int64 {
	if phase == PhaseFinal {
		return s.FinalVersionID
	}
	return s.PracticeVersionID
}

// GradingSettings is the assignment-level configuration captured into an
// AutogradeVersion snapshot.
type GradingSettings struct {
	Mode             compare.Mode `json:"mode"`
	MaxPoints        int          `json:"max_points"`
	AllowsZip        bool         `json:"allows_zip"`
	ExpectedFilename string       `json:"expected_filename"`
	CompileCommand   string       `json:"compile_command"`
	DueDate          *time.Time   `json:"due_date"`
	LatePolicy       string       `json:"late_policy"`

	// Limits overrides the system default resource caps when set.
	Limits *ResourceLimits `json:"limits,omitempty"`
}

// ResourceLimits are the sandbox caps applied uniformly to every run of a
// grading attempt.
type ResourceLimits struct {
	CPUTimeSeconds  int `json:"cpu_time_seconds" yaml:"cpuTimeSeconds"`
	MemoryLimitMB   int `json:"memory_limit_mb" yaml:"memoryLimitMB"`
	StreamSizeLimMB int `json:"stream_size_limit_mb" yaml:"streamSizeLimitMB"`
}

// AutogradeVersion is an immutable snapshot of grading configuration.
// A submission pins one version per phase so results stay reproducible
// even if staff edit the assignment afterward.
type AutogradeVersion struct {
	ID           int64
	AssignmentID int64
	Version      int
	Settings     GradingSettings
	CreatedAt    time.Time
}

// TestCaseSnapshot is a test case frozen into an AutogradeVersion.
type TestCaseSnapshot struct {
	ID             int64
	VersionID      int64
	TestCaseID     int64
	Name           string
	Position       int
	Points         int
	IsHidden       bool
	Stdin          string
	ExpectedStdout string
	ExpectedStderr string
	CompareMode    compare.Mode
}

// TestResult records the outcome of one test case in one grading attempt.
// All results for a (submission, phase) pair are replaced atomically before
// new ones are written.
type TestResult struct {
	ID            int64
	SubmissionID  int64
	TestCaseID    int64
	Phase         Phase
	Passed        bool
	Outcome       int
	CompileOutput string
	Stdout        string
	Stderr        string
	CreatedAt     time.Time
}

// ApplicableCases filters snapshots by phase: practice runs only ever see
// non-hidden cases. The input is assumed sorted by (position, id).
func ApplicableCases(phase Phase, cases []TestCaseSnapshot) []TestCaseSnapshot {
	if phase == PhaseFinal {
		return cases
	}
	out := make([]TestCaseSnapshot, 0, len(cases))
	for _, tc := range cases {
		if !tc.IsHidden {
			out = append(out, tc)
		}
	}
	return out
}
