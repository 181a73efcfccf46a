package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 20000-20999: System & Common errors
// 21000-21999: Submission & Archive validation errors
// 22000-22999: Execution service errors
// 23000-23999: Grading lifecycle errors

const (
	// ========== System & Common Errors (20000-20999) ==========

	// Success
	Success ErrorCode = 20000

	// Generic errors (20000-20099)
	InternalServerError ErrorCode = 20001
	InvalidParams       ErrorCode = 20002
	NotFound            ErrorCode = 20003
	ServiceUnavailable  ErrorCode = 20004
	Timeout             ErrorCode = 20005
	Conflict            ErrorCode = 20006

	// Database errors (20100-20199)
	DatabaseError     ErrorCode = 20100
	RecordNotFound    ErrorCode = 20101
	TransactionFailed ErrorCode = 20102

	// Cache errors (20200-20299)
	CacheError ErrorCode = 20200

	// Validation errors (20300-20399)
	ValidationFailed   ErrorCode = 20300
	RequiredFieldEmpty ErrorCode = 20301

	// ========== Submission & Archive Errors (21000-21999) ==========

	// Archive validation (21000-21099)
	ArchiveInvalid       ErrorCode = 21000
	ArchiveEntryRejected ErrorCode = 21001
	ArchiveTooManyFiles  ErrorCode = 21002
	ArchiveTooLarge      ErrorCode = 21003
	ArchiveNotAllowed    ErrorCode = 21004

	// Build command (21100-21199)
	CommandUnsafe        ErrorCode = 21100
	CommandInvalid       ErrorCode = 21101
	CompilerNotSupported ErrorCode = 21102
	SourceFileMissing    ErrorCode = 21103
	SourceAmbiguous      ErrorCode = 21104

	// Submission content (21200-21299)
	LanguageNotSupported ErrorCode = 21200
	SubmissionNotFound   ErrorCode = 21201
	SubmissionTooLarge   ErrorCode = 21202

	// ========== Execution Service Errors (22000-22999) ==========

	ExecMisconfigured ErrorCode = 22000
	ExecTransient     ErrorCode = 22001
	ExecUpstream      ErrorCode = 22002
	ExecCircuitOpen   ErrorCode = 22003
	ExecProtocol      ErrorCode = 22004
	ExecUnavailable   ErrorCode = 22005

	// ========== Grading Lifecycle Errors (23000-23999) ==========

	GradingNotConfigured  ErrorCode = 23000
	GradingVersionLocked  ErrorCode = 23001
	GradingRetryExhausted ErrorCode = 23002
	GradingQueueDisabled  ErrorCode = 23003
	GradingClaimLost      ErrorCode = 23004
)

var errorMessages = map[ErrorCode]string{
	Success: "Success",

	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Operation timed out",
	Conflict:            "Resource conflict",

	DatabaseError:     "Database error",
	RecordNotFound:    "Record not found",
	TransactionFailed: "Database transaction failed",

	CacheError: "Cache error",

	ValidationFailed:   "Validation failed",
	RequiredFieldEmpty: "Required field is empty",

	ArchiveInvalid:       "Invalid archive",
	ArchiveEntryRejected: "Archive contains a disallowed entry",
	ArchiveTooManyFiles:  "Archive contains too many files",
	ArchiveTooLarge:      "Archive is too large",
	ArchiveNotAllowed:    "Archive uploads are not allowed for this assignment",

	CommandUnsafe:        "Build command contains disallowed characters",
	CommandInvalid:       "Invalid build command",
	CompilerNotSupported: "Compiler not supported",
	SourceFileMissing:    "Source file not found in archive",
	SourceAmbiguous:      "Cannot determine which source file to compile",

	LanguageNotSupported: "Programming language not supported",
	SubmissionNotFound:   "Submission not found",
	SubmissionTooLarge:   "Submission is too large",

	ExecMisconfigured: "Execution service is not configured",
	ExecTransient:     "Execution service is temporarily unreachable",
	ExecUpstream:      "Execution service rejected the request",
	ExecCircuitOpen:   "Execution service circuit breaker is open",
	ExecProtocol:      "Execution service returned a malformed response",
	ExecUnavailable:   "Execution service is unavailable",

	GradingNotConfigured:  "Autograding is not configured for this assignment",
	GradingVersionLocked:  "Autograding configuration is locked",
	GradingRetryExhausted: "Grading retries exhausted",
	GradingQueueDisabled:  "Grading queue is not configured",
	GradingClaimLost:      "Submission was already claimed by another worker",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == RecordNotFound, c == SubmissionNotFound:
		return 404
	case c == InvalidParams, c >= 20300 && c < 20400, c >= 21000 && c < 22000:
		return 400
	case c == Conflict, c == GradingVersionLocked:
		return 409
	case c == ServiceUnavailable, c == ExecUnavailable, c == ExecCircuitOpen, c == GradingQueueDisabled:
		return 503
	default:
		return 500
	}
}

// Retryable reports whether the code represents a transient infrastructure
// failure that may succeed on a later attempt. Circuit-open is deliberately
// excluded: the breaker already encodes its own backoff.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ExecTransient, Timeout:
		return true
	default:
		return false
	}
}

// UserFacing reports whether the code's message is safe and useful to show
// to a student. Transient and internal errors are generalized elsewhere.
func (c ErrorCode) UserFacing() bool {
	switch {
	case c >= 21000 && c < 22000:
		return true
	case c == GradingNotConfigured, c == GradingVersionLocked:
		return true
	default:
		return false
	}
}
