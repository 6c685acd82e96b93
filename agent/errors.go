package agent

import "errors"

// ErrConcurrentRun is returned when a run is started on a session whose
// previous run has not yet terminated. It is surfaced to the caller
// immediately and never retried.
var ErrConcurrentRun = errors.New("agent: session already has an active run")

// ErrCancelled is the internal signal that the cancellation flag was
// observed. Runs that see it terminate cleanly with ReasonCancelled; it is
// not surfaced to the caller as a failure.
var ErrCancelled = errors.New("agent: run cancelled")

// FailureKind classifies a failed tool invocation for the model.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureInvalidArguments FailureKind = "InvalidArguments"
	FailureToolExecution    FailureKind = "ToolExecutionError"
	FailureUnknownTool      FailureKind = "UnknownTool"
	FailureApprovalDenied   FailureKind = "ApprovalDenied"
	FailureApprovalTimeout  FailureKind = "TimedOutApproval"
)
