package submission

import (
	"strings"

	"github.com/samber/mo"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/jobmanager"
)

// Outcome is the classified result of one submit command: Success, Ambiguous
// or Failed.
type Outcome interface {
	outcome()
}

// Success carries the job ID parsed from the submit output.
type Success struct {
	JobID string
}

// Ambiguous means the submit command exited cleanly without printing a job
// ID the parser recognized.
type Ambiguous struct {
	StdOut string
}

// Failed means the scheduler refused the job.
type Failed struct {
	Reason string
	Err    *errors.SchedulerRejection
}

func (Success) outcome()   {}
func (Ambiguous) outcome() {}
func (Failed) outcome()    {}

// Classify turns the submit command's output into an Outcome and the
// JobSubmissionOutput that records it.
func Classify(cfg jobmanager.Configuration, cmd entity.RawCommandInfo, out entity.CommandOutput) (Outcome, entity.JobSubmissionOutput) {
	result := entity.JobSubmissionOutput{
		ExitCode: out.ExitCode,
		StdOut:   out.StdOut,
		StdErr:   out.StdErr,
		Command:  cmd.String(),
		JobID:    mo.None[string](),
	}

	if !out.Succeeded() || cfg.IsSubmissionFailed(out.StdOut) {
		rejection := &errors.SchedulerRejection{
			ResourceID: cfg.ResourceID,
			ExitCode:   out.ExitCode,
			StdOut:     out.StdOut,
			StdErr:     out.StdErr,
		}
		if out.Succeeded() {
			rejection.Reason = "submit output reports a failure"
		}
		result.JobSubmissionFailed = true
		result.FailureReason = mo.Some(failureReason(out))
		return Failed{Reason: rejection.Error(), Err: rejection}, result
	}

	if id, ok := cfg.ParseSubmissionOutput(out.StdOut).Get(); ok {
		result.JobID = mo.Some(id)
		return Success{JobID: id}, result
	}
	return Ambiguous{StdOut: out.StdOut}, result
}

func failureReason(out entity.CommandOutput) string {
	var b strings.Builder
	b.WriteString("stdout: ")
	b.WriteString(strings.TrimSpace(out.StdOut))
	b.WriteString("\nstderr: ")
	b.WriteString(strings.TrimSpace(out.StdErr))
	return b.String()
}
