package errors

import (
	"fmt"
	"strings"
)

// TransportError is a failure of the connection itself: dial, auth, or a
// channel closed before reporting an exit status. A session that produced
// one is never reused.
type TransportError struct {
	Endpoint string
	Op       string
	Err      error
}

var _ DirectiveError = &TransportError{}

func NewTransportError(endpoint, op string, err error) *TransportError {
	return &TransportError{Endpoint: endpoint, Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s during %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Directive() string {
	return "check network reachability, credentials and known_hosts for " + e.Endpoint
}

// SchedulerRejection means the scheduler answered and refused the job.
type SchedulerRejection struct {
	ResourceID string
	ExitCode   int
	StdOut     string
	StdErr     string
	Reason     string
}

var _ DirectiveError = &SchedulerRejection{}

func (e *SchedulerRejection) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scheduler on %s rejected the job", e.ResourceID)
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	if e.StdOut != "" {
		fmt.Fprintf(&b, "\nstdout: %s", e.StdOut)
	}
	if e.StdErr != "" {
		fmt.Fprintf(&b, "\nstderr: %s", e.StdErr)
	}
	return b.String()
}

func (e *SchedulerRejection) Directive() string {
	return "fix the job script or resource request and resubmit"
}

// AmbiguousOutcome means the submit command looked successful but no job ID
// could be confirmed, even after verifying by name.
type AmbiguousOutcome struct {
	ResourceID string
	JobName    string
	Attempts   int
	StdOut     string
}

var _ DirectiveError = &AmbiguousOutcome{}

func (e *AmbiguousOutcome) Error() string {
	return fmt.Sprintf("both submit and verify steps did not return a valid job ID for %q on %s after %d verify attempts",
		e.JobName, e.ResourceID, e.Attempts)
}

func (e *AmbiguousOutcome) Directive() string {
	return "investigate scheduler and network health on " + e.ResourceID + "; the job may still be queued"
}

// ParseError means scheduler output did not have the expected shape.
type ParseError struct {
	ResourceID string
	Format     string
	Reason     string
	Raw        string
}

var _ DirectiveError = &ParseError{}

func NewParseError(format, reason, raw string) *ParseError {
	return &ParseError{Format: format, Reason: reason, Raw: raw}
}

func (e *ParseError) Error() string {
	resource := e.ResourceID
	if resource == "" {
		resource = "unknown resource"
	}
	return fmt.Sprintf("unrecognized %s output from %s: %s\nraw output:\n%s", e.Format, resource, e.Reason, e.Raw)
}

func (e *ParseError) Directive() string {
	return "the scheduler output format is not supported; attach the raw output when reporting"
}

// WithResource returns a copy of e tagged with resourceID.
func (e *ParseError) WithResource(resourceID string) *ParseError {
	cp := *e
	cp.ResourceID = resourceID
	return &cp
}

func IsTransport(err error) bool {
	var t *TransportError
	return As(err, &t)
}

func IsParse(err error) bool {
	var p *ParseError
	return As(err, &p)
}

// DirectiveOf returns the directive of the first DirectiveError in err's
// chain.
func DirectiveOf(err error) (string, bool) {
	var d DirectiveError
	if As(err, &d) {
		return d.Directive(), true
	}
	return "", false
}
