package entity

import (
	"time"
)

// DefaultJobID is recorded when no scheduler job ID was ever obtained.
const DefaultJobID = "DEFAULT_JOB_ID"

type JobState string

const (
	JobStateSubmitted   JobState = "SUBMITTED"
	JobStateUnSubmitted JobState = "UN_SUBMITTED"
	JobStateSetup       JobState = "SETUP"
	JobStateQueued      JobState = "QUEUED"
	JobStateActive      JobState = "ACTIVE"
	JobStateComplete    JobState = "COMPLETE"
	JobStateCanceled    JobState = "CANCELED"
	JobStateFailed      JobState = "FAILED"
	JobStateSuspended   JobState = "SUSPENDED"
	JobStateUnknown     JobState = "UNKNOWN"
)

func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateComplete, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

type JobStatus struct {
	State             JobState  `json:"state"`
	Reason            string    `json:"reason,omitempty"`
	TimeOfStateChange time.Time `json:"timeOfStateChange"`
}

// JobModel is append-only with respect to Statuses.
type JobModel struct {
	JobID             string      `json:"jobId"`
	JobName           string      `json:"jobName"`
	TaskID            string      `json:"taskId"`
	ProcessID         string      `json:"processId"`
	ExperimentID      string      `json:"experimentId"`
	GatewayID         string      `json:"gatewayId"`
	ComputeResourceID string      `json:"computeResourceId"`
	WorkingDir        string      `json:"workingDir"`
	JobDescription    string      `json:"jobDescription,omitempty"`
	CreationTime      time.Time   `json:"creationTime"`
	StdOut            string      `json:"stdOut,omitempty"`
	StdErr            string      `json:"stdErr,omitempty"`
	ExitCode          int         `json:"exitCode"`
	Statuses          []JobStatus `json:"statuses"`
}

// AppendStatus adds s to the history. A timestamp earlier than the latest
// entry is raised to it so the history stays ordered.
func (m *JobModel) AppendStatus(s JobStatus) JobStatus {
	if last, ok := m.LatestStatus(); ok && s.TimeOfStateChange.Before(last.TimeOfStateChange) {
		s.TimeOfStateChange = last.TimeOfStateChange
	}
	m.Statuses = append(m.Statuses, s)
	return s
}

func (m JobModel) LatestStatus() (JobStatus, bool) {
	if len(m.Statuses) == 0 {
		return JobStatus{}, false
	}
	return m.Statuses[len(m.Statuses)-1], true
}

func (m JobModel) State() JobState {
	if s, ok := m.LatestStatus(); ok {
		return s.State
	}
	return JobStateUnSubmitted
}

func (m JobModel) HasRealJobID() bool {
	return m.JobID != "" && m.JobID != DefaultJobID
}

func (m JobModel) IsTerminal() bool {
	return m.State().IsTerminal()
}

type ErrorScope string

const (
	ErrorScopeExperiment ErrorScope = "experiment"
	ErrorScopeProcess    ErrorScope = "process"
	ErrorScopeTask       ErrorScope = "task"
)

var ErrorScopes = []ErrorScope{ErrorScopeExperiment, ErrorScopeProcess, ErrorScopeTask}

type ErrorModel struct {
	ErrorID             string    `json:"errorId"`
	CreationTime        time.Time `json:"creationTime"`
	ActualErrorMessage  string    `json:"actualErrorMessage"`
	UserFriendlyMessage string    `json:"userFriendlyMessage"`
	Directive           string    `json:"directive,omitempty"`
	Transient           bool      `json:"transient"`
}

type JobStatusChangeEvent struct {
	EventID      string    `json:"eventId"`
	JobID        string    `json:"jobId"`
	TaskID       string    `json:"taskId"`
	ProcessID    string    `json:"processId"`
	ExperimentID string    `json:"experimentId"`
	GatewayID    string    `json:"gatewayId"`
	State        JobState  `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func NewJobStatusChangeEvent(eventID string, job JobModel, status JobStatus) JobStatusChangeEvent {
	return JobStatusChangeEvent{
		EventID:      eventID,
		JobID:        job.JobID,
		TaskID:       job.TaskID,
		ProcessID:    job.ProcessID,
		ExperimentID: job.ExperimentID,
		GatewayID:    job.GatewayID,
		State:        status.State,
		Reason:       status.Reason,
		Timestamp:    status.TimeOfStateChange,
	}
}
