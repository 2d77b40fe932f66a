// Package submission drives a job from its submit command to a confirmed
// place in the scheduler queue, or to a recorded failure.
package submission

import (
	"context"

	"github.com/sciencegateway/jobgate/pkg/agent"
	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/jobmanager"
)

type CredentialResolver interface {
	// Resolve returns the credential stored under token for gatewayID. An
	// unknown token is an error.
	Resolve(ctx context.Context, token, gatewayID string) (entity.Credential, error)
}

type ComputeResourceCatalog interface {
	GetComputeResource(ctx context.Context, computeResourceID string) (entity.ComputeResource, error)
	GetJobSubmissionInterface(ctx context.Context, computeResourceID string, protocol entity.Protocol) (entity.JobSubmissionInterface, error)
}

type JobManagerResolver interface {
	Resolve(iface entity.JobSubmissionInterface) (jobmanager.Configuration, error)
}

type ExperimentRegistry interface {
	AppendJobRecord(ctx context.Context, job entity.JobModel) error
	AppendJobStatus(ctx context.Context, taskID, jobID string, status entity.JobStatus) error
	AppendError(ctx context.Context, scope entity.ErrorScope, scopeID string, e entity.ErrorModel) error
}

// EventPublisher delivers status changes. Errors are logged by the caller
// and never change the job's state.
type EventPublisher interface {
	Publish(ctx context.Context, event entity.JobStatusChangeEvent) error
}

type Connector interface {
	Connect(iface entity.JobSubmissionInterface, cred entity.Credential) (agent.Adaptor, error)
}

// Metrics receives orchestration measurements.
type Metrics interface {
	RecordSubmission(ctx context.Context, resourceID string, state entity.JobState)
	RecordVerifyAttempt(ctx context.Context, resourceID string, found bool)
	AddInFlight(ctx context.Context, delta int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmission(context.Context, string, entity.JobState) {}
func (noopMetrics) RecordVerifyAttempt(context.Context, string, bool)         {}
func (noopMetrics) AddInFlight(context.Context, int64)                        {}

// Target names the compute resource a job runs on and the credential used to
// reach it.
type Target struct {
	GatewayID         string          `json:"gatewayId"`
	ComputeResourceID string          `json:"computeResourceId"`
	Protocol          entity.Protocol `json:"protocol"`
	Token             string          `json:"token"`
	// UserName is the gateway user the job runs for. Usage reporting
	// records it as user@gateway.
	UserName string `json:"userName,omitempty"`
}

// Request is one job submission.
type Request struct {
	Target
	ExperimentID string `json:"experimentId"`
	ProcessID    string `json:"processId"`
	TaskID       string `json:"taskId"`
	JobName      string `json:"jobName"`
	WorkingDir   string `json:"workingDir"`
	// JobFile is the script name, relative to WorkingDir unless absolute.
	JobFile string `json:"jobFile"`
	// Script, when set, is uploaded to JobFile before submitting.
	Script []byte `json:"script,omitempty"`
}
