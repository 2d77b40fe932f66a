package submission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

func submittedJob() entity.JobModel {
	return entity.JobModel{
		JobID:             "12345.pbs01",
		JobName:           "A1029384",
		TaskID:            "task-1",
		ProcessID:         "proc-1",
		ExperimentID:      "exp-1",
		GatewayID:         "seagrid",
		ComputeResourceID: "hpc-1",
		Statuses:          []entity.JobStatus{{State: entity.JobStateSubmitted, TimeOfStateChange: epoch}},
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on("qstat -f 12345.pbs01", entity.CommandOutput{ExitCode: 153}).
		on("qstat -f 12345.pbs01", entity.CommandOutput{StdOut: qstatQueued}).
		on("qdel 12345.pbs01", entity.CommandOutput{})

	job, err := h.orch.Cancel(context.Background(), testRequest().Target, submittedJob())
	require.NoError(t, err)

	assert.Equal(t, entity.JobStateCanceled, job.State())
	last, _ := job.LatestStatus()
	assert.Equal(t, "Canceled by user", last.Reason)
	assert.Equal(t, []time.Duration{time.Second}, h.slept)
	assert.Equal(t, []entity.JobState{entity.JobStateCanceled}, h.states())
	assert.Equal(t, []entity.JobState{entity.JobStateCanceled}, h.eventStates())
	assert.Equal(t, 1, h.adaptor.count("qdel"))
}

func TestCancelJobNeverListed(t *testing.T) {
	h := newHarness(t)
	h.adaptor.on("qstat -f 12345.pbs01", entity.CommandOutput{ExitCode: 153})

	job, err := h.orch.Cancel(context.Background(), testRequest().Target, submittedJob())
	assert.ErrorContains(t, err, "was not found on hpc-1 after 5 attempts")
	assert.Equal(t, entity.JobStateSubmitted, job.State())
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}, h.slept)
	assert.Equal(t, 0, h.adaptor.count("qdel"))
}

func TestCancelRejected(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on("qstat -f 12345.pbs01", entity.CommandOutput{StdOut: qstatQueued}).
		on("qdel 12345.pbs01", entity.CommandOutput{ExitCode: 35, StdErr: "qdel: Unauthorized Request"})

	job, err := h.orch.Cancel(context.Background(), testRequest().Target, submittedJob())
	var rejection *errors.SchedulerRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, entity.JobStateSubmitted, job.State())
	assert.Empty(t, h.states())
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t)
	job := submittedJob()
	job.AppendStatus(entity.JobStatus{State: entity.JobStateComplete, TimeOfStateChange: epoch})

	got, err := h.orch.Cancel(context.Background(), testRequest().Target, job)
	require.NoError(t, err)
	assert.Equal(t, job, got)
	assert.Empty(t, h.adaptor.ran)
}

func TestCancelWithoutJobID(t *testing.T) {
	h := newHarness(t)
	job := submittedJob()
	job.JobID = entity.DefaultJobID

	_, err := h.orch.Cancel(context.Background(), testRequest().Target, job)
	assert.ErrorContains(t, err, "has no scheduler job ID")
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on(submitCmd, entity.CommandOutput{ExitCode: 127, StdErr: "sh: qsub: command not found"}).
		on(submitCmd, entity.CommandOutput{StdOut: "12346.pbs01\n"}).
		on("qstat -f 12346.pbs01", entity.CommandOutput{StdOut: qstatQueued})

	failed, err := h.orch.Submit(context.Background(), testRequest())
	require.Error(t, err)
	require.Equal(t, entity.JobStateFailed, failed.State())
	require.Equal(t, entity.DefaultJobID, failed.JobID)

	req := testRequest()
	req.JobName = ""
	job, err := h.orch.Recover(context.Background(), req, failed)
	require.NoError(t, err)
	assert.Equal(t, "12346.pbs01", job.JobID)
	assert.Equal(t, "A1029384", job.JobName)
	assert.Equal(t, entity.JobStateQueued, job.State())
	assert.Equal(t, 2, h.adaptor.count("qsub"))

	got, err := h.orch.Recover(context.Background(), testRequest(), job)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	known := submittedJob()
	got, err = h.orch.Recover(context.Background(), testRequest(), known)
	require.NoError(t, err)
	assert.Equal(t, known, got)
	assert.Equal(t, 2, h.adaptor.count("qsub"))
}

func TestRefresh(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on("qstat -f 12345.pbs01", entity.CommandOutput{StdOut: qstatQueued}).
		on("qstat -f 12345.pbs01", entity.CommandOutput{StdOut: qstatQueued})

	job, changed, err := h.orch.Refresh(context.Background(), testRequest().Target, submittedJob())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, entity.JobStateQueued, job.State())

	job, changed, err = h.orch.Refresh(context.Background(), testRequest().Target, job)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, job.Statuses, 2)
	assert.Equal(t, []entity.JobState{entity.JobStateQueued}, h.eventStates())
}
