package submission

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

const (
	submitCmd = "qsub /scratch/alice/exp-1/job.pbs"
	byNameCmd = "qstat -u alice"
)

const qstatQueued = `Job Id: 12345.pbs01
    Job_Name = A1029384
    job_state = Q
`

const qstatUserFound = `
pbs01:
Job ID          Username Queue    Jobname    SessID NDS TSK Memory Time  S Time
--------------- -------- -------- ---------- ------ --- --- ------ ----- - -----
67890           alice    batch    A1029384    12002   1   4    --  01:00 Q   --
`

const qstatUserEmpty = `
pbs01:
Job ID          Username Queue    Jobname    SessID NDS TSK Memory Time  S Time
--------------- -------- -------- ---------- ------ --- --- ------ ----- - -----
`

func TestSubmitWithJobID(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on(submitCmd, entity.CommandOutput{StdOut: "12345.pbs01\n"}).
		on("qstat -f 12345.pbs01", entity.CommandOutput{StdOut: qstatQueued})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "12345.pbs01", job.JobID)
	if diff := cmp.Diff([]entity.JobState{entity.JobStateSubmitted, entity.JobStateQueued}, h.states()); diff != "" {
		t.Errorf("persisted states mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, h.states(), h.eventStates())
	for _, e := range h.events.events {
		assert.Equal(t, "12345.pbs01", e.JobID)
		assert.Equal(t, "task-1", e.TaskID)
		assert.Equal(t, "proc-1", e.ProcessID)
		assert.Equal(t, "exp-1", e.ExperimentID)
		assert.Equal(t, "seagrid", e.GatewayID)
	}
	require.Len(t, h.registry.records, 1)
	assert.Equal(t, entity.JobStateSubmitted, h.registry.records[0].State())
	assert.Empty(t, h.slept)
	assert.Empty(t, h.registry.errs)
}

func TestSubmitWithJobIDVerifyFailureStaysSubmitted(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on(submitCmd, entity.CommandOutput{StdOut: "12345.pbs01\n"}).
		onError("qstat -f 12345.pbs01", errors.NewTransportError("alice@hpc:22", "exec", errors.New("connection reset")))

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateSubmitted, job.State())
	assert.Equal(t, []entity.JobState{entity.JobStateSubmitted}, h.states())
	assert.Equal(t, 1, h.adaptor.count("qstat -f"))
	assert.Empty(t, h.registry.errs)
}

func TestSubmitRecoversJobIDByName(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on(submitCmd, entity.CommandOutput{}).
		on(byNameCmd, entity.CommandOutput{StdOut: qstatUserFound})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "67890", job.JobID)
	assert.Equal(t, []entity.JobState{entity.JobStateQueued}, h.states())
	assert.Equal(t, []entity.JobState{entity.JobStateQueued}, h.eventStates())
	assert.Empty(t, h.slept)
	assert.Equal(t, 1, h.adaptor.count(byNameCmd))
}

func TestSubmitRecoversOnLaterAttempt(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on(submitCmd, entity.CommandOutput{}).
		on(byNameCmd, entity.CommandOutput{StdOut: qstatUserEmpty}).
		onError(byNameCmd, errors.NewTransportError("alice@hpc:22", "exec", errors.New("eof"))).
		on(byNameCmd, entity.CommandOutput{StdOut: qstatUserFound})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "67890", job.JobID)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, h.slept)
	assert.Equal(t, 3, h.adaptor.count(byNameCmd))
}

func TestSubmitAmbiguousExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on(submitCmd, entity.CommandOutput{}).
		on(byNameCmd, entity.CommandOutput{StdOut: qstatUserEmpty})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both submit and verify steps")

	assert.Equal(t, entity.DefaultJobID, job.JobID)
	assert.Equal(t, entity.JobStateFailed, job.State())
	last, _ := job.LatestStatus()
	assert.Contains(t, last.Reason, "both submit and verify steps")
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}, h.slept)

	var total time.Duration
	for _, d := range h.slept {
		total += d
	}
	assert.Equal(t, 60*time.Second, total)
	assert.Equal(t, 3, h.adaptor.count(byNameCmd))

	require.Len(t, h.registry.errs, 3)
	for _, e := range h.registry.errs {
		assert.Equal(t, "Could not confirm that the scheduler accepted the job.", e.model.UserFriendlyMessage)
		assert.NotEmpty(t, e.model.Directive)
	}
}

func TestSubmitCommandNotFound(t *testing.T) {
	h := newHarness(t)
	h.adaptor.on(submitCmd, entity.CommandOutput{ExitCode: 127, StdErr: "sh: qsub: command not found"})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.Error(t, err)

	var rejection *errors.SchedulerRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, 127, rejection.ExitCode)
	assert.Equal(t, entity.DefaultJobID, job.JobID)
	assert.Equal(t, []entity.JobState{entity.JobStateFailed}, h.states())
	last, _ := job.LatestStatus()
	assert.Contains(t, last.Reason, "sh: qsub: command not found")
	assert.Equal(t, 0, h.adaptor.count("qstat"))
	assert.Empty(t, h.slept)

	require.Len(t, h.registry.errs, 3)
	scopes := map[entity.ErrorScope]string{}
	for _, e := range h.registry.errs {
		scopes[e.scope] = e.scopeID
		assert.Equal(t, "The scheduler rejected the job.", e.model.UserFriendlyMessage)
		assert.False(t, e.model.Transient)
	}
	assert.Equal(t, map[entity.ErrorScope]string{
		entity.ErrorScopeExperiment: "exp-1",
		entity.ErrorScopeProcess:    "proc-1",
		entity.ErrorScopeTask:       "task-1",
	}, scopes)
}

func TestSubmitFailurePhraseInStdout(t *testing.T) {
	h := newHarness(t)
	h.adaptor.on(submitCmd, entity.CommandOutput{StdOut: "qsub: Job exceeds queue resource limits MSG=cannot satisfy queue max walltime requirement\n"})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, entity.JobStateFailed, job.State())
	assert.Contains(t, err.Error(), "queue max walltime")
}

func TestSubmitTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.adaptor.onError(submitCmd, errors.NewTransportError("alice@hpc:22", "dial", errors.New("connection refused")))

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.Equal(t, entity.DefaultJobID, job.JobID)
	require.Len(t, h.registry.errs, 3)
	assert.True(t, h.registry.errs[0].model.Transient)
	assert.Equal(t, "Could not reach the compute resource.", h.registry.errs[0].model.UserFriendlyMessage)
}

func TestSubmitUnknownCredential(t *testing.T) {
	h := newHarness(t)
	req := testRequest()
	req.Token = "missing"

	job, err := h.orch.Submit(context.Background(), req)
	assert.ErrorContains(t, err, "credential missing not found")
	assert.Equal(t, entity.JobStateFailed, job.State())
	assert.Empty(t, h.adaptor.ran)
}

func TestSubmitUploadsScript(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on(submitCmd, entity.CommandOutput{StdOut: "12345.pbs01\n"}).
		on("qstat -f 12345.pbs01", entity.CommandOutput{StdOut: qstatQueued})

	req := testRequest()
	req.Script = []byte("#!/bin/sh\n#PBS -N A1029384\nhostname\n")
	job, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"/scratch/alice/exp-1"}, h.adaptor.dirs)
	assert.Equal(t, string(req.Script), h.adaptor.uploads["/scratch/alice/exp-1/job.pbs"])
	assert.Equal(t, string(req.Script), job.JobDescription)
}

func TestSubmitCanceledDuringVerify(t *testing.T) {
	h := newHarness(t, WithSleep(func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}))
	h.adaptor.
		on(submitCmd, entity.CommandOutput{}).
		on(byNameCmd, entity.CommandOutput{StdOut: qstatUserEmpty})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, entity.JobStateFailed, job.State())
	assert.Equal(t, 1, h.adaptor.count(byNameCmd))
}

func TestCanceledSubmitStillRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	h.adaptor.
		on(submitCmd, entity.CommandOutput{}).
		on(byNameCmd, entity.CommandOutput{StdOut: qstatUserEmpty})

	job, err := h.orch.Submit(ctx, testRequest())
	require.Error(t, err)
	assert.Equal(t, entity.JobStateFailed, job.State())

	require.Len(t, h.registry.records, 1)
	assert.Equal(t, entity.DefaultJobID, h.registry.records[0].JobID)
	assert.Equal(t, []entity.JobState{entity.JobStateFailed}, h.states())
	assert.Equal(t, []entity.JobState{entity.JobStateFailed}, h.eventStates())
	require.Len(t, h.registry.errs, 3)
	for _, e := range h.registry.errs {
		assert.Contains(t, e.model.ActualErrorMessage, "context canceled")
	}
}

func TestVerifyByNameParseErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.adaptor.
		on(submitCmd, entity.CommandOutput{}).
		on(byNameCmd, entity.CommandOutput{StdOut: "Job ID Username\n67890 alice\n"})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errors.IsParse(err))
	assert.Equal(t, entity.JobStateFailed, job.State())
	assert.Equal(t, entity.DefaultJobID, job.JobID)

	assert.Empty(t, h.slept)
	assert.Equal(t, 1, h.adaptor.count(byNameCmd))
	require.Len(t, h.registry.errs, 3)
	for _, e := range h.registry.errs {
		assert.Equal(t, "The scheduler answered in a format that is not understood.", e.model.UserFriendlyMessage)
		assert.Contains(t, e.model.ActualErrorMessage, "hpc-1")
	}
}

func TestUsageReportingAfterQueued(t *testing.T) {
	h := newHarness(t)
	h.resource.UsageReporting = true
	h.resource.UsageReportingGatewayID = "seagrid"
	h.resource.UsageReportingLoadCmd = "module load gateway-usage"
	h.resource.UsageReportingExecutable = "gateway_submit_attributes"

	req := testRequest()
	req.UserName = "bob"
	usage := UsageReportingCommand(h.resource, "bob", "67890")
	h.adaptor.
		on(submitCmd, entity.CommandOutput{}).
		on(byNameCmd, entity.CommandOutput{StdOut: qstatUserFound}).
		on(usage, entity.CommandOutput{ExitCode: 1, StdErr: "module: not found"})

	job, err := h.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStateQueued, job.State())
	assert.Equal(t, 1, h.adaptor.count("module load gateway-usage"))
}

func TestStatusHistoryStaysOrdered(t *testing.T) {
	tick := epoch
	h := newHarness(t, WithNow(func() time.Time {
		tick = tick.Add(-time.Minute)
		return tick
	}))
	h.adaptor.
		on(submitCmd, entity.CommandOutput{StdOut: "12345.pbs01\n"}).
		on("qstat -f 12345.pbs01", entity.CommandOutput{StdOut: qstatQueued})

	job, err := h.orch.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, job.Statuses, 2)
	for i := 1; i < len(job.Statuses); i++ {
		assert.False(t, job.Statuses[i].TimeOfStateChange.Before(job.Statuses[i-1].TimeOfStateChange))
	}
}

func TestTerminalModelsHaveJobID(t *testing.T) {
	outputs := []entity.CommandOutput{
		{StdOut: "12345.pbs01\n"},
		{},
		{ExitCode: 2, StdErr: "qsub: illegal -l value"},
	}
	for _, out := range outputs {
		h := newHarness(t)
		h.adaptor.
			on(submitCmd, out).
			on("qstat -f 12345.pbs01", entity.CommandOutput{StdOut: qstatQueued}).
			on(byNameCmd, entity.CommandOutput{StdOut: qstatUserEmpty})

		job, _ := h.orch.Submit(context.Background(), testRequest())
		assert.NotEmpty(t, job.JobID)
		assert.NotEmpty(t, job.Statuses)
		switch job.State() {
		case entity.JobStateQueued, entity.JobStateSubmitted:
			assert.True(t, job.HasRealJobID())
		case entity.JobStateFailed:
			assert.Equal(t, entity.DefaultJobID, job.JobID)
		default:
			t.Fatalf("unexpected state %s", job.State())
		}
	}
}

func TestGeneratedJobName(t *testing.T) {
	h := newHarness(t, WithIDGenerator(func() string { return "0b6e1c2a-5f3d-4e8b-9a7c-1d2e3f4a5b6c" }))
	h.adaptor.on(submitCmd, entity.CommandOutput{ExitCode: 1})
	req := testRequest()
	req.JobName = ""

	job, _ := h.orch.Submit(context.Background(), req)
	assert.Equal(t, "A0b6e1c2a5", job.JobName)
	assert.Equal(t, "Ashort", generateJobName("short"))
}
