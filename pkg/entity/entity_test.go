package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointDefaults(t *testing.T) {
	e := RemoteEndpoint{Host: "login.hpc.edu", Username: "alice"}
	assert.Equal(t, "login.hpc.edu:22", e.Address())
	assert.Equal(t, EndpointKey{User: "alice", Host: "login.hpc.edu", Port: 22}, e.Key())
	assert.Equal(t, "alice@login.hpc.edu:22", e.String())

	e.Port = 2222
	assert.Equal(t, "login.hpc.edu:2222", e.Address())
}

func TestAppendStatusKeepsOrder(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var m JobModel
	assert.Equal(t, JobStateUnSubmitted, m.State())

	m.AppendStatus(JobStatus{State: JobStateSubmitted, TimeOfStateChange: t0})
	got := m.AppendStatus(JobStatus{State: JobStateQueued, TimeOfStateChange: t0.Add(-time.Minute)})

	require.Len(t, m.Statuses, 2)
	assert.Equal(t, t0, got.TimeOfStateChange)
	assert.Equal(t, JobStateQueued, m.State())
	for i := 1; i < len(m.Statuses); i++ {
		assert.False(t, m.Statuses[i].TimeOfStateChange.Before(m.Statuses[i-1].TimeOfStateChange))
	}
}

func TestJobModelJobID(t *testing.T) {
	assert.False(t, JobModel{}.HasRealJobID())
	assert.False(t, JobModel{JobID: DefaultJobID}.HasRealJobID())
	assert.True(t, JobModel{JobID: "12345.pbs01"}.HasRealJobID())
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []JobState{JobStateComplete, JobStateFailed, JobStateCanceled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []JobState{JobStateSubmitted, JobStateQueued, JobStateActive, JobStateUnknown, JobStateSuspended} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestParseKinds(t *testing.T) {
	k, err := ParseSchedulerKind(" slurm ")
	require.NoError(t, err)
	assert.Equal(t, SchedulerSLURM, k)
	_, err = ParseSchedulerKind("condor")
	assert.Error(t, err)

	p, err := ParseProtocol("ssh")
	require.NoError(t, err)
	assert.Equal(t, ProtocolSSH, p)
	_, err = ParseProtocol("gsissh")
	assert.Error(t, err)
}

func TestNewJobStatusChangeEvent(t *testing.T) {
	now := time.Now()
	job := JobModel{JobID: "1", TaskID: "t", ProcessID: "p", ExperimentID: "e", GatewayID: "g"}
	ev := NewJobStatusChangeEvent("ev1", job, JobStatus{State: JobStateQueued, TimeOfStateChange: now})
	assert.Equal(t, JobStatusChangeEvent{
		EventID: "ev1", JobID: "1", TaskID: "t", ProcessID: "p", ExperimentID: "e", GatewayID: "g",
		State: JobStateQueued, Timestamp: now,
	}, ev)
}

func TestComputeResourceInterface(t *testing.T) {
	r := ComputeResource{
		ID:       "hpc-1",
		HostName: "login.hpc.edu",
		Interfaces: []JobSubmissionInterface{
			{Protocol: ProtocolLocal, SchedulerKind: SchedulerLocal},
			{Protocol: ProtocolSSH, SchedulerKind: SchedulerSLURM, Host: "slurm.hpc.edu"},
		},
	}
	iface, ok := r.Interface(ProtocolSSH)
	require.True(t, ok)
	assert.Equal(t, "slurm.hpc.edu", iface.Host)
	assert.Equal(t, "hpc-1", iface.ComputeResourceID)

	iface, ok = r.Interface(ProtocolLocal)
	require.True(t, ok)
	assert.Equal(t, "login.hpc.edu", iface.Host)

	_, ok = ComputeResource{}.Interface(ProtocolSSH)
	assert.False(t, ok)
}
